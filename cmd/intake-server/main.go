// Command intake-server runs the encrypted intake API: public ingestion plus
// the authenticated admin workflow.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/cipherdrop/intake-backend/common"
	"github.com/cipherdrop/intake-backend/httpserver"
	"github.com/cipherdrop/intake-backend/intake"
	"github.com/cipherdrop/intake-backend/notify"
	"github.com/cipherdrop/intake-backend/secrets"
	"github.com/cipherdrop/intake-backend/storage"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Value: "127.0.0.1:8090",
		Usage: "address to listen on for Prometheus metrics",
	},
	&cli.StringFlag{
		Name:    "db-dsn",
		Value:   "",
		EnvVars: []string{"INTAKE_DB_DSN"},
		Usage:   "PostgreSQL DSN; empty runs with the in-memory store (development only)",
	},
	&cli.StringSliceFlag{
		Name:  "allowed-origin",
		Usage: "origin allowed to submit (exact match, repeatable; '*' allows any)",
	},
	&cli.StringSliceFlag{
		Name:  "allowed-version",
		Value: cli.NewStringSlice(intake.DefaultVersion),
		Usage: "accepted protocol versions",
	},
	&cli.Int64Flag{
		Name:  "max-body-bytes",
		Value: intake.DefaultMaxBodyBytes,
		Usage: "maximum ingestion body size in bytes",
	},
	&cli.StringFlag{
		Name:    "hmac-secret",
		Value:   "",
		EnvVars: []string{"INTAKE_HMAC_SECRET"},
		Usage:   "shared secret for submission signatures; empty disables verification",
	},
	&cli.StringFlag{
		Name:    "ip-hash-salt",
		Value:   "",
		EnvVars: []string{"INTAKE_IP_HASH_SALT"},
		Usage:   "salt for one-way IP hashing; empty disables IP hashing",
	},
	&cli.StringFlag{
		Name:  "admin-identity-header",
		Value: httpserver.DefaultIdentityHeader,
		Usage: "header carrying the platform-asserted operator identity",
	},
	&cli.StringSliceFlag{
		Name:  "admin-operator",
		Usage: "operator identity allowed to use the admin API (repeatable; empty allows any authenticated identity)",
	},
	&cli.StringFlag{
		Name:  "admin-origin",
		Value: "",
		Usage: "single origin allowed to call the admin API with credentials",
	},
	&cli.StringFlag{
		Name:  "webhook-url",
		Value: "",
		Usage: "URL notified (metadata only) after each stored submission",
	},
	&cli.StringFlag{
		Name:    "vault-addr",
		Value:   "",
		EnvVars: []string{"VAULT_ADDR"},
		Usage:   "Vault address for secret material; empty uses flag/env secrets",
	},
	&cli.StringFlag{
		Name:    "vault-token",
		Value:   "",
		EnvVars: []string{"VAULT_TOKEN"},
		Usage:   "Vault token",
	},
	&cli.StringFlag{
		Name:  "vault-mount",
		Value: "secret",
		Usage: "Vault KV v2 mount path",
	},
	&cli.StringFlag{
		Name:  "vault-path",
		Value: "intake",
		Usage: "path of the secret holding hmac_secret and ip_hash_salt",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: common.PackageName,
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:  "intake-server",
		Usage: "Serve the encrypted intake API",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String("listen-addr")
			metricsAddr := cCtx.String("metrics-addr")
			dbDSN := cCtx.String("db-dsn")
			logJSON := cCtx.Bool("log-json")
			logDebug := cCtx.Bool("log-debug")
			logUID := cCtx.Bool("log-uid")
			logService := cCtx.String("log-service")
			enablePprof := cCtx.Bool("pprof")
			drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

			logger := common.SetupLogger(&common.LoggingOpts{
				Debug:   logDebug,
				JSON:    logJSON,
				Service: logService,
				Version: common.Version,
			})

			if logUID {
				id := uuid.Must(uuid.NewRandom())
				logger = logger.With("uid", id.String())
			}

			hmacSecret := cCtx.String("hmac-secret")
			ipHashSalt := cCtx.String("ip-hash-salt")

			// Vault, when configured, overrides flag/env secret material.
			if vaultAddr := cCtx.String("vault-addr"); vaultAddr != "" {
				source, err := secrets.NewVaultSource(vaultAddr, cCtx.String("vault-token"),
					cCtx.String("vault-mount"), cCtx.String("vault-path"), logger)
				if err != nil {
					logger.Error("Failed to create Vault client", "err", err)
					return err
				}
				material, err := source.Fetch(context.Background())
				if err != nil {
					logger.Error("Failed to load secret material from Vault", "err", err)
					return err
				}
				if material.HMACSecret != "" {
					hmacSecret = material.HMACSecret
				}
				if material.IPHashSalt != "" {
					ipHashSalt = material.IPHashSalt
				}
				logger.Info("Loaded secret material from Vault")
			}

			var store storage.Store
			if dbDSN != "" {
				db, err := sql.Open("pgx", dbDSN)
				if err != nil {
					logger.Error("Failed to open database", "err", err)
					return err
				}
				defer db.Close()

				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := db.PingContext(ctx); err != nil {
					logger.Error("Failed to reach database", "err", err)
					return err
				}
				if err := storage.RunMigrations(ctx, db); err != nil {
					logger.Error("Failed to run migrations", "err", err)
					return err
				}
				store = storage.NewPostgresStore(db)
				logger.Info("Using PostgreSQL store")
			} else {
				store = storage.NewMemoryStore()
				logger.Warn("No db-dsn configured, using in-memory store; submissions will not survive restarts")
			}

			var hmacKey []byte
			if hmacSecret != "" {
				hmacKey = []byte(hmacSecret)
				logger.Info("Submission signature verification enabled")
			}

			notifier := notify.New(cCtx.String("webhook-url"), logger)

			handler := httpserver.NewHandler(httpserver.IntakeConfig{
				AllowedOrigins:  httpserver.NewOriginSet(cCtx.StringSlice("allowed-origin")),
				AllowedVersions: intake.NewVersionSet(cCtx.StringSlice("allowed-version")),
				MaxBodyBytes:    cCtx.Int64("max-body-bytes"),
				HMACSecret:      hmacKey,
				IPHashSalt:      ipHashSalt,
			}, store, notifier, logger)

			admin := httpserver.NewAdminHandler(httpserver.AdminConfig{
				IdentityHeader: cCtx.String("admin-identity-header"),
				Operators:      httpserver.NewOperatorSet(cCtx.StringSlice("admin-operator")),
				UIOrigin:       cCtx.String("admin-origin"),
			}, store, logger)

			cfg := &httpserver.HTTPServerConfig{
				ListenAddr:               listenAddr,
				MetricsAddr:              metricsAddr,
				Log:                      logger,
				EnablePprof:              enablePprof,
				DrainDuration:            drainDuration,
				GracefulShutdownDuration: 30 * time.Second,
				ReadTimeout:              60 * time.Second,
				WriteTimeout:             30 * time.Second,
			}

			server, err := httpserver.New(cfg, handler, admin)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting server")
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
