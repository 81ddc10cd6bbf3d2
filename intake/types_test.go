package intake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		event   EventTag
		want    Status
		allowed bool
	}{
		{"mark-processed from new", StatusNew, EventMarkProcessed, StatusProcessed, true},
		{"mark-processed again", StatusProcessed, EventMarkProcessed, StatusProcessed, true},
		{"unprocess from processed", StatusProcessed, EventUnprocessed, StatusNew, true},
		{"unprocess from new", StatusNew, EventUnprocessed, StatusNew, true},
		{"viewed never mutates", StatusNew, EventViewed, StatusNew, false},
		{"note-updated never mutates", StatusProcessed, EventNoteUpdated, StatusProcessed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Transition(tt.from, tt.event)
			assert.Equal(t, tt.allowed, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeAndValidateID(t *testing.T) {
	mixed := "A3F1C2D4E5B6A7F8091a2b3c4d5e6f70a1b2c3d4e5f60718293a4b5c6d7e8f90"
	id := NormalizeID(mixed)
	require.NoError(t, ValidateID(id))
	assert.Equal(t, testID, id)

	assert.Error(t, ValidateID("abc"))
	assert.Error(t, ValidateID(mixed)) // uppercase never passes validation
}

func TestVersionSet(t *testing.T) {
	s := NewVersionSet([]string{"1", "2", ""})
	assert.True(t, s.Contains("1"))
	assert.True(t, s.Contains("2"))
	assert.False(t, s.Contains("3"))
	assert.False(t, s.Contains(""))

	// Empty input falls back to the default version.
	d := NewVersionSet(nil)
	assert.True(t, d.Contains(DefaultVersion))
}

func TestValidStatus(t *testing.T) {
	assert.True(t, ValidStatus(StatusNew))
	assert.True(t, ValidStatus(StatusProcessed))
	assert.False(t, ValidStatus(Status("archived")))
}
