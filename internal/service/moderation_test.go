package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModeratorCheck(t *testing.T) {
	m := NewModerator(nil, nil)

	tests := []struct {
		name    string
		prompt  string
		allowed bool
		flagged bool
	}{
		{"clean prompt", "a red fox running through snow", true, false},
		{"too short", "cat", false, false},
		{"whitespace only", "    ", false, false},
		{"blacklisted word", "gore everywhere in the scene", false, false},
		{"blacklist is case insensitive", "GORE everywhere in the scene", false, false},
		{"blacklist with punctuation", "scene with gore, lots of it", false, false},
		{"greylisted word passes flagged", "a politician giving a speech", true, true},
		{"substring does not match", "a gorgeous sunset over the sea", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := m.Check(tt.prompt)
			assert.Equal(t, tt.allowed, v.Allowed)
			assert.Equal(t, tt.flagged, v.Flagged)
			if !tt.allowed {
				assert.NotEmpty(t, v.Reason)
			}
		})
	}
}

func TestModeratorCustomLists(t *testing.T) {
	m := NewModerator([]string{"forbidden"}, []string{"suspicious"})

	assert.False(t, m.Check("something forbidden here").Allowed)
	assert.True(t, m.Check("something suspicious here").Flagged)
	// Defaults are replaced, not merged.
	assert.True(t, m.Check("gore everywhere in the scene").Allowed)
}
