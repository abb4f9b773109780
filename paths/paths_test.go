package paths

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPath_Validate(t *testing.T) {
	testCases := []struct {
		name    string
		path    Path
		wantErr bool
	}{
		{"direct", Path{"A", "D"}, false},
		{"three hops", Path{"A", "B", "C", "D"}, false},
		{"too short", Path{"A"}, true},
		{"wrong sender", Path{"B", "D"}, true},
		{"wrong receiver", Path{"A", "C"}, true},
		{"loop", Path{"A", "B", "A", "D"}, true},
		{"through receiver", Path{"A", "D", "B", "D"}, true},
		{"empty node", Path{"A", "", "D"}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.path.Validate("A", "D")
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPath)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStatic_FindPaths(t *testing.T) {
	s := NewStatic()
	s.Add(Path{"A", "B", "C", "D"})
	s.Add(Path{"A", "E", "D"})
	s.Add(Path{"X", "D"})

	found, err := s.FindPaths(context.Background(), "A", "D", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []Path{{"A", "B", "C", "D"}, {"A", "E", "D"}}, found)

	found, err = s.FindPaths(context.Background(), "A", "Z", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []Path{{"A", "Z"}}, found)
}

func TestPath_Index(t *testing.T) {
	p := Path{"A", "B", "C"}
	assert.Equal(t, 1, p.Index("B"))
	assert.Equal(t, -1, p.Index("Z"))
}
