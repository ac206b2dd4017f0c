package localstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollate(t *testing.T) {
	ordered := []any{
		nil,
		false,
		true,
		-1.5,
		1,
		2.0,
		"a",
		"b",
		[]any{"a"},
		[]any{"a", 1.0},
		[]any{"b"},
		map[string]any{"a": 1.0},
	}
	for i := range ordered {
		for j := range ordered {
			want := compareInts(i, j)
			assert.Equal(t, want, Collate(ordered[i], ordered[j]), "%v vs %v", ordered[i], ordered[j])
		}
	}
	assert.Equal(t, 0, Collate(3, 3.0))
}
