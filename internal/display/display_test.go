package display

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProbeFreeDisplaySkipsTaken(t *testing.T) {
	taken := map[int]bool{10: true, 11: true}
	n, err := ProbeFreeDisplay(10, taken)
	assert.NoError(t, err)
	assert.Equal(t, 12, n)
}

func TestProbeFreeDisplayDefaultsNegativeOffset(t *testing.T) {
	n, err := ProbeFreeDisplay(-5, map[int]bool{})
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, n, 0)
}

func TestStripShellMeta(t *testing.T) {
	cases := map[string]bool{
		"us":             true,
		"en-US":          true,
		"fr; rm -rf /":   false,
		"`whoami`":       false,
		"$(id)":          false,
		"normal-value_1": true,
	}
	for input, want := range cases {
		assert.Equal(t, want, StripShellMeta(input), "input=%q", input)
	}
}
