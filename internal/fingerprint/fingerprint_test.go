package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectProfileIsStableForSameSeed(t *testing.T) {
	seed := uint64(123456789)
	p1 := SelectProfile(seed)
	p2 := SelectProfile(seed)
	assert.Equal(t, p1, p2)
}

func TestSelectProfilePicksOneOfThree(t *testing.T) {
	seen := map[Profile]bool{}
	for seed := uint64(0); seed < 30; seed++ {
		seen[SelectProfile(seed)] = true
	}
	assert.LessOrEqual(t, len(seen), 3)
	assert.GreaterOrEqual(t, len(seen), 1)
}

func TestScriptEmbedsProfileFields(t *testing.T) {
	seed := uint64(2)
	s := Script(seed)
	p := SelectProfile(seed)
	assert.Contains(t, s, p.Vendor)
	assert.Contains(t, s, p.Renderer)
	assert.Contains(t, s, "webdriver")
	assert.Contains(t, s, "toDataURL")
}
