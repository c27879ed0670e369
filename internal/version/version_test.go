package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendChangesDigest(t *testing.T) {
	v1 := New()
	before := v1.Hex()
	v1.Append([]byte("nixpkgs-unstable"))
	assert.NotEqual(t, before, v1.Hex())
}

func TestDifferentAppendsDiverge(t *testing.T) {
	a, b := New(), New()
	a.Append([]byte("one"))
	b.Append([]byte("two"))
	assert.NotEqual(t, a.Hex(), b.Hex())
}

func TestFreezePanicsOnAppend(t *testing.T) {
	v := New()
	v.Freeze()
	assert.Panics(t, func() { v.Append([]byte("x")) })
}
