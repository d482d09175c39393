package hashchain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtendDeterministic(t *testing.T) {
	var d [Size]byte
	copy(d[:], "digest-one")

	h1 := Extend(Genesis, d, 1, 0)
	h2 := Extend(Genesis, d, 1, 0)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, Genesis, h1)
}

func TestExtendSensitivity(t *testing.T) {
	var d1, d2 [Size]byte
	copy(d1[:], "digest-one")
	copy(d2[:], "digest-two")

	base := Extend(Genesis, d1, 1, 0)
	assert.NotEqual(t, base, Extend(Genesis, d2, 1, 0), "digest must bind")
	assert.NotEqual(t, base, Extend(Genesis, d1, 2, 0), "sequence must bind")
	assert.NotEqual(t, base, Extend(Genesis, d1, 1, 1), "view must bind")
}

func TestRecomputeMatchesStepwise(t *testing.T) {
	links := []Link{}
	h := Genesis
	for i := uint64(1); i <= 5; i++ {
		var d [Size]byte
		d[0] = byte(i)
		links = append(links, Link{Digest: d, Seq: i, View: 0})
		h = Extend(h, d, i, 0)
	}
	require.Equal(t, h, Recompute(Genesis, links))
}

func TestDivergenceDetectable(t *testing.T) {
	var dx, dy [Size]byte
	copy(dx[:], "op-x")
	copy(dy[:], "op-y")

	// Two replicas executing different operations at the same slot can
	// never publish the same chain value.
	hx := Extend(Genesis, dx, 1, 0)
	hy := Extend(Genesis, dy, 1, 0)
	assert.NotEqual(t, hx, hy)

	// And the divergence persists for every later slot.
	var d2 [Size]byte
	copy(d2[:], "op-2")
	assert.NotEqual(t, Extend(hx, d2, 2, 0), Extend(hy, d2, 2, 0))
}

func TestIsZero(t *testing.T) {
	var zero HCV
	assert.True(t, zero.IsZero())
	assert.False(t, Genesis.IsZero())
}
