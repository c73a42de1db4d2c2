package hashid_test

import (
	"testing"

	"github.com/katalvlaran/mpcmatch/hashid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEIDSymmetric(t *testing.T) {
	h := hashid.New(42)

	cases := [][2]uint64{
		{1, 2}, {2, 1}, {0, 1000000}, {1000000, 0}, {7, 7},
	}
	for _, c := range cases {
		require.Equal(t, h.EID(c[0], c[1]), h.EID(c[1], c[0]),
			"eid must be symmetric for (%d,%d)", c[0], c[1])
	}
}

func TestEIDDeterministicAcrossHashers(t *testing.T) {
	h1 := hashid.New(7)
	h2 := hashid.New(7)
	assert.Equal(t, h1.EID(3, 9), h2.EID(3, 9))
	assert.Equal(t, h1.Owner(3, 16), h2.Owner(3, 16))
	assert.Equal(t, h1.Priority(99, 2), h2.Priority(99, 2))
}

func TestEIDDifferentSeedsDecorrelate(t *testing.T) {
	h1 := hashid.New(1)
	h2 := hashid.New(2)
	// Not a correctness requirement, just documents the decorrelation
	// property motivating a keyed hash (see package doc).
	assert.NotEqual(t, h1.EID(3, 9), h2.EID(3, 9))
}

func TestOwnerInRange(t *testing.T) {
	h := hashid.New(1)
	for v := uint64(0); v < 500; v++ {
		o := h.Owner(v, 7)
		require.GreaterOrEqual(t, o, 0)
		require.Less(t, o, 7)
	}
}

func TestIncludeThresholdMonotone(t *testing.T) {
	h := hashid.New(123)
	// A strictly larger sampling probability must never turn an included
	// edge into an excluded one.
	for eid := uint64(0); eid < 200; eid++ {
		if h.Include(eid, 0, 0.1) {
			assert.True(t, h.Include(eid, 0, 0.9))
		}
	}
}

func TestIncludeBoundaries(t *testing.T) {
	h := hashid.New(5)
	for eid := uint64(0); eid < 50; eid++ {
		assert.False(t, h.Include(eid, 0, 0))
		assert.True(t, h.Include(eid, 0, 1))
	}
}

func TestPriorityVariesByPhase(t *testing.T) {
	h := hashid.New(5)
	p0 := h.Priority(17, 0)
	p1 := h.Priority(17, 1)
	assert.NotEqual(t, p0, p1, "priority must vary by phase, not just by edge")
}
