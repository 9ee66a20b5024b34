package samplers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageCacheCounts(t *testing.T) {
	// total = 1000 - 100 = 900, miss = 300 - 50 = 250, hit = 650
	hit, miss := pageCacheCounts(1000, 100, 300, 50)
	assert.Equal(t, uint64(650), hit)
	assert.Equal(t, uint64(250), miss)
}

func TestPageCacheCountsWrap(t *testing.T) {
	// accessed wrapped past zero; wrapping subtraction still yields the
	// true delta
	accessed := uint64(5)
	bufferDirty := uint64(math.MaxUint64 - 10) // 16 behind accessed, mod 2^64
	hit, miss := pageCacheCounts(accessed, bufferDirty, 10, 4)
	assert.Equal(t, uint64(16-6), hit)
	assert.Equal(t, uint64(6), miss)
}
