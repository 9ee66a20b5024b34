package ebpf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyToValue(t *testing.T) {
	tests := []struct {
		index uint64
		value uint64
		ok    bool
	}{
		{0, 0, true},
		{1, 1, true},
		{99, 99, true},
		// second decade: steps of 10, upper bound representative
		{100, 109, true},
		{101, 119, true},
		{189, 999, true},
		// third decade: steps of 100
		{190, 1099, true},
		{279, 9999, true},
		// fourth decade: steps of 1000
		{280, 10999, true},
		{369, 99999, true},
		// fifth decade: steps of 10000
		{370, 109999, true},
		{459, 999999, true},
		// beyond the final decade
		{460, 0, false},
		{1 << 32, 0, false},
	}
	for _, tc := range tests {
		v, ok := KeyToValue(tc.index)
		assert.Equal(t, tc.ok, ok, "index %d", tc.index)
		if tc.ok {
			assert.Equal(t, tc.value, v, "index %d", tc.index)
		}
	}
}

func TestKeyToValueMonotonic(t *testing.T) {
	var prev uint64
	for i := uint64(1); i < 460; i++ {
		v, ok := KeyToValue(i)
		assert.True(t, ok)
		assert.Greater(t, v, prev, "index %d", i)
		prev = v
	}
}

func TestSampleFrequency(t *testing.T) {
	assert.Equal(t, uint64(1), SampleFrequency(0))
	assert.Equal(t, uint64(1), SampleFrequency(1000))
	assert.Equal(t, uint64(1), SampleFrequency(5000))
	assert.Equal(t, uint64(2), SampleFrequency(500))
	assert.Equal(t, uint64(10), SampleFrequency(100))
	assert.Equal(t, uint64(1000), SampleFrequency(1))
}
