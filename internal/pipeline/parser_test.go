package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineFrameOrder(t *testing.T) {
	line := []byte(`{"sample":{"pid":7,"tid":7,"cpu":0,"time":1000000000},"comm":"x","callchain":[{"ip":1},{"ip":2},{"ip":3}]}`)

	sample, err := parseLine(line, 0, 20_000_000)
	require.NoError(t, err)

	assert.Equal(t, uint32(7), sample.PID)
	assert.Equal(t, uint32(7), sample.TID)
	assert.Equal(t, uint32(0), sample.CPU)
	assert.Equal(t, "x", sample.ThreadName)
	assert.Equal(t, uint64(20_000_000), sample.Weight)

	// frames stay leaf first
	require.Len(t, sample.Frames, 3)
	assert.Equal(t, uint64(1), sample.Frames[0].IP)
	assert.Equal(t, uint64(2), sample.Frames[1].IP)
	assert.Equal(t, uint64(3), sample.Frames[2].IP)
}

func TestParseLineClockOffset(t *testing.T) {
	line := []byte(`{"sample":{"pid":1,"tid":1,"cpu":0,"time":1500000000},"comm":"a","callchain":[]}`)

	offset := uint64(1_700_000_000_000_000_000)
	sample, err := parseLine(line, offset, 1)
	require.NoError(t, err)

	want := time.Unix(1_700_000_001, 500_000_000)
	assert.True(t, sample.Time.Equal(want), "got %v want %v", sample.Time, want)
}

func TestParseLineSymbolsAndDso(t *testing.T) {
	line := []byte(`{"sample":{"pid":1,"tid":2,"cpu":3,"time":0},"comm":"srv","callchain":[` +
		`{"ip":100,"sym":{"start":96,"name":"handle_request"},"dso":"/usr/bin/srv"},` +
		`{"ip":200,"dso":"[kernel.kallsyms]"},` +
		`{"ip":300,"dso":"[vdso]"},` +
		`{"ip":400}]}`)

	sample, err := parseLine(line, 0, 1)
	require.NoError(t, err)
	require.Len(t, sample.Frames, 4)

	f := sample.Frames[0]
	require.NotNil(t, f.Symbol)
	assert.Equal(t, uint64(96), f.Symbol.Base)
	assert.Equal(t, "handle_request", f.Symbol.Mangled)
	assert.Equal(t, "handle_request", f.Symbol.Demangled)
	assert.Equal(t, DsoFile, f.Mmap.Kind)
	assert.Equal(t, "/usr/bin/srv", f.Mmap.Path)

	assert.Equal(t, DsoKernel, sample.Frames[1].Mmap.Kind)
	assert.Equal(t, DsoVdso, sample.Frames[2].Mmap.Kind)
	assert.Equal(t, DsoAnonymous, sample.Frames[3].Mmap.Kind)
	assert.Nil(t, sample.Frames[3].Symbol)
}

func TestParseLineErrorNamesField(t *testing.T) {
	line := []byte(`{"sample":{"pid":"not-a-number","tid":1,"cpu":0,"time":0},"comm":"x","callchain":[]}`)

	_, err := parseLine(line, 0, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pid")
}

func TestParseLineEmptyCallchain(t *testing.T) {
	line := []byte(`{"sample":{"pid":1,"tid":1,"cpu":0,"time":0},"comm":"x","callchain":[]}`)

	sample, err := parseLine(line, 0, 1)
	require.NoError(t, err)
	// frames are always present, possibly empty
	assert.NotNil(t, sample.Frames)
	assert.Empty(t, sample.Frames)
}
