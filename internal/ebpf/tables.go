package ebpf

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
)

// KeyToValue maps a log-linear histogram table index back to the value
// the BPF side bucketed. The bucketing is piecewise power-of-ten: exact
// below 100, then one decade per 90 indices with the bucket's upper
// bound as the representative value. Returns false for indices past the
// final decade.
func KeyToValue(index uint64) (uint64, bool) {
	switch {
	case index < 100:
		return index, true
	case index < 190:
		return (index-90)*10 + 9, true
	case index < 280:
		return (index-180)*100 + 99, true
	case index < 370:
		return (index-270)*1_000 + 999, true
	case index < 460:
		return (index-360)*10_000 + 9_999, true
	default:
		return 0, false
	}
}

// ReadHistogram decodes a u32→u64 histogram table into value→count
// pairs, mapping indices through KeyToValue, skipping zero counts, and
// clearing entries after the read.
func (p *Program) ReadHistogram(name string) (map[uint64]uint64, error) {
	m, err := p.Map(name)
	if err != nil {
		return nil, err
	}

	out := make(map[uint64]uint64)
	var keys []uint32

	var (
		k uint32
		v uint64
	)
	it := m.Iterate()
	for it.Next(&k, &v) {
		keys = append(keys, k)
		if v == 0 {
			continue
		}
		value, ok := KeyToValue(uint64(k))
		if !ok {
			continue
		}
		out[value] += v
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", name, err)
	}

	// clear the source counters so the next window starts fresh
	for _, k := range keys {
		_ = m.Put(k, uint64(0))
	}
	return out, nil
}

// ReadHashChar looks up a fixed-size char-array key in a hash table of
// u64 counts.
func (p *Program) ReadHashChar(name, key string, keySize int) (uint64, error) {
	m, err := p.Map(name)
	if err != nil {
		return 0, err
	}

	// keys are NUL padded on the BPF side
	raw := make([]byte, keySize)
	copy(raw, key)

	var v uint64
	if err := m.Lookup(raw, &v); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("lookup %s[%s]: %w", name, key, err)
	}
	return v, nil
}

// ReadPerCPUSum sums a per-CPU array entry across all CPUs.
func (p *Program) ReadPerCPUSum(name string, index uint32) (uint64, error) {
	m, err := p.Map(name)
	if err != nil {
		return 0, err
	}

	var perCPU []uint64
	if err := m.Lookup(index, &perCPU); err != nil {
		return 0, fmt.Errorf("lookup %s[%d]: %w", name, index, err)
	}
	var sum uint64
	for _, v := range perCPU {
		sum += v
	}
	return sum, nil
}
