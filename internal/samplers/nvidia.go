package samplers

import (
	"context"
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/sampler"
	"github.com/perfwatch/perfwatch/internal/stats"
)

// Nvidia polls every NVML-visible GPU for thermal, power, clock, ECC,
// PCIe, utilization, memory, and retirement telemetry.
type Nvidia struct {
	base

	devices int

	// per-device statistic cache, registered lazily
	gauges   map[string]stats.Statistic
	counters map[string]stats.Statistic
}

// NewNvidia initializes NVML and constructs the sampler.
func NewNvidia(ctx sampler.Context, cfg config.Common) (*Nvidia, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml init: %s", nvml.ErrorString(ret))
	}
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		nvml.Shutdown()
		return nil, fmt.Errorf("nvml device count: %s", nvml.ErrorString(ret))
	}

	return &Nvidia{
		base:     newBase("nvidia", ctx, cfg),
		devices:  count,
		gauges:   make(map[string]stats.Statistic),
		counters: make(map[string]stats.Statistic),
	}, nil
}

// Close shuts NVML down.
func (n *Nvidia) Close() error {
	nvml.Shutdown()
	return nil
}

func (n *Nvidia) gauge(name string, value uint64) {
	st, ok := n.gauges[name]
	if !ok {
		st = n.registerGauge(name)
		n.gauges[name] = st
	}
	_ = n.ctx.Registry.RecordGauge(st, n.ctx.Clock.Now(), value)
}

func (n *Nvidia) counter(name string, value uint64) {
	st, ok := n.counters[name]
	if !ok {
		st = n.registerCounter(name)
		n.counters[name] = st
	}
	_ = n.ctx.Registry.RecordCounter(st, n.ctx.Clock.Now(), value)
}

func (n *Nvidia) Sample(ctx context.Context) error {
	for i := 0; i < n.devices; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}
		n.sampleDevice(fmt.Sprintf("nvidia/gpu_%d", i), device)
	}
	return nil
}

func (n *Nvidia) sampleDevice(prefix string, device nvml.Device) {
	if v, ret := device.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
		n.gauge(prefix+"/temperature", uint64(v))
	}

	if current, _, ret := device.GetEccMode(); ret == nvml.SUCCESS {
		enabled := uint64(0)
		if current == nvml.FEATURE_ENABLED {
			enabled = 1
		}
		n.gauge(prefix+"/ecc/enabled", enabled)

		if v, ret := device.GetTotalEccErrors(nvml.MEMORY_ERROR_TYPE_CORRECTED, nvml.AGGREGATE_ECC); ret == nvml.SUCCESS {
			n.counter(prefix+"/ecc/sbe", v)
		}
		if v, ret := device.GetTotalEccErrors(nvml.MEMORY_ERROR_TYPE_UNCORRECTED, nvml.AGGREGATE_ECC); ret == nvml.SUCCESS {
			n.counter(prefix+"/ecc/dbe", v)
		}
	}

	// mW -> W, mJ -> J
	if v, ret := device.GetPowerUsage(); ret == nvml.SUCCESS {
		n.gauge(prefix+"/power/usage", uint64(v)/1000)
	}
	if v, ret := device.GetPowerManagementLimit(); ret == nvml.SUCCESS {
		n.gauge(prefix+"/power/limit", uint64(v)/1000)
	}
	if v, ret := device.GetTotalEnergyConsumption(); ret == nvml.SUCCESS {
		n.counter(prefix+"/energy/consumption", v/1000)
	}

	if v, ret := device.GetClockInfo(nvml.CLOCK_SM); ret == nvml.SUCCESS {
		n.gauge(prefix+"/clock/sm", uint64(v))
	}
	if v, ret := device.GetClockInfo(nvml.CLOCK_MEM); ret == nvml.SUCCESS {
		n.gauge(prefix+"/clock/memory", uint64(v))
	}

	if v, ret := device.GetPcieReplayCounter(); ret == nvml.SUCCESS {
		n.counter(prefix+"/pcie/replay", uint64(v))
	}
	if v, ret := device.GetPcieThroughput(nvml.PCIE_UTIL_RX_BYTES); ret == nvml.SUCCESS {
		n.gauge(prefix+"/pcie/throughput/rx", uint64(v))
	}
	if v, ret := device.GetPcieThroughput(nvml.PCIE_UTIL_TX_BYTES); ret == nvml.SUCCESS {
		n.gauge(prefix+"/pcie/throughput/tx", uint64(v))
	}

	if util, ret := device.GetUtilizationRates(); ret == nvml.SUCCESS {
		n.gauge(prefix+"/utilization/gpu", uint64(util.Gpu))
		n.gauge(prefix+"/utilization/memory", uint64(util.Memory))
	}
	if v, _, ret := device.GetDecoderUtilization(); ret == nvml.SUCCESS {
		n.gauge(prefix+"/utilization/decoder", uint64(v))
	}
	if v, _, ret := device.GetEncoderUtilization(); ret == nvml.SUCCESS {
		n.gauge(prefix+"/utilization/encoder", uint64(v))
	}

	if mem, ret := device.GetMemoryInfo(); ret == nvml.SUCCESS {
		n.gauge(prefix+"/memory/fb/free", mem.Free)
		n.gauge(prefix+"/memory/fb/total", mem.Total)
		n.gauge(prefix+"/memory/fb/used", mem.Used)
	}

	var retired uint64
	for _, cause := range []nvml.PageRetirementCause{
		nvml.PAGE_RETIREMENT_CAUSE_MULTIPLE_SINGLE_BIT_ECC_ERRORS,
		nvml.PAGE_RETIREMENT_CAUSE_DOUBLE_BIT_ECC_ERROR,
	} {
		if pages, ret := device.GetRetiredPages(cause); ret == nvml.SUCCESS {
			retired += uint64(len(pages))
		}
	}
	n.gauge(prefix+"/memory/retired", retired)
	if pending, ret := device.GetRetiredPagesPendingStatus(); ret == nvml.SUCCESS {
		v := uint64(0)
		if pending == nvml.FEATURE_ENABLED {
			v = 1
		}
		n.gauge(prefix+"/memory/retirement_pending", v)
	}

	if procs, ret := device.GetComputeRunningProcesses(); ret == nvml.SUCCESS {
		n.gauge(prefix+"/processes/compute", uint64(len(procs)))
	}
}
