package samplers

import (
	"go.uber.org/zap"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/sampler"
)

// SpawnAll constructs every enabled sampler and hands it to the runner.
// Construction failures follow the fault policy: logged and skipped when
// fault tolerant, returned otherwise.
func SpawnAll(ctx sampler.Context, cfg *config.Config, runner *sampler.Runner) error {
	type entry struct {
		name    string
		enabled bool
		build   func() (sampler.Sampler, error)
	}

	entries := []entry{
		{"cpu", cfg.Samplers.CPU.Enabled, func() (sampler.Sampler, error) { s, err := NewCPU(ctx, cfg.Samplers.CPU); return s, err }},
		{"disk", cfg.Samplers.Disk.Enabled, func() (sampler.Sampler, error) { s, err := NewDisk(ctx, cfg.Samplers.Disk); return s, err }},
		{"ext4", cfg.Samplers.Ext4.Enabled, func() (sampler.Sampler, error) { s, err := NewExt4(ctx, cfg.Samplers.Ext4); return s, err }},
		{"xfs", cfg.Samplers.XFS.Enabled, func() (sampler.Sampler, error) { s, err := NewXFS(ctx, cfg.Samplers.XFS); return s, err }},
		{"http", cfg.Samplers.HTTP.Enabled, func() (sampler.Sampler, error) { s, err := NewHTTPScrape(ctx, cfg.Samplers.HTTP); return s, err }},
		{"interrupt", cfg.Samplers.Interrupt.Enabled, func() (sampler.Sampler, error) { s, err := NewInterrupt(ctx, cfg.Samplers.Interrupt); return s, err }},
		{"krb5kdc", cfg.Samplers.Krb5kdc.Enabled, func() (sampler.Sampler, error) { s, err := NewKrb5kdc(ctx, cfg.Samplers.Krb5kdc); return s, err }},
		{"memcache", cfg.Samplers.Memcache.Enabled, func() (sampler.Sampler, error) { s, err := NewMemcache(ctx, cfg.Samplers.Memcache); return s, err }},
		{"memory", cfg.Samplers.Memory.Enabled, func() (sampler.Sampler, error) { s, err := NewMemory(ctx, cfg.Samplers.Memory); return s, err }},
		{"network", cfg.Samplers.Network.Enabled, func() (sampler.Sampler, error) { s, err := NewNetwork(ctx, cfg.Samplers.Network); return s, err }},
		{"ntp", cfg.Samplers.NTP.Enabled, func() (sampler.Sampler, error) { s, err := NewNTP(ctx, cfg.Samplers.NTP); return s, err }},
		{"nvidia", cfg.Samplers.Nvidia.Enabled, func() (sampler.Sampler, error) { s, err := NewNvidia(ctx, cfg.Samplers.Nvidia); return s, err }},
		{"page_cache", cfg.Samplers.PageCache.Enabled, func() (sampler.Sampler, error) { s, err := NewPageCache(ctx, cfg.Samplers.PageCache); return s, err }},
		{"process", cfg.Samplers.Process.Enabled, func() (sampler.Sampler, error) { s, err := NewProcess(ctx, cfg.Samplers.Process); return s, err }},
		{"scheduler", cfg.Samplers.Scheduler.Enabled, func() (sampler.Sampler, error) { s, err := NewScheduler(ctx, cfg.Samplers.Scheduler); return s, err }},
		{"softnet", cfg.Samplers.Softnet.Enabled, func() (sampler.Sampler, error) { s, err := NewSoftnet(ctx, cfg.Samplers.Softnet); return s, err }},
		{"tcp", cfg.Samplers.TCP.Enabled, func() (sampler.Sampler, error) { s, err := NewTCP(ctx, cfg.Samplers.TCP); return s, err }},
		{"udp", cfg.Samplers.UDP.Enabled, func() (sampler.Sampler, error) { s, err := NewUDP(ctx, cfg.Samplers.UDP); return s, err }},
		{"usercall", cfg.Samplers.UserCall.Enabled, func() (sampler.Sampler, error) { s, err := NewUserCall(ctx, cfg.Samplers.UserCall); return s, err }},
	}

	for _, e := range entries {
		if !e.enabled {
			continue
		}
		s, err := e.build()
		if err != nil {
			if cfg.General.FaultTolerant {
				ctx.Logger.Error("failed to initialize sampler", zap.String("sampler", e.name), zap.Error(err))
				continue
			}
			return err
		}
		runner.Spawn(s)
	}
	return nil
}
