// Package health implements the BNG's self-health reporter: sampling
// CPU utilization and memory pressure (container cgroup limits when
// present, process-wide otherwise) and turning each sample into a
// BNG_HEALTH_UPDATE event for the dispatcher.
package health

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/saphalpdyl/aether/internal/engine"
)

// cgroup v2 and v1 memory accounting files, tried in that order before
// falling back to process-wide sampling.
const (
	cgroupV2Current = "/sys/fs/cgroup/memory.current"
	cgroupV2Max     = "/sys/fs/cgroup/memory.max"
	cgroupV1Usage   = "/sys/fs/cgroup/memory/memory.usage_in_bytes"
	cgroupV1Limit   = "/sys/fs/cgroup/memory/memory.limit_in_bytes"
)

// v1 reports "no limit" as a huge page-aligned value near 2^63; anything
// above this threshold is treated as unlimited.
const v1NoLimitThreshold = uint64(1) << 60

// Config configures a Reporter.
type Config struct {
	// CgroupRoot overrides the cgroup filesystem root for tests; empty
	// means "/sys/fs/cgroup" via the constants above.
	CgroupRoot string
}

// Reporter implements engine.HealthReporter.
type Reporter struct {
	cfg   Config
	proc  *process.Process
	first bool
}

var _ engine.HealthReporter = (*Reporter)(nil)

// New builds a Reporter for the current process. The first cpu.Percent
// call primes gopsutil's delta baseline so the first Tick reports a
// meaningful utilization instead of zero-since-boot.
func New(cfg Config) (*Reporter, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("health: open own process: %w", err)
	}
	_, _ = cpu.Percent(0, false)
	return &Reporter{cfg: cfg, proc: proc, first: true}, nil
}

// Tick samples CPU and memory and returns one BNG_HEALTH_UPDATE event.
// The very first sample after process start carries first_seen=true so
// the ingestor can mark a fresh instance coming up.
func (r *Reporter) Tick(ctx context.Context, now time.Time) (engine.Event, error) {
	cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return engine.Event{}, fmt.Errorf("health: sample cpu: %w", err)
	}
	var cpuVal float64
	if len(cpuPct) > 0 {
		cpuVal = cpuPct[0]
	}

	usedBytes, limitBytes, source := r.sampleMemory(ctx)

	fields := map[string]any{
		"cpu_percent":     strconv.FormatFloat(cpuVal, 'f', 2, 64),
		"mem_used_bytes":  strconv.FormatUint(usedBytes, 10),
		"mem_limit_bytes": strconv.FormatUint(limitBytes, 10),
		"mem_source":      source,
		"sampled_at":      now,
	}
	if r.first {
		fields["first_seen"] = true
		r.first = false
	}

	return engine.Event{
		Type:   engine.EventHealthUpdate,
		Fields: fields,
	}, nil
}

// sampleMemory reads resident/limit bytes, preferring cgroup v2, then
// cgroup v1, then the process RSS against total system memory. A limit
// of zero means no limit could be determined.
func (r *Reporter) sampleMemory(ctx context.Context) (used, limit uint64, source string) {
	v2Current, v2Max := cgroupV2Current, cgroupV2Max
	v1Usage, v1Limit := cgroupV1Usage, cgroupV1Limit
	if r.cfg.CgroupRoot != "" {
		v2Current = r.cfg.CgroupRoot + "/memory.current"
		v2Max = r.cfg.CgroupRoot + "/memory.max"
		v1Usage = r.cfg.CgroupRoot + "/memory/memory.usage_in_bytes"
		v1Limit = r.cfg.CgroupRoot + "/memory/memory.limit_in_bytes"
	}

	if cur, ok := readUintFile(v2Current); ok {
		limit, _ := readUintFile(v2Max) // "max" parses as not-ok, leaving 0 = unlimited
		return cur, limit, "cgroup2"
	}

	if cur, ok := readUintFile(v1Usage); ok {
		lim, _ := readUintFile(v1Limit)
		if lim >= v1NoLimitThreshold {
			lim = 0
		}
		return cur, lim, "cgroup1"
	}

	var rss uint64
	if mi, err := r.proc.MemoryInfoWithContext(ctx); err == nil {
		rss = mi.RSS
	}
	var total uint64
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		total = vm.Total
	}
	return rss, total, "process"
}

// readUintFile parses a single decimal integer from path. Returns ok=false
// on read failure or non-numeric content (e.g. cgroup v2's "max").
func readUintFile(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
