package metrics

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

func (r *Registry) collectProcessMetrics(stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
				r.ProcessCPU.Set(pct[0])
			}

			if proc != nil {
				if info, err := proc.MemoryInfo(); err == nil {
					r.ProcessMemory.Set(float64(info.RSS))
					continue
				}
			}
			if vmem, err := mem.VirtualMemory(); err == nil {
				r.ProcessMemory.Set(float64(vmem.Used))
			}
		}
	}
}
