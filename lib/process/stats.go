package process

import (
	"context"
	"fmt"
	"sync"

	gopsprocess "github.com/shirou/gopsutil/v4/process"
)

// Stats is a resource sample of a running process.
type Stats struct {
	RSS        uint64
	VMS        uint64
	NumThreads int32
}

type statsHandle struct {
	once sync.Once
	proc *gopsprocess.Process
	err  error
}

// Stats samples the memory use of the process.
func (p *Process) Stats(ctx context.Context) (Stats, error) {
	if p.Exited() {
		return Stats{}, fmt.Errorf("process %d has exited", p.Pid())
	}

	h := &p.stats
	h.once.Do(func() {
		h.proc, h.err = gopsprocess.NewProcessWithContext(ctx, int32(p.Pid()))
	})
	if h.err != nil {
		return Stats{}, fmt.Errorf("failed to open process %d: %w", p.Pid(), h.err)
	}

	mem, err := h.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read memory of process %d: %w", p.Pid(), err)
	}

	threads, err := h.proc.NumThreadsWithContext(ctx)
	if err != nil {
		// Not every platform reports threads; memory is what callers act on.
		threads = 0
	}

	return Stats{RSS: mem.RSS, VMS: mem.VMS, NumThreads: threads}, nil
}
