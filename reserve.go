package cyclic

import (
	"context"
	"slices"

	"github.com/joeycumines/go-microbatch"
)

// Reserver batches concurrent reservation requests, so that callers
// preparing to create entries at the same time cause a single growth per
// CPU. It is safe for concurrent use.
type Reserver struct {
	s       *Subsystem
	batcher *microbatch.Batcher[*reservation]
}

type reservation struct {
	err error
	cpu CPUID
	n   int
}

// NewReserver returns a Reserver for s. The config may be nil, see
// [microbatch.BatcherConfig] for the defaults. Close must be called when it
// is no longer needed.
func NewReserver(s *Subsystem, config *microbatch.BatcherConfig) *Reserver {
	r := &Reserver{s: s}
	r.batcher = microbatch.NewBatcher[*reservation](config, r.process)
	return r
}

// Reserve ensures that, together with every request batched alongside
// it, the CPU has room for n more entries.
func (x *Reserver) Reserve(ctx context.Context, cpu CPUID, n int) error {
	job := &reservation{cpu: cpu, n: n}
	res, err := x.batcher.Submit(ctx, job)
	if err != nil {
		return err
	}
	if err := res.Wait(ctx); err != nil {
		return err
	}
	return job.err
}

// Close stops the Reserver, waiting for pending batches.
func (x *Reserver) Close() error {
	return x.batcher.Close()
}

func (x *Reserver) process(ctx context.Context, jobs []*reservation) error {
	totals := make(map[CPUID]int)
	for _, job := range jobs {
		totals[job.cpu] += job.n
	}
	cpus := make([]CPUID, 0, len(totals))
	for cpu := range totals {
		cpus = append(cpus, cpu)
	}
	slices.Sort(cpus)
	errs := make(map[CPUID]error, len(cpus))
	for _, cpu := range cpus {
		if err := ctx.Err(); err != nil {
			return err
		}
		errs[cpu] = x.s.Reserve(cpu, totals[cpu])
	}
	for _, job := range jobs {
		job.err = errs[job.cpu]
	}
	return nil
}
