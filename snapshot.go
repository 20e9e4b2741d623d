package cyclic

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
)

// CPUSnapshot is a point-in-time copy of one CPU's dispatch state.
type CPUSnapshot struct {
	// Heap lists the scheduled entries in heap order; Heap[0] is the root.
	Heap []EntryInfo

	// Soft lists, per soft level, the entries queued for execution, oldest
	// first. The LevelHigh element is always empty.
	Soft [NumLevels][]Handle

	CPU       CPUID
	Partition int
	State     CPUState
	Capacity  int
	Used      int
	Armed     HRTime
}

// Snapshot copies a CPU's heap and soft buffers.
func (s *Subsystem) Snapshot(id CPUID) (CPUSnapshot, error) {
	if err := s.lock(); err != nil {
		return CPUSnapshot{}, err
	}
	defer s.mu.Unlock()
	c, err := s.cpu(id)
	if err != nil {
		return CPUSnapshot{}, err
	}
	snap := &CPUSnapshot{}
	_ = s.run(c, &xcall{op: xcallSnapshot, snap: snap})
	return *snap, nil
}

func (c *cpu) snapshot(out *CPUSnapshot) {
	h := &c.heap
	*out = CPUSnapshot{
		Heap:      make([]EntryInfo, 0, h.size()),
		CPU:       c.id,
		Partition: c.partition,
		State:     c.state.Load(),
		Capacity:  h.capacity(),
		Used:      h.used(),
		Armed:     c.armed,
	}
	for _, i := range h.heap {
		out.Heap = append(out.Heap, h.slots[i].info(c.id))
	}
	for lvl, r := range c.soft {
		r.Each(func(i int32) {
			out.Soft[lvl] = append(out.Soft[lvl], h.slots[i].handle)
		})
	}
}

// Sorted returns the heap entries in firing order.
func (x CPUSnapshot) Sorted() []EntryInfo {
	out := slices.Clone(x.Heap)
	slices.SortFunc(out, func(a, b EntryInfo) int {
		if c := cmp.Compare(a.Expiration, b.Expiration); c != 0 {
			return c
		}
		return cmp.Compare(a.Handle, b.Handle)
	})
	return out
}

// WriteTo writes a table of the snapshot, in firing order, to w.
func (x CPUSnapshot) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "cpu %d\tpartition %d\t%s\tarmed %s\tused %d/%d\n", x.CPU, x.Partition, x.State, x.Armed, x.Used, x.Capacity)
	fmt.Fprintf(tw, "HANDLE\tEXPIRE\tINTERVAL\tLEVEL\tPEND\tFLAGS\n")
	for _, e := range x.Sorted() {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", e.Handle, e.Expiration, e.Interval, e.Level, e.Pending, e.Flags)
	}
	for lvl, hs := range x.Soft {
		if len(hs) != 0 {
			fmt.Fprintf(tw, "soft %s\t%v\n", Level(lvl), hs)
		}
	}
	err := tw.Flush()
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (x *countingWriter) Write(p []byte) (int, error) {
	n, err := x.w.Write(p)
	x.n += int64(n)
	return n, err
}
