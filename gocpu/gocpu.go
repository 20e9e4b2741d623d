// Package gocpu is a cyclic.Backend that runs each CPU as a goroutine.
//
// Every configured CPU gets a goroutine locked to its own OS thread, and
// optionally pinned to a host CPU (see WithAffinity). The goroutine is the
// CPU's only execution context: it delivers clock interrupts from a
// time.Timer, runs cross-calls received on its mailbox, and then delivers
// any pending soft interrupts, highest level first. The clock is the
// monotonic time elapsed since New.
package gocpu

import (
	"context"
	"errors"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-cyclic"
	"github.com/joeycumines/go-longpoll"
)

var (
	ErrCPUExists = errors.New("gocpu: cpu already configured")
	ErrClosed    = errors.New("gocpu: backend closed")
)

// Backend implements cyclic.Backend. It must be created with New.
type Backend struct {
	anchor time.Time
	opts   *backendOptions

	mu     sync.RWMutex
	procs  map[cyclic.CPUID]*proc
	gids   map[uint64]*proc
	closed bool
}

var _ cyclic.Backend = (*Backend)(nil)

// New returns a Backend with no CPUs. CPUs are started by Configure, which
// is normally called by cyclic.Subsystem.AttachCPU.
func New(opts ...Option) (*Backend, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Backend{
		anchor: time.Now(),
		opts:   cfg,
		procs:  make(map[cyclic.CPUID]*proc),
		gids:   make(map[uint64]*proc),
	}, nil
}

// proc is one CPU goroutine.
type proc struct {
	b       *Backend
	d       cyclic.Dispatcher
	ctx     context.Context
	cancel  context.CancelFunc
	timer   *time.Timer
	calls   chan *call
	wake    chan struct{}
	done    chan struct{}
	drain   *longpoll.ChannelConfig
	timerMu sync.Mutex
	soft    atomic.Uint32
	id      cyclic.CPUID
}

type call struct {
	fn   func()
	done chan struct{}
}

func (c *call) run() {
	defer close(c.done)
	c.fn()
}

// Now implements cyclic.Backend.
func (b *Backend) Now() cyclic.HRTime {
	return cyclic.HRTime(time.Since(b.anchor))
}

// CurrentCPU implements cyclic.Backend.
func (b *Backend) CurrentCPU() cyclic.CPUID {
	if p := b.self(); p != nil {
		return p.id
	}
	return cyclic.NoCPU
}

// self returns the proc whose goroutine is calling, if any.
func (b *Backend) self() *proc {
	b.mu.RLock()
	n := len(b.gids)
	b.mu.RUnlock()
	if n == 0 {
		return nil
	}
	gid := getGoroutineID()
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.gids[gid]
}

func (b *Backend) proc(id cyclic.CPUID) *proc {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.procs[id]
}

// Configure implements cyclic.Backend, starting the CPU's goroutine.
func (b *Backend) Configure(id cyclic.CPUID, d cyclic.Dispatcher) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.procs[id] != nil {
		return ErrCPUExists
	}
	p := &proc{
		b:     b,
		d:     d,
		timer: time.NewTimer(time.Hour),
		calls: make(chan *call, b.opts.mailboxSize),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		id:    id,
	}
	p.timer.Stop()
	if n := b.opts.mailboxBatch - 1; n > 0 {
		p.drain = &longpoll.ChannelConfig{MaxSize: n, MinSize: -1, PartialTimeout: -1}
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	ready := make(chan uint64)
	go p.run(ready)
	gid := <-ready
	b.procs[id] = p
	b.gids[gid] = p
	return nil
}

// Unconfigure implements cyclic.Backend, stopping the CPU's goroutine.
func (b *Backend) Unconfigure(id cyclic.CPUID) {
	self := b.self()
	b.mu.Lock()
	p := b.procs[id]
	if p == nil {
		b.mu.Unlock()
		return
	}
	delete(b.procs, id)
	for gid, v := range b.gids {
		if v == p {
			delete(b.gids, gid)
		}
	}
	b.mu.Unlock()
	p.stop(self != p)
}

// Close stops every CPU goroutine.
func (b *Backend) Close() error {
	self := b.self()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.closed = true
	procs := b.procs
	b.procs = make(map[cyclic.CPUID]*proc)
	clear(b.gids)
	b.mu.Unlock()
	for _, p := range procs {
		p.stop(self != p)
	}
	return nil
}

// stop ends p's goroutine, optionally waiting for it to exit.
func (p *proc) stop(wait bool) {
	p.cancel()
	p.timerMu.Lock()
	p.timer.Stop()
	p.timerMu.Unlock()
	if wait {
		<-p.done
	}
}

// Reprogram implements cyclic.Backend.
func (b *Backend) Reprogram(id cyclic.CPUID, deadline cyclic.HRTime) {
	p := b.proc(id)
	if p == nil {
		return
	}
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if deadline == cyclic.Infinity {
		p.timer.Stop()
		return
	}
	p.timer.Reset(max(deadline.Sub(b.Now()), 0))
}

// TriggerSoft implements cyclic.Backend.
func (b *Backend) TriggerSoft(id cyclic.CPUID, level cyclic.Level) {
	p := b.proc(id)
	if p == nil {
		return
	}
	p.soft.Or(1 << level)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// ClearSoft implements cyclic.Backend.
func (b *Backend) ClearSoft(id cyclic.CPUID, level cyclic.Level) {
	if p := b.proc(id); p != nil {
		p.soft.And(^uint32(1 << level))
	}
}

// CrossCall implements cyclic.Backend. A caller that is itself a CPU
// goroutine keeps running its own mailbox while it waits, so two CPUs
// cross-calling each other cannot deadlock. A cross-call to a CPU that is
// not configured, or stops before running fn, panics.
func (b *Backend) CrossCall(id cyclic.CPUID, fn func()) {
	p := b.proc(id)
	if p == nil {
		panic(`gocpu: cross-call to unconfigured cpu ` + id.String())
	}
	self := b.self()
	if self == p {
		fn()
		return
	}
	c := &call{fn: fn, done: make(chan struct{})}
	var inbox <-chan *call
	if self != nil {
		inbox = self.calls
	}
	send := p.calls
	for {
		select {
		case send <- c:
			send = nil
		case in := <-inbox:
			in.run()
		case <-c.done:
			return
		case <-p.done:
			select {
			case <-c.done:
				return
			default:
			}
			panic(`gocpu: cpu ` + id.String() + ` stopped during cross-call`)
		}
	}
}

func (p *proc) run(ready chan<- uint64) {
	defer close(p.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if fn := p.b.opts.hostCPU; fn != nil {
		host := fn(int(p.id))
		if err := pinThread(host); err != nil {
			p.b.opts.logger.Warning().
				Int(`cpu`, int(p.id)).
				Int(`host_cpu`, host).
				Err(err).
				Log(`gocpu: failed to set thread affinity`)
		}
	}

	ready <- getGoroutineID()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.timer.C:
			p.d.Fire()
		case c := <-p.calls:
			c.run()
			if p.drain != nil {
				_ = longpoll.Channel(p.ctx, p.drain, p.calls, func(c *call) error {
					c.run()
					return nil
				})
			}
		case <-p.wake:
		}
		p.serviceSoft()
	}
}

// serviceSoft delivers pending soft interrupts, highest level first.
func (p *proc) serviceSoft() {
	for {
		m := p.soft.Load()
		if m == 0 {
			return
		}
		lvl := cyclic.Level(bits.Len32(m) - 1)
		p.soft.And(^uint32(1 << lvl))
		p.d.SoftInterrupt(lvl)
	}
}
