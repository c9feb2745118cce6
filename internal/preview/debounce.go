package preview

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dunamismax/pixelfit/internal/pipeline"
)

const DefaultDebounce = 500 * time.Millisecond

// Debouncer coalesces bursts of configuration changes. Only the last
// Trigger within the delay runs, and deliver sees only the newest outcome.
type Debouncer struct {
	delay time.Duration
	sup   *Supervisor

	mu    sync.Mutex
	seq   uint64
	timer *time.Timer
}

func NewDebouncer(delay time.Duration, sup *Supervisor) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	if sup == nil {
		sup = &Supervisor{}
	}
	return &Debouncer{delay: delay, sup: sup}
}

// Trigger schedules fn, replacing anything still pending and abandoning
// the run in flight.
func (d *Debouncer) Trigger(ctx context.Context, fn Func, deliver func(pipeline.Result, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	seq := d.seq
	if d.timer != nil {
		d.timer.Stop()
	}
	d.sup.Cancel()

	d.timer = time.AfterFunc(d.delay, func() {
		res, err := d.sup.Submit(ctx, fn)
		if errors.Is(err, ErrSuperseded) || !d.latest(seq) {
			return
		}
		deliver(res, err)
	})
}

// Stop drops the pending trigger and cancels the running one.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.sup.Cancel()
}

func (d *Debouncer) latest(seq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq == seq
}
