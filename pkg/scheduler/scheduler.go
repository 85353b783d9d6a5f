package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/mender-agent/pkg/log"
	"github.com/cuemby/mender-agent/pkg/metrics"
	"github.com/rs/zerolog"
)

// ErrInactive is returned by Execute when called against a handle that has
// not been activated (or has since been deactivated).
var ErrInactive = errors.New("scheduler: work item is not active")

// ErrStillActive is returned by Delete when called against a handle that
// has not been deactivated first.
var ErrStillActive = errors.New("scheduler: work item must be deactivated before delete")

// Result is returned by a work item's Func to tell the scheduler whether to
// keep the item's periodic timer running or to retire it as a one-shot.
type Result int

const (
	// KeepScheduled leaves the item's periodic timer (if any) running.
	KeepScheduled Result = iota
	// Done stops the item's periodic timer; the item stays registered and
	// can be re-activated, but nothing fires until then.
	Done
)

// Func is a unit of work registered with the scheduler. It has no context
// parameter: per-call timeouts are the function's own responsibility, and
// Deactivate can only wait for a running Func to return, never interrupt it.
type Func func() (Result, error)

// status is the state of a work item, matching the Idle|Queued|Running
// lifecycle: a periodic tick or an Execute call moves Idle to Queued; the
// worker moves Queued to Running and back to Idle when the function
// returns. Ticks and Execute calls that arrive while the item is anything
// but Idle are dropped.
type status int32

const (
	statusIdle status = iota
	statusQueued
	statusRunning
)

// Item is a handle to a registered unit of work. The zero value is not
// usable; obtain one from Scheduler.Create.
type Item struct {
	name string
	fn   Func

	st       status32
	periodMu sync.Mutex
	period   time.Duration
	active   atomic.Bool

	stopTimer chan struct{}
	inFlight  sync.WaitGroup

	logger zerolog.Logger
}

type status32 = atomic.Int32

// Name returns the work item's registered name.
func (it *Item) Name() string { return it.name }

// Scheduler runs every registered Item's Func on a single worker goroutine,
// so no two items' bodies ever execute concurrently with each other (or with
// themselves). Each Item additionally owns a timer goroutine that enqueues
// it when its period elapses.
type Scheduler struct {
	logger zerolog.Logger

	queue chan *Item

	mu    sync.Mutex
	items map[string]*Item

	workerDone chan struct{}
}

// New creates a Scheduler and starts its worker goroutine. Call Shutdown to
// stop it.
func New() *Scheduler {
	s := &Scheduler{
		logger:     log.WithComponent("scheduler"),
		queue:      make(chan *Item, 16),
		items:      make(map[string]*Item),
		workerDone: make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *Scheduler) worker() {
	defer close(s.workerDone)
	for it := range s.queue {
		s.run(it)
	}
}

func (s *Scheduler) run(it *Item) {
	if !it.st.CompareAndSwap(int32(statusQueued), int32(statusRunning)) {
		// Not in the Queued state; only a Queued item is run.
		it.inFlight.Done()
		return
	}

	timer := metrics.NewTimer()
	result, err := it.fn()
	timer.ObserveDurationVec(metrics.WorkItemLatency, it.name)

	it.st.Store(int32(statusIdle))
	it.inFlight.Done()

	if err != nil {
		metrics.WorkItemExecutions.WithLabelValues(it.name, "error").Inc()
		it.logger.Error().Err(err).Str("work_item", it.name).Msg("work item execution failed")
		return
	}
	metrics.WorkItemExecutions.WithLabelValues(it.name, "ok").Inc()

	if result == Done {
		it.periodMu.Lock()
		it.period = 0
		it.periodMu.Unlock()
	}
}

// tryEnqueue attempts the Idle->Queued transition and, on success, sends the
// item to the worker queue, bumping inFlight so Deactivate can wait on it.
// It reports whether the item was queued.
func (s *Scheduler) tryEnqueue(it *Item) bool {
	if !it.st.CompareAndSwap(int32(statusIdle), int32(statusQueued)) {
		return false
	}
	it.inFlight.Add(1)
	s.queue <- it
	return true
}

// Create registers a new named work item with period (a time.Duration)
// between executions. A period of zero means the item only fires in response to
// Execute. The item starts inactive; call Activate to begin its timer.
func (s *Scheduler) Create(name string, period time.Duration, fn Func) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[name]; exists {
		return nil, fmt.Errorf("scheduler: work item %q already exists", name)
	}
	it := &Item{
		name:   name,
		fn:     fn,
		period: period,
		logger: s.logger,
	}
	s.items[name] = it
	return it, nil
}

// Activate starts (or restarts) an item's periodic timer. If period > 0, an
// immediate execution is scheduled in addition to the recurring ones.
func (s *Scheduler) Activate(it *Item) {
	if !it.active.CompareAndSwap(false, true) {
		return
	}
	it.stopTimer = make(chan struct{})
	go s.timerLoop(it, it.stopTimer)
}

func (s *Scheduler) timerLoop(it *Item, stop chan struct{}) {
	it.periodMu.Lock()
	period := it.period
	it.periodMu.Unlock()
	if period > 0 {
		if !s.tryEnqueue(it) {
			metrics.WorkItemDropped.WithLabelValues(it.name).Inc()
		}
	}

	for {
		it.periodMu.Lock()
		period = it.period
		it.periodMu.Unlock()
		if period <= 0 {
			// Deactivated its own period (Done) without a full
			// Deactivate; wait to be reactivated or stopped.
			select {
			case <-stop:
				return
			case <-time.After(time.Second):
				continue
			}
		}

		select {
		case <-stop:
			return
		case <-time.After(period):
			// A Done result during the wait retires the timer before
			// this tick fires.
			it.periodMu.Lock()
			period = it.period
			it.periodMu.Unlock()
			if period <= 0 {
				continue
			}
			if !s.tryEnqueue(it) {
				metrics.WorkItemDropped.WithLabelValues(it.name).Inc()
			}
		}
	}
}

// SetPeriod changes how often an active item fires on its next tick. It
// takes effect without requiring Deactivate/Activate.
func (s *Scheduler) SetPeriod(it *Item, period time.Duration) {
	it.periodMu.Lock()
	it.period = period
	it.periodMu.Unlock()
}

// Execute requests a one-shot, out-of-band firing of the item. It is
// silently ignored if the item is already queued or running. It returns
// ErrInactive if the item has not been activated.
func (s *Scheduler) Execute(it *Item) error {
	if !it.active.Load() {
		return ErrInactive
	}
	if !s.tryEnqueue(it) {
		metrics.WorkItemDropped.WithLabelValues(it.name).Inc()
	}
	return nil
}

// Deactivate stops an item's periodic timer and blocks until any
// in-flight (queued or running) execution has finished. On return the
// item's function is guaranteed not to be executing and will not fire
// again until Activate is called.
func (s *Scheduler) Deactivate(it *Item) {
	if !it.active.CompareAndSwap(true, false) {
		it.inFlight.Wait()
		return
	}
	close(it.stopTimer)
	it.inFlight.Wait()
}

// Delete unregisters an item. The item must already be deactivated.
func (s *Scheduler) Delete(it *Item) error {
	if it.active.Load() {
		return ErrStillActive
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, it.name)
	return nil
}

// Shutdown stops accepting new work and waits for the worker goroutine to
// drain whatever is already queued. Callers must Deactivate every item
// first; Shutdown does not stop item timer goroutines.
func (s *Scheduler) Shutdown() {
	close(s.queue)
	<-s.workerDone
}
