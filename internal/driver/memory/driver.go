// Package memory is an in-process pipeline driver. It records dispatches and, when
// simulation is enabled, reports every dispatched stage as running and then successful
// after a fixed delay.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/chudopalovba/diplom/internal/domain"
	"github.com/chudopalovba/diplom/internal/driver"
)

// Options configures a Driver.
type Options struct {
	Simulate  bool
	StepDelay time.Duration
	Now       func() time.Time
}

// Driver implements driver.Driver and driver.Poller without a real runner.
type Driver struct {
	mu          sync.Mutex
	opts        Options
	dispatched  []driver.DispatchRequest
	canceled    []string
	pending     map[string][]queuedEvent
	failures    map[domain.StageName]string
	dispatchErr error
}

type queuedEvent struct {
	due   time.Time
	event driver.ProgressEvent
}

var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Poller = (*Driver)(nil)
)

// New constructs a Driver.
func New(opts Options) *Driver {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Driver{
		opts:     opts,
		pending:  make(map[string][]queuedEvent),
		failures: make(map[domain.StageName]string),
	}
}

// Name identifies the driver in logs.
func (d *Driver) Name() string { return "memory" }

// Dispatch records the request and queues simulated progress.
func (d *Driver) Dispatch(ctx context.Context, req driver.DispatchRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dispatchErr != nil {
		return d.dispatchErr
	}
	d.dispatched = append(d.dispatched, req)
	if !d.opts.Simulate {
		return nil
	}
	now := d.opts.Now()
	final := driver.ProgressEvent{RunID: req.RunID, Stage: req.Stage, Status: domain.StatusSuccess, Timestamp: now.Add(d.opts.StepDelay)}
	if reason, ok := d.failures[req.Stage]; ok {
		final.Status = domain.StatusFailed
		final.Message = reason
	}
	d.pending[req.RunID] = append(d.pending[req.RunID],
		queuedEvent{due: now, event: driver.ProgressEvent{RunID: req.RunID, Stage: req.Stage, Status: domain.StatusRunning, Timestamp: now}},
		queuedEvent{due: final.Timestamp, event: final},
	)
	return nil
}

// Cancel drops queued progress for the run.
func (d *Driver) Cancel(ctx context.Context, runID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.canceled = append(d.canceled, runID)
	delete(d.pending, runID)
	return nil
}

// Poll returns queued events that are due, oldest first.
func (d *Driver) Poll(ctx context.Context, runID string) ([]driver.ProgressEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.opts.Now()
	queue := d.pending[runID]
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].due.Before(queue[j].due) })
	var (
		due  []driver.ProgressEvent
		keep []queuedEvent
	)
	for _, q := range queue {
		if q.due.After(now) {
			keep = append(keep, q)
			continue
		}
		due = append(due, q.event)
	}
	if len(keep) == 0 {
		delete(d.pending, runID)
	} else {
		d.pending[runID] = keep
	}
	return due, nil
}

// FailStage makes simulated runs report stage as failed with reason.
func (d *Driver) FailStage(stage domain.StageName, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[stage] = reason
}

// SetUnavailable makes subsequent dispatches fail with err; nil restores the driver.
func (d *Driver) SetUnavailable(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatchErr = err
}

// Dispatched returns a copy of all accepted dispatch requests.
func (d *Driver) Dispatched() []driver.DispatchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]driver.DispatchRequest(nil), d.dispatched...)
}

// Canceled returns the run ids passed to Cancel.
func (d *Driver) Canceled() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.canceled...)
}

// ErrRunnerDown is a convenience error for SetUnavailable.
var ErrRunnerDown = errors.New("memory runner unavailable")
