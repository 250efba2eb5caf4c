// Package callback drives asynchronous native calls one operation at a time
// and waits for their callbacks.
package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinoosan/workshopsync/internal/data"
	"github.com/tinoosan/workshopsync/internal/metrics"
	"github.com/tinoosan/workshopsync/internal/native"
)

// ErrBusy is returned when an operation is requested while another one is
// still in flight.
var ErrBusy = errors.New("callback engine busy")

// Kind names an engine operation.
type Kind string

const (
	KindSubscribe    Kind = "subscribe"
	KindUnsubscribe  Kind = "unsubscribe"
	KindResubscribe  Kind = "resubscribe"
	KindDependencies Kind = "dependencies"
)

const (
	DefaultPumpInterval     = 50 * time.Millisecond
	DefaultCallDelay        = 100 * time.Millisecond
	DefaultOperationTimeout = 60 * time.Second
	DefaultTimeout          = 10 * time.Second
)

// Options tunes the engine. Zero values fall back to the defaults above.
type Options struct {
	// PumpInterval is how often the pump goroutine drains native callbacks.
	PumpInterval time.Duration
	// CallDelay separates the calls of a resubscribe so the native IPC
	// channel is not flooded.
	CallDelay time.Duration
	// OperationTimeout bounds subscribe, unsubscribe, resubscribe and
	// dependency queries.
	OperationTimeout time.Duration
	// DefaultTimeout bounds any other kind.
	DefaultTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PumpInterval <= 0 {
		o.PumpInterval = DefaultPumpInterval
	}
	if o.CallDelay < 0 {
		o.CallDelay = 0
	} else if o.CallDelay == 0 {
		o.CallDelay = DefaultCallDelay
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = DefaultTimeout
	}
	return o
}

// Tracker is the part of the download tracker the engine reports into.
type Tracker interface {
	UpdateItemStatus(id uint64, status data.DownloadStatus, err error)
	GetItem(id uint64) (*data.DownloadItem, bool)
}

// Engine issues native async calls and pumps their callbacks on a dedicated
// goroutine until every expected callback arrived or the operation timed
// out. Only one operation runs at a time.
type Engine struct {
	client  native.Client
	tracker Tracker
	log     *slog.Logger
	opts    Options

	mu sync.Mutex
	op *operation
}

// operation holds the state of one begin/finish cycle. Forwarders close over
// it, so a callback that arrives after its operation timed out cannot count
// towards the next one.
type operation struct {
	kind     Kind
	expected int64
	observed atomic.Int64
	log      *slog.Logger

	done     chan struct{}
	doneOnce sync.Once
	pumpDone chan struct{}

	depsMu sync.Mutex
	deps   map[uint64][]uint64
}

func (op *operation) terminate() { op.doneOnce.Do(func() { close(op.done) }) }

// New creates an idle Engine.
func New(log *slog.Logger, client native.Client, tracker Tracker, opts Options) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{client: client, tracker: tracker, log: log, opts: opts.withDefaults()}
}

// Available reports whether the native client can take calls right now.
func (e *Engine) Available() bool { return e.client.Available() }

// Busy reports whether an operation is in flight.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.op != nil
}

// Subscribe subscribes to every id and waits for the native acknowledgements.
// Transfer progress after the acknowledgement is the poller's business.
func (e *Engine) Subscribe(ctx context.Context, ids []uint64) error {
	_, err := e.run(ctx, KindSubscribe, ids, 1, func(ctx context.Context, op *operation, id uint64) {
		e.tracker.UpdateItemStatus(id, data.StatusSubscribing, nil)
		if err := e.client.Subscribe(ctx, id, e.subscribeForwarder(op)); err != nil {
			e.issueFailed(op, id, "subscribe", err)
		}
	})
	return err
}

// Unsubscribe unsubscribes every id. An acknowledged unsubscribe completes
// the item.
func (e *Engine) Unsubscribe(ctx context.Context, ids []uint64) error {
	_, err := e.run(ctx, KindUnsubscribe, ids, 1, func(ctx context.Context, op *operation, id uint64) {
		if err := e.client.Unsubscribe(ctx, id, e.unsubscribeForwarder(op)); err != nil {
			e.issueFailed(op, id, "unsubscribe", err)
		}
	})
	return err
}

// Resubscribe unsubscribes and then subscribes again to every id, pausing
// between calls.
func (e *Engine) Resubscribe(ctx context.Context, ids []uint64) error {
	_, err := e.run(ctx, KindResubscribe, ids, 2, func(ctx context.Context, op *operation, id uint64) {
		e.tracker.UpdateItemStatus(id, data.StatusUnsubscribing, nil)
		if err := e.client.Unsubscribe(ctx, id, e.resubscribeUnsubscribeForwarder(op)); err != nil {
			// the subscribe half is never issued, count it as settled too
			e.issueFailed(op, id, "unsubscribe", err)
			e.observe(op)
			return
		}
		if !e.sleep(ctx, e.opts.CallDelay) {
			// unsubscribed but never subscribed again
			e.cancelPending(op, []uint64{id}, ctx.Err())
			return
		}
		if err := e.client.Subscribe(ctx, id, e.subscribeForwarder(op)); err != nil {
			e.issueFailed(op, id, "subscribe", err)
		}
	})
	return err
}

// QueryDependencies asks for the children of every id. The returned map only
// holds the ids whose callback arrived successfully before the timeout.
func (e *Engine) QueryDependencies(ctx context.Context, ids []uint64) (map[uint64][]uint64, error) {
	return e.run(ctx, KindDependencies, ids, 1, func(ctx context.Context, op *operation, id uint64) {
		if err := e.client.QueryDependencies(ctx, id, e.dependencyForwarder(op)); err != nil {
			op.log.Warn("dependency query not issued", "id", id, "err", err)
			e.observe(op)
		}
	})
}

func (e *Engine) run(ctx context.Context, kind Kind, ids []uint64, perID int, issue func(context.Context, *operation, uint64)) (map[uint64][]uint64, error) {
	if !e.client.Available() {
		e.log.Warn("native client unavailable, skipping operation", "kind", kind, "items", len(ids))
		return map[uint64][]uint64{}, nil
	}
	ids = dedupe(ids)

	op, err := e.begin(kind, int64(len(ids)*perID))
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		if ctx.Err() != nil {
			e.cancelPending(op, ids[i:], ctx.Err())
			break
		}
		issue(ctx, op, id)
		if perID > 1 && i < len(ids)-1 && !e.sleep(ctx, e.opts.CallDelay) {
			e.cancelPending(op, ids[i+1:], ctx.Err())
			break
		}
	}
	return e.finish(ctx, op), nil
}

// begin marks the engine active and starts the pump goroutine.
func (e *Engine) begin(kind Kind, expected int64) (*operation, error) {
	e.mu.Lock()
	if e.op != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", kind, ErrBusy)
	}
	op := &operation{
		kind:     kind,
		expected: expected,
		log:      e.log.With("operation_id", uuid.NewString(), "kind", kind),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
		deps:     make(map[uint64][]uint64),
	}
	e.op = op
	e.mu.Unlock()

	op.log.Info("operation started", "expected_callbacks", expected)
	if expected == 0 {
		op.terminate()
	}
	go e.pump(op)
	return op, nil
}

// finish blocks until every expected callback was seen, the timeout for the
// kind elapsed, or ctx is done. It always joins the pump goroutine and
// returns the engine to idle.
func (e *Engine) finish(ctx context.Context, op *operation) map[uint64][]uint64 {
	timeout := e.timeoutFor(op.kind)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-op.done:
	case <-timer.C:
		metrics.CallbackTimeouts.WithLabelValues(string(op.kind)).Inc()
		op.log.Warn("timed out waiting for callbacks", "timeout", timeout,
			"observed", op.observed.Load(), "expected", op.expected)
		op.terminate()
	case <-ctx.Done():
		op.log.Warn("operation cancelled while waiting for callbacks",
			"observed", op.observed.Load(), "expected", op.expected, "err", ctx.Err())
		op.terminate()
	}
	<-op.pumpDone

	op.depsMu.Lock()
	deps := make(map[uint64][]uint64, len(op.deps))
	for id, children := range op.deps {
		deps[id] = append([]uint64(nil), children...)
	}
	op.depsMu.Unlock()

	e.mu.Lock()
	e.op = nil
	e.mu.Unlock()
	op.log.Info("operation finished", "observed", op.observed.Load(), "expected", op.expected)
	return deps
}

func (e *Engine) pump(op *operation) {
	defer close(op.pumpDone)
	ticker := time.NewTicker(e.opts.PumpInterval)
	defer ticker.Stop()
	for {
		e.client.RunCallbacks()
		select {
		case <-op.done:
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) observe(op *operation) {
	metrics.CallbacksObserved.WithLabelValues(string(op.kind)).Inc()
	if op.observed.Add(1) >= op.expected {
		op.terminate()
	}
}

func (e *Engine) timeoutFor(kind Kind) time.Duration {
	switch kind {
	case KindSubscribe, KindUnsubscribe, KindResubscribe, KindDependencies:
		return e.opts.OperationTimeout
	default:
		return e.opts.DefaultTimeout
	}
}

func (e *Engine) issueFailed(op *operation, id uint64, call string, err error) {
	op.log.Warn("native call not issued", "id", id, "call", call, "err", err)
	e.tracker.UpdateItemStatus(id, data.StatusFailed, fmt.Errorf("%s: %w", call, err))
	e.observe(op)
}

// cancelPending marks items whose calls were cut short by cancellation
// CANCELLED. Items that already settled keep their status.
func (e *Engine) cancelPending(op *operation, ids []uint64, cause error) {
	if len(ids) == 0 {
		return
	}
	op.log.Warn("operation cancelled before all calls were issued", "pending", len(ids), "err", cause)
	for _, id := range ids {
		it, ok := e.tracker.GetItem(id)
		if !ok || it.IsComplete() {
			continue
		}
		e.tracker.UpdateItemStatus(id, data.StatusCancelled, fmt.Errorf("%s cancelled: %w", op.kind, cause))
	}
}

func (e *Engine) subscribeForwarder(op *operation) func(native.ItemResult) {
	return func(res native.ItemResult) {
		if !res.Code.OK() {
			e.tracker.UpdateItemStatus(res.ID, data.StatusFailed, fmt.Errorf("subscribe failed: %s", res.Code))
		} else {
			op.log.Debug("subscribe acknowledged", "id", res.ID)
		}
		e.observe(op)
	}
}

func (e *Engine) unsubscribeForwarder(op *operation) func(native.ItemResult) {
	return func(res native.ItemResult) {
		if res.Code.OK() {
			e.tracker.UpdateItemStatus(res.ID, data.StatusCompleted, nil)
		} else {
			e.tracker.UpdateItemStatus(res.ID, data.StatusFailed, fmt.Errorf("unsubscribe failed: %s", res.Code))
		}
		e.observe(op)
	}
}

func (e *Engine) resubscribeUnsubscribeForwarder(op *operation) func(native.ItemResult) {
	return func(res native.ItemResult) {
		switch {
		case !res.Code.OK():
			e.tracker.UpdateItemStatus(res.ID, data.StatusFailed, fmt.Errorf("unsubscribe failed: %s", res.Code))
		default:
			if it, ok := e.tracker.GetItem(res.ID); ok && it.Status == data.StatusUnsubscribing {
				e.tracker.UpdateItemStatus(res.ID, data.StatusSubscribing, nil)
			}
		}
		e.observe(op)
	}
}

func (e *Engine) dependencyForwarder(op *operation) func(native.DependencyResult) {
	return func(res native.DependencyResult) {
		if res.Code.OK() {
			op.depsMu.Lock()
			op.deps[res.ID] = append([]uint64(nil), res.Children...)
			op.depsMu.Unlock()
		} else {
			op.log.Warn("dependency query failed", "id", res.ID, "result", res.Code)
		}
		e.observe(op)
	}
}

// sleep waits for d or until ctx is done, reporting whether d elapsed.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func dedupe(ids []uint64) []uint64 {
	seen := make(map[uint64]bool, len(ids))
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
