package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinoosan/workshopsync/internal/callback"
	"github.com/tinoosan/workshopsync/internal/data"
	"github.com/tinoosan/workshopsync/internal/native"
)

// Item is one piece of content named in a submission.
type Item struct {
	ID   uint64
	Name string
}

type Download interface {
	List(ctx context.Context, activeOnly bool) (data.DownloadBatches, error)
	Get(ctx context.Context, id string) (*data.DownloadBatch, error)
	Submit(ctx context.Context, op data.Operation, items []Item) (*data.DownloadBatch, error)
	Retry(ctx context.Context, id string) (*data.DownloadBatch, error)
	Remove(ctx context.Context, id string) error
	Dependencies(ctx context.Context, ids []uint64) (map[uint64][]uint64, error)
	Shutdown(ctx context.Context)
}

// Tracker is what the service needs from the download tracker.
type Tracker interface {
	CreateBatch(op data.Operation, ids []uint64, names map[uint64]string) string
	UpdateItemStatus(id uint64, status data.DownloadStatus, err error)
	GetBatch(id string) (*data.DownloadBatch, bool)
	GetAllBatches() data.DownloadBatches
	GetActiveBatches() data.DownloadBatches
	RemoveBatch(id string)
	MarkRetried(id string) (*data.DownloadBatch, error)
}

// Engine is what the service needs from the callback engine.
type Engine interface {
	Available() bool
	Busy() bool
	Subscribe(ctx context.Context, ids []uint64) error
	Unsubscribe(ctx context.Context, ids []uint64) error
	Resubscribe(ctx context.Context, ids []uint64) error
	QueryDependencies(ctx context.Context, ids []uint64) (map[uint64][]uint64, error)
}

type download struct {
	log     *slog.Logger
	tracker Tracker
	engine  Engine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDownload wires the tracker and the engine together. Submitted batches
// run on background goroutines until Shutdown.
func NewDownload(log *slog.Logger, tracker Tracker, engine Engine) Download {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &download{log: log, tracker: tracker, engine: engine, ctx: ctx, cancel: cancel}
}

var _ Download = (*download)(nil)

func (ds *download) List(ctx context.Context, activeOnly bool) (data.DownloadBatches, error) {
	if activeOnly {
		return ds.tracker.GetActiveBatches(), nil
	}
	return ds.tracker.GetAllBatches(), nil
}

func (ds *download) Get(ctx context.Context, id string) (*data.DownloadBatch, error) {
	b, ok := ds.tracker.GetBatch(id)
	if !ok {
		return nil, data.ErrNotFound
	}
	return b, nil
}

// Submit registers a batch and starts its engine operation in the
// background. The returned snapshot shows every item QUEUED.
func (ds *download) Submit(ctx context.Context, op data.Operation, items []Item) (*data.DownloadBatch, error) {
	if !op.Valid() {
		return nil, data.ErrBadOperation
	}
	if len(items) == 0 {
		return nil, data.ErrNoItems
	}
	ids := make([]uint64, 0, len(items))
	names := make(map[uint64]string, len(items))
	for _, it := range items {
		if it.ID == 0 {
			return nil, data.ErrInvalidID
		}
		ids = append(ids, it.ID)
		if _, ok := names[it.ID]; !ok {
			names[it.ID] = it.Name
		}
	}
	if err := ds.ready(); err != nil {
		return nil, err
	}
	return ds.start(op, ids, names)
}

// Retry resubmits the failed items of a finished batch under the same
// operation. A batch can only be retried once.
func (ds *download) Retry(ctx context.Context, id string) (*data.DownloadBatch, error) {
	if err := ds.ready(); err != nil {
		return nil, err
	}
	b, err := ds.tracker.MarkRetried(id)
	if err != nil {
		return nil, err
	}
	failed := b.FailedItems()
	ids := make([]uint64, 0, len(failed))
	names := make(map[uint64]string, len(failed))
	for _, it := range failed {
		ids = append(ids, it.ID)
		names[it.ID] = it.Name
	}
	ds.log.Info("retrying batch", "batch_id", id, "items", len(ids))
	return ds.start(b.Operation, ids, names)
}

func (ds *download) Remove(ctx context.Context, id string) error {
	if _, ok := ds.tracker.GetBatch(id); !ok {
		return data.ErrNotFound
	}
	ds.tracker.RemoveBatch(id)
	return nil
}

// Dependencies runs a dependency query on the caller's goroutine.
func (ds *download) Dependencies(ctx context.Context, ids []uint64) (map[uint64][]uint64, error) {
	if len(ids) == 0 {
		return nil, data.ErrNoItems
	}
	for _, id := range ids {
		if id == 0 {
			return nil, data.ErrInvalidID
		}
	}
	return ds.engine.QueryDependencies(ctx, ids)
}

// Shutdown waits for running operations. If ctx ends first they are
// cancelled, and Shutdown still waits for them to return.
func (ds *download) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		ds.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		ds.log.Warn("cancelling running operations", "err", ctx.Err())
		ds.cancel()
		<-done
	}
	ds.cancel()
}

// ready refuses new work the engine could not run. A batch accepted while
// the native client is down would never leave QUEUED.
func (ds *download) ready() error {
	if !ds.engine.Available() {
		return native.ErrUnavailable
	}
	if ds.engine.Busy() {
		return callback.ErrBusy
	}
	return nil
}

func (ds *download) start(op data.Operation, ids []uint64, names map[uint64]string) (*data.DownloadBatch, error) {
	bid := ds.tracker.CreateBatch(op, ids, names)
	b, ok := ds.tracker.GetBatch(bid)
	if !ok {
		return nil, fmt.Errorf("batch %s vanished after create", bid)
	}
	ds.wg.Add(1)
	go func() {
		defer ds.wg.Done()
		ds.run(op, bid, ids)
	}()
	return b, nil
}

func (ds *download) run(op data.Operation, bid string, ids []uint64) {
	// the client dropped out after Submit checked it
	if !ds.engine.Available() {
		ds.log.Warn("native client unavailable, cancelling batch", "batch_id", bid, "operation", op)
		for _, id := range ids {
			ds.tracker.UpdateItemStatus(id, data.StatusCancelled, native.ErrUnavailable)
		}
		return
	}
	var err error
	switch op {
	case data.OpSubscribe:
		err = ds.engine.Subscribe(ds.ctx, ids)
	case data.OpUnsubscribe:
		err = ds.engine.Unsubscribe(ds.ctx, ids)
	case data.OpResubscribe:
		err = ds.engine.Resubscribe(ds.ctx, ids)
	}
	if err == nil {
		return
	}
	// lost the race for the engine after the busy pre-check
	if errors.Is(err, callback.ErrBusy) {
		ds.log.Warn("engine busy, failing batch", "batch_id", bid, "operation", op)
	} else {
		ds.log.Error("batch operation failed", "batch_id", bid, "operation", op, "err", err)
	}
	for _, id := range ids {
		ds.tracker.UpdateItemStatus(id, data.StatusFailed, err)
	}
}
