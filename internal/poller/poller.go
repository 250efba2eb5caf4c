package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/tinoosan/workshopsync/internal/data"
	"github.com/tinoosan/workshopsync/internal/metrics"
	"github.com/tinoosan/workshopsync/internal/native"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultStopTimeout = 5 * time.Second

	// InstallCheckRatio is the downloaded/total ratio above which an item in
	// transfer is also asked whether it is already installed.
	InstallCheckRatio = 0.90
)

// Tracker is the part of the download tracker the poller reads and updates.
type Tracker interface {
	GetActiveBatches() data.DownloadBatches
	UpdateItemStatus(id uint64, status data.DownloadStatus, err error)
	UpdateItemProgress(id uint64, downloaded, total uint64)
}

type Options struct {
	Interval    time.Duration
	StopTimeout time.Duration
}

// Poller periodically asks the native client how far every active item got
// and feeds the answers into the tracker.
type Poller struct {
	client  native.Client
	tracker Tracker
	log     *slog.Logger
	opts    Options

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(log *slog.Logger, client native.Client, tracker Tracker, opts Options) *Poller {
	if log == nil {
		log = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	return &Poller{client: client, tracker: tracker, log: log, opts: opts}
}

// Start launches the polling goroutine. Calling Start while it runs is a
// no-op, and so is calling it while a stopped loop is still winding down.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	if p.done != nil {
		select {
		case <-p.done:
		default:
			p.log.Warn("previous poll loop still running, not starting another")
			return
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	lg := p.log.With("operation_id", uuid.NewString())
	go p.loop(ctx, lg, p.done)
	lg.Info("poller started", "interval", p.opts.Interval)
}

// Stop cancels the polling goroutine and waits up to StopTimeout for it to
// exit. Stopping a stopped poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
		p.log.Info("poller stopped")
	case <-time.After(p.opts.StopTimeout):
		p.log.Warn("poller did not stop in time", "timeout", p.opts.StopTimeout)
	}
}

// Running reports whether a polling goroutine is alive, including one that
// was stopped but has not exited yet.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return true
	}
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Poller) loop(ctx context.Context, lg *slog.Logger, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx, lg)
		}
	}
}

// PollOnce runs a single polling pass over every active batch.
func (p *Poller) PollOnce(ctx context.Context) {
	p.pollOnce(ctx, p.log)
}

func (p *Poller) pollOnce(ctx context.Context, lg *slog.Logger) {
	if ctx.Err() != nil {
		return
	}
	if !p.client.Available() {
		lg.Debug("native client unavailable, skipping poll")
		return
	}
	for _, b := range p.tracker.GetActiveBatches() {
		// unsubscribe items are resolved by the engine callbacks
		if b.Operation == data.OpUnsubscribe {
			continue
		}
		for _, it := range b.Items {
			if !it.IsActive() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if err := p.pollItem(ctx, lg, b.Operation, it); err != nil {
				metrics.PollErrors.Inc()
				lg.Warn("poll item failed", "id", it.ID, "batch_id", b.ID, "status", it.Status,
					"downloaded", humanize.Bytes(it.BytesDownloaded), "total", humanize.Bytes(it.BytesTotal), "err", err)
			}
		}
	}
}

func (p *Poller) pollItem(ctx context.Context, lg *slog.Logger, op data.Operation, it *data.DownloadItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while polling: %v", r)
		}
	}()

	switch it.Status {
	case data.StatusQueued:
		// the installed copy of a queued resubscribe is about to be removed
		if op == data.OpResubscribe {
			return nil
		}
		done, err := p.completeIfInstalled(ctx, it.ID)
		if err != nil || done {
			return err
		}
		_, err = p.progress(ctx, it.ID)
		return err
	case data.StatusUnsubscribing:
		lg.Debug("waiting for unsubscribe", "id", it.ID)
		return nil
	case data.StatusSubscribing, data.StatusDownloading:
		ratio, err := p.progress(ctx, it.ID)
		if err != nil {
			return err
		}
		if ratio > InstallCheckRatio {
			_, err = p.completeIfInstalled(ctx, it.ID)
		}
		return err
	case data.StatusInstalling:
		_, err := p.completeIfInstalled(ctx, it.ID)
		return err
	}
	return nil
}

func (p *Poller) progress(ctx context.Context, id uint64) (float64, error) {
	info, err := p.client.DownloadInfo(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("download info: %w", err)
	}
	p.tracker.UpdateItemProgress(id, info.Downloaded, info.Total)
	return info.Ratio(), nil
}

func (p *Poller) completeIfInstalled(ctx context.Context, id uint64) (bool, error) {
	info, err := p.client.InstallInfo(ctx, id)
	if err != nil {
		return false, fmt.Errorf("install info: %w", err)
	}
	if !info.Installed {
		return false, nil
	}
	p.log.Debug("item installed", "id", id, "size_on_disk", humanize.Bytes(info.SizeOnDisk), "folder", info.Folder)
	p.tracker.UpdateItemStatus(id, data.StatusCompleted, nil)
	return true, nil
}
