package tracker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/tinoosan/workshopsync/internal/data"
	"github.com/tinoosan/workshopsync/internal/metrics"
)

// InstallThreshold is the downloaded/total ratio at which a DOWNLOADING item
// is considered to be installing. The native client has no event for "bytes
// done, install started", so this ratio stands in for it; display code keys
// off the INSTALLING status it produces.
const InstallThreshold = 0.99

type entry struct {
	batch    *data.DownloadBatch
	seq      uint64
	complete bool
}

// Tracker is the registry of download batches. It is the only component that
// mutates download state and the only one that publishes events about it.
// Every accessor hands out deep copies.
type Tracker struct {
	log *slog.Logger
	pub Publisher
	now func() time.Time

	// mu guards batches, index, seq and active together so a reader never
	// sees the index disagree with the batch map.
	mu      sync.Mutex
	batches map[string]*entry
	index   map[uint64]string
	seq     uint64
	active  int
}

// New creates an empty Tracker. A nil publisher discards events.
func New(log *slog.Logger, pub Publisher) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	if pub == nil {
		pub = PublisherFunc(func(Event) {})
	}
	return &Tracker{
		log:     log,
		pub:     pub,
		now:     time.Now,
		batches: make(map[string]*entry),
		index:   make(map[uint64]string),
	}
}

// CreateBatch registers one QUEUED item per id and returns the new batch id.
// Repeated ids collapse into the first occurrence. A batch created without
// ids is complete from the start.
func (t *Tracker) CreateBatch(op data.Operation, ids []uint64, names map[uint64]string) string {
	now := t.now()
	b := &data.DownloadBatch{
		ID:        uuid.NewString(),
		Operation: op,
		CreatedAt: now,
		Items:     make([]*data.DownloadItem, 0, len(ids)),
	}
	seen := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		b.Items = append(b.Items, data.NewDownloadItem(id, names[id], op, now))
	}

	t.mu.Lock()
	t.seq++
	t.batches[b.ID] = &entry{batch: b, seq: t.seq, complete: b.IsComplete()}
	for _, it := range b.Items {
		t.index[it.ID] = b.ID
	}
	t.active += len(b.Items)
	metrics.ActiveItems.Set(float64(t.active))
	t.mu.Unlock()

	t.log.Info("batch created", "batch_id", b.ID, "operation", op, "items", len(b.Items))
	t.publish(Event{Type: EventBatchCreated, BatchID: b.ID})
	return b.ID
}

// UpdateItemStatus moves an item to status, recording err as the item's
// error message when non-nil. Transition sanity is the caller's concern.
// Unknown ids are logged and ignored; they are expected when a late callback
// races a batch removal.
func (t *Tracker) UpdateItemStatus(id uint64, status data.DownloadStatus, err error) {
	if !status.Valid() {
		t.log.Warn("ignoring invalid status", "id", id, "status", status)
		return
	}

	t.mu.Lock()
	e, it := t.lookup(id)
	if it == nil {
		t.mu.Unlock()
		t.log.Info("status update for unknown item", "id", id, "status", status)
		return
	}
	prev := it.Status
	t.setStatus(it, status)
	if err != nil {
		it.Error = err.Error()
	}
	evs := []Event{{Type: EventItemUpdated, BatchID: e.batch.ID, ItemID: data.FormatContentID(id)}}
	if ev, ok := t.checkComplete(e); ok {
		evs = append(evs, ev)
	}
	t.mu.Unlock()

	if err != nil {
		t.log.Warn("item status updated", "id", id, "batch_id", e.batch.ID, "from", prev, "to", status, "err", err)
	} else {
		t.log.Info("item status updated", "id", id, "batch_id", e.batch.ID, "from", prev, "to", status)
	}
	t.publish(evs...)
}

// UpdateItemProgress records byte counters for an item. A known total moves
// QUEUED and SUBSCRIBING items to DOWNLOADING, and reaching InstallThreshold
// moves DOWNLOADING to INSTALLING. A promotion publishes an item_updated
// event in addition to the item_progress event that is always published.
func (t *Tracker) UpdateItemProgress(id uint64, downloaded, total uint64) {
	t.mu.Lock()
	e, it := t.lookup(id)
	if it == nil {
		t.mu.Unlock()
		t.log.Debug("progress update for unknown item", "id", id)
		return
	}
	it.BytesDownloaded = downloaded
	it.BytesTotal = total

	prev := it.Status
	if total > 0 && (it.Status == data.StatusQueued || it.Status == data.StatusSubscribing) {
		t.setStatus(it, data.StatusDownloading)
	}
	if total > 0 && it.Status == data.StatusDownloading && float64(downloaded) >= InstallThreshold*float64(total) {
		t.setStatus(it, data.StatusInstalling)
	}
	itemID := data.FormatContentID(id)
	var evs []Event
	if it.Status != prev {
		evs = append(evs, Event{Type: EventItemUpdated, BatchID: e.batch.ID, ItemID: itemID})
	}
	evs = append(evs, Event{Type: EventItemProgress, BatchID: e.batch.ID, ItemID: itemID})
	status := it.Status
	t.mu.Unlock()

	if status != prev {
		t.log.Info("item promoted by progress", "id", id, "batch_id", e.batch.ID, "from", prev, "to", status)
	}
	t.log.Debug("item progress", "id", id, "downloaded", humanize.Bytes(downloaded), "total", humanize.Bytes(total))
	t.publish(evs...)
}

// GetBatch returns a snapshot of the batch.
func (t *Tracker) GetBatch(id string) (*data.DownloadBatch, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.batches[id]
	if !ok {
		return nil, false
	}
	return e.batch.Clone(), true
}

// GetItem returns a snapshot of the item currently indexed under id.
func (t *Tracker) GetItem(id uint64) (*data.DownloadItem, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, it := t.lookup(id)
	if it == nil {
		return nil, false
	}
	return it.Clone(), true
}

// GetAllBatches returns snapshots of every batch, most recent first.
func (t *Tracker) GetAllBatches() data.DownloadBatches {
	return t.snapshot(func(*entry) bool { return true })
}

// GetActiveBatches returns snapshots of the batches that are not complete,
// most recent first.
func (t *Tracker) GetActiveBatches() data.DownloadBatches {
	return t.snapshot(func(e *entry) bool { return !e.batch.IsComplete() })
}

// RemoveBatch drops a batch and its index entries. Unknown ids are ignored.
func (t *Tracker) RemoveBatch(id string) {
	t.mu.Lock()
	e, ok := t.batches[id]
	if !ok {
		t.mu.Unlock()
		t.log.Debug("remove of unknown batch", "batch_id", id)
		return
	}
	delete(t.batches, id)
	for _, it := range e.batch.Items {
		if t.index[it.ID] == id {
			delete(t.index, it.ID)
		}
		if it.IsActive() {
			t.active--
		}
	}
	metrics.ActiveItems.Set(float64(t.active))
	t.mu.Unlock()

	t.log.Info("batch removed", "batch_id", id)
	t.publish(Event{Type: EventBatchRemoved, BatchID: id})
}

// MarkRetried flags a finished batch as retried and returns its snapshot.
// A batch can be retried once and only when some of its items failed.
func (t *Tracker) MarkRetried(id string) (*data.DownloadBatch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.batches[id]
	if !ok {
		return nil, data.ErrNotFound
	}
	switch {
	case e.batch.Retried:
		return nil, data.ErrAlreadyRetried
	case !e.batch.IsComplete():
		return nil, data.ErrBatchActive
	case len(e.batch.FailedItems()) == 0:
		return nil, data.ErrNothingToRetry
	}
	e.batch.Retried = true
	return e.batch.Clone(), nil
}

func (t *Tracker) snapshot(keep func(*entry) bool) data.DownloadBatches {
	t.mu.Lock()
	entries := make([]*entry, 0, len(t.batches))
	for _, e := range t.batches {
		if keep(e) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })
	out := make(data.DownloadBatches, len(entries))
	for i, e := range entries {
		out[i] = e.batch.Clone()
	}
	t.mu.Unlock()
	return out
}

// lookup resolves an item through the reverse index. Caller holds mu.
func (t *Tracker) lookup(id uint64) (*entry, *data.DownloadItem) {
	bid, ok := t.index[id]
	if !ok {
		return nil, nil
	}
	e, ok := t.batches[bid]
	if !ok {
		return nil, nil
	}
	return e, e.batch.Item(id)
}

// setStatus applies a status and keeps the active counter in step. Caller
// holds mu.
func (t *Tracker) setStatus(it *data.DownloadItem, s data.DownloadStatus) {
	wasActive := it.IsActive()
	if !it.SetStatus(s, t.now()) {
		return
	}
	switch {
	case wasActive && !it.IsActive():
		t.active--
	case !wasActive && it.IsActive():
		t.active++
	}
	metrics.ActiveItems.Set(float64(t.active))
}

// checkComplete reports a batch_completed event when the batch has just
// flipped to complete. Caller holds mu.
func (t *Tracker) checkComplete(e *entry) (Event, bool) {
	done := e.batch.IsComplete()
	flipped := done && !e.complete
	e.complete = done
	if !flipped {
		return Event{}, false
	}
	t.log.Info("batch completed", "batch_id", e.batch.ID, "failed", len(e.batch.FailedItems()))
	return Event{Type: EventBatchCompleted, BatchID: e.batch.ID}, true
}

// publish runs outside mu so subscribers may call back into the Tracker.
func (t *Tracker) publish(evs ...Event) {
	for _, ev := range evs {
		metrics.TrackerEvents.WithLabelValues(string(ev.Type)).Inc()
		t.pub.Publish(ev)
	}
}
