package data

import (
	"encoding/json"
	"io"
	"time"
)

// DownloadItem is one content id inside a batch.
type DownloadItem struct {
	ID              uint64         `json:"id,string"`
	Name            string         `json:"name"`
	Operation       Operation      `json:"operation"`
	Status          DownloadStatus `json:"status"`
	BytesDownloaded uint64         `json:"bytesDownloaded"`
	BytesTotal      uint64         `json:"bytesTotal"`
	QueuedAt        time.Time      `json:"queuedAt"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// NewDownloadItem returns a QUEUED item stamped with now.
func NewDownloadItem(id uint64, name string, op Operation, now time.Time) *DownloadItem {
	return &DownloadItem{
		ID:        id,
		Name:      name,
		Operation: op,
		Status:    StatusQueued,
		QueuedAt:  now,
	}
}

// ProgressPercent is 0 while the total size is unknown.
func (it *DownloadItem) ProgressPercent() float64 {
	if it.BytesTotal == 0 {
		return 0
	}
	return 100 * float64(it.BytesDownloaded) / float64(it.BytesTotal)
}

func (it *DownloadItem) IsActive() bool   { return it.Status.IsActive() }
func (it *DownloadItem) IsComplete() bool { return it.Status.IsTerminal() }

// SetStatus changes the status and stamps the first in-flight and first
// terminal transitions. It reports whether the status actually changed.
func (it *DownloadItem) SetStatus(s DownloadStatus, now time.Time) bool {
	if it.Status == s {
		return false
	}
	it.Status = s
	if s.IsInFlight() && it.StartedAt == nil {
		t := now
		it.StartedAt = &t
	}
	if s.IsTerminal() && it.CompletedAt == nil {
		t := now
		it.CompletedAt = &t
	}
	return true
}

func (it *DownloadItem) Clone() *DownloadItem {
	if it == nil {
		return nil
	}
	cp := *it
	if it.StartedAt != nil {
		t := *it.StartedAt
		cp.StartedAt = &t
	}
	if it.CompletedAt != nil {
		t := *it.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func (it DownloadItem) MarshalJSON() ([]byte, error) {
	type alias DownloadItem
	return json.Marshal(struct {
		alias
		ProgressPercent float64 `json:"progressPercent"`
		IsActive        bool    `json:"isActive"`
		IsComplete      bool    `json:"isComplete"`
	}{alias(it), it.ProgressPercent(), it.IsActive(), it.IsComplete()})
}

// DownloadBatch groups the items submitted by one user action.
type DownloadBatch struct {
	ID        string          `json:"id"`
	Operation Operation       `json:"operation"`
	CreatedAt time.Time       `json:"createdAt"`
	Items     []*DownloadItem `json:"items"`
	// Retried is set once the batch's failed items were resubmitted.
	Retried bool `json:"retried"`
}

type DownloadBatches []*DownloadBatch

func (b *DownloadBatch) TotalItems() int { return len(b.Items) }

func (b *DownloadBatch) ActiveItems() []*DownloadItem {
	out := make([]*DownloadItem, 0, len(b.Items))
	for _, it := range b.Items {
		if it.IsActive() {
			out = append(out, it)
		}
	}
	return out
}

func (b *DownloadBatch) CompletedItems() []*DownloadItem {
	out := make([]*DownloadItem, 0, len(b.Items))
	for _, it := range b.Items {
		if it.IsComplete() {
			out = append(out, it)
		}
	}
	return out
}

func (b *DownloadBatch) FailedItems() []*DownloadItem {
	var out []*DownloadItem
	for _, it := range b.Items {
		if it.Status == StatusFailed {
			out = append(out, it)
		}
	}
	return out
}

// IsComplete is trivially true for a batch without items.
func (b *DownloadBatch) IsComplete() bool {
	return len(b.CompletedItems()) == b.TotalItems()
}

// Item returns the batch's item for id, or nil.
func (b *DownloadBatch) Item(id uint64) *DownloadItem {
	for _, it := range b.Items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

func (b *DownloadBatch) Clone() *DownloadBatch {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Items = make([]*DownloadItem, len(b.Items))
	for i, it := range b.Items {
		cp.Items[i] = it.Clone()
	}
	return &cp
}

func (b DownloadBatch) MarshalJSON() ([]byte, error) {
	type alias DownloadBatch
	return json.Marshal(struct {
		alias
		TotalItems     int  `json:"totalItems"`
		ActiveItems    int  `json:"activeItems"`
		CompletedItems int  `json:"completedItems"`
		IsComplete     bool `json:"isComplete"`
	}{alias(b), b.TotalItems(), len(b.ActiveItems()), len(b.CompletedItems()), b.IsComplete()})
}

func (b *DownloadBatch) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(b) }

func (bs DownloadBatches) ToJSON(w io.Writer) error {
	if bs == nil {
		bs = DownloadBatches{}
	}
	return json.NewEncoder(w).Encode(bs)
}
