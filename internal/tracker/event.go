package tracker

// Event is a UI-facing notification about a batch or one of its items.
//
// Events only name what changed; consumers fetch a fresh snapshot from the
// Tracker when they need the details. ItemID is the decimal content id so
// 64-bit values are never squeezed through a float.
type Event struct {
	Type    EventType `json:"type"`
	BatchID string    `json:"batchId"`
	ItemID  string    `json:"itemId,omitempty"`
}

type EventType string

const (
	EventBatchCreated   EventType = "batch_created"
	EventBatchCompleted EventType = "batch_completed"
	EventBatchRemoved   EventType = "batch_removed"
	EventItemUpdated    EventType = "item_updated"
	EventItemProgress   EventType = "item_progress"
)

// Publisher delivers tracker events. Publish is called on the goroutine that
// performed the mutation and must not block.
type Publisher interface {
	Publish(Event)
}

// ChanPublisher writes events to a channel.
type ChanPublisher struct {
	ch chan<- Event
}

func NewChanPublisher(ch chan<- Event) *ChanPublisher { return &ChanPublisher{ch: ch} }

func (p *ChanPublisher) Publish(e Event) {
	if p == nil {
		return
	}
	p.ch <- e
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }
