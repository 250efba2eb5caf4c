package data

import "strings"

type DownloadStatus string

const (
	StatusQueued        DownloadStatus = "QUEUED"
	StatusUnsubscribing DownloadStatus = "UNSUBSCRIBING"
	StatusSubscribing   DownloadStatus = "SUBSCRIBING"
	StatusDownloading   DownloadStatus = "DOWNLOADING"
	StatusInstalling    DownloadStatus = "INSTALLING"
	StatusCompleted     DownloadStatus = "COMPLETED"
	StatusFailed        DownloadStatus = "FAILED"
	StatusCancelled     DownloadStatus = "CANCELLED"
)

var (
	activeStatuses = map[DownloadStatus]bool{
		StatusQueued:        true,
		StatusUnsubscribing: true,
		StatusSubscribing:   true,
		StatusDownloading:   true,
		StatusInstalling:    true,
	}
	terminalStatuses = map[DownloadStatus]bool{
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	}
)

// IsActive reports whether the status is one the poller still has to watch.
func (s DownloadStatus) IsActive() bool { return activeStatuses[s] }

// IsTerminal reports whether no further transition is expected.
func (s DownloadStatus) IsTerminal() bool { return terminalStatuses[s] }

// IsInFlight is true once the native client has been asked to do something
// for the item and it has not finished yet.
func (s DownloadStatus) IsInFlight() bool { return s.IsActive() && s != StatusQueued }

func (s DownloadStatus) Valid() bool { return s.IsActive() || s.IsTerminal() }

// ParseStatus accepts any casing of a known status name.
func ParseStatus(s string) (DownloadStatus, error) {
	st := DownloadStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", ErrBadStatus
	}
	return st, nil
}

type Operation string

const (
	OpSubscribe   Operation = "subscribe"
	OpUnsubscribe Operation = "unsubscribe"
	OpResubscribe Operation = "resubscribe"
)

func (o Operation) Valid() bool {
	switch o {
	case OpSubscribe, OpUnsubscribe, OpResubscribe:
		return true
	}
	return false
}

// ParseOperation converts user input into an Operation.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(s)))
	if !op.Valid() {
		return "", ErrBadOperation
	}
	return op, nil
}
