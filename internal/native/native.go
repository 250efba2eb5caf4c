// Package native describes the workshop client that performs the actual
// subscription, transfer and installation of content.
//
// The client is asynchronous: Subscribe, Unsubscribe and QueryDependencies
// return as soon as the request is handed over, and their results arrive
// later as callbacks. Callbacks are only delivered from inside RunCallbacks,
// so somebody has to pump it while results are outstanding.
package native

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is returned when the native client is not loaded.
var ErrUnavailable = errors.New("native client unavailable")

// ResultCode is the status code the native client attaches to a callback.
type ResultCode int

const (
	ResultOK           ResultCode = 1
	ResultFail         ResultCode = 2
	ResultNoConnection ResultCode = 3
	ResultTimeout      ResultCode = 16
	ResultFileNotFound ResultCode = 9
)

func (c ResultCode) OK() bool { return c == ResultOK }

func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "ok"
	case ResultFail:
		return "fail"
	case ResultNoConnection:
		return "no connection"
	case ResultTimeout:
		return "timeout"
	case ResultFileNotFound:
		return "file not found"
	}
	return fmt.Sprintf("result %d", int(c))
}

// ItemResult is the typed form of a subscribe or unsubscribe callback.
type ItemResult struct {
	ID   uint64
	Code ResultCode
}

// DependencyResult is the typed form of a dependency query callback.
type DependencyResult struct {
	ID       uint64
	Code     ResultCode
	Children []uint64
}

// DownloadInfo reports transfer progress. Total is 0 while unknown.
type DownloadInfo struct {
	Downloaded uint64
	Total      uint64
}

// Ratio is Downloaded/Total, or 0 while the total is unknown.
func (d DownloadInfo) Ratio() float64 {
	if d.Total == 0 {
		return 0
	}
	return float64(d.Downloaded) / float64(d.Total)
}

// InstallInfo reports whether content is present on disk.
type InstallInfo struct {
	Installed  bool
	SizeOnDisk uint64
	Folder     string
	Timestamp  time.Time
}

// Client is the native workshop client.
type Client interface {
	// Available is a non-blocking probe of whether the client is loaded.
	Available() bool

	// Subscribe, Unsubscribe and QueryDependencies issue fire-and-forget
	// calls. cb is registered before the call goes out and is invoked from
	// RunCallbacks once the result arrives. A non-nil error means the call
	// was never issued and cb will not run.
	Subscribe(ctx context.Context, id uint64, cb func(ItemResult)) error
	Unsubscribe(ctx context.Context, id uint64, cb func(ItemResult)) error
	QueryDependencies(ctx context.Context, id uint64, cb func(DependencyResult)) error

	// RunCallbacks delivers every queued callback on the calling goroutine.
	RunCallbacks()

	DownloadInfo(ctx context.Context, id uint64) (DownloadInfo, error)
	InstallInfo(ctx context.Context, id uint64) (InstallInfo, error)
}
