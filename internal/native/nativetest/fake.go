// Package nativetest provides a scriptable in-memory native.Client.
package nativetest

import (
	"context"
	"sync"

	"github.com/tinoosan/workshopsync/internal/native"
)

const (
	MethodSubscribe    = "subscribe"
	MethodUnsubscribe  = "unsubscribe"
	MethodDependencies = "dependencies"
	MethodDownloadInfo = "downloadInfo"
	MethodInstallInfo  = "installInfo"
)

// Call records one interaction with the fake.
type Call struct {
	Method string
	ID     uint64
}

// Fake answers every async call with ResultOK on the next RunCallbacks
// unless told otherwise. It is safe for concurrent use.
type Fake struct {
	mu        sync.Mutex
	available bool
	codes     map[string]map[uint64]native.ResultCode
	silent    map[string]map[uint64]bool
	issueErr  map[string]map[uint64]error
	queryErr  map[string]map[uint64]error
	deps      map[uint64][]uint64
	downloads map[uint64]native.DownloadInfo
	installs  map[uint64]native.InstallInfo
	queue     []func()
	calls     []Call
	pumps     int
}

func New() *Fake {
	return &Fake{
		available: true,
		codes:     make(map[string]map[uint64]native.ResultCode),
		silent:    make(map[string]map[uint64]bool),
		issueErr:  make(map[string]map[uint64]error),
		queryErr:  make(map[string]map[uint64]error),
		deps:      make(map[uint64][]uint64),
		downloads: make(map[uint64]native.DownloadInfo),
		installs:  make(map[uint64]native.InstallInfo),
	}
}

var _ native.Client = (*Fake)(nil)

func (f *Fake) SetAvailable(v bool) {
	f.mu.Lock()
	f.available = v
	f.mu.Unlock()
}

// SetResult sets the callback code delivered for method and id.
func (f *Fake) SetResult(method string, id uint64, code native.ResultCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.codes[method] == nil {
		f.codes[method] = make(map[uint64]native.ResultCode)
	}
	f.codes[method][id] = code
}

// SetSilent makes the fake accept the call but never deliver its callback.
func (f *Fake) SetSilent(method string, id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.silent[method] == nil {
		f.silent[method] = make(map[uint64]bool)
	}
	f.silent[method][id] = true
}

// SetIssueError makes the async call for method and id fail synchronously.
func (f *Fake) SetIssueError(method string, id uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issueErr[method] == nil {
		f.issueErr[method] = make(map[uint64]error)
	}
	f.issueErr[method][id] = err
}

// SetQueryError makes DownloadInfo or InstallInfo fail for id.
func (f *Fake) SetQueryError(method string, id uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr[method] == nil {
		f.queryErr[method] = make(map[uint64]error)
	}
	f.queryErr[method][id] = err
}

func (f *Fake) SetDependencies(id uint64, children ...uint64) {
	f.mu.Lock()
	f.deps[id] = children
	f.mu.Unlock()
}

func (f *Fake) SetDownload(id, downloaded, total uint64) {
	f.mu.Lock()
	f.downloads[id] = native.DownloadInfo{Downloaded: downloaded, Total: total}
	f.mu.Unlock()
}

func (f *Fake) SetInstalled(id uint64, installed bool) {
	f.mu.Lock()
	f.installs[id] = native.InstallInfo{Installed: installed, Folder: "/workshop/content"}
	f.mu.Unlock()
}

// Calls returns every recorded interaction in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor returns the ids passed to method, in order.
func (f *Fake) CallsFor(method string) []uint64 {
	var out []uint64
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c.ID)
		}
	}
	return out
}

// Pumps reports how many times RunCallbacks ran.
func (f *Fake) Pumps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pumps
}

func (f *Fake) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *Fake) Subscribe(ctx context.Context, id uint64, cb func(native.ItemResult)) error {
	return f.issueItem(MethodSubscribe, id, cb)
}

func (f *Fake) Unsubscribe(ctx context.Context, id uint64, cb func(native.ItemResult)) error {
	return f.issueItem(MethodUnsubscribe, id, cb)
}

func (f *Fake) QueryDependencies(ctx context.Context, id uint64, cb func(native.DependencyResult)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Method: MethodDependencies, ID: id})
	if err := f.issueErr[MethodDependencies][id]; err != nil {
		return err
	}
	if f.silent[MethodDependencies][id] {
		return nil
	}
	res := native.DependencyResult{ID: id, Code: f.code(MethodDependencies, id), Children: append([]uint64(nil), f.deps[id]...)}
	f.queue = append(f.queue, func() { cb(res) })
	return nil
}

func (f *Fake) RunCallbacks() {
	f.mu.Lock()
	q := f.queue
	f.queue = nil
	f.pumps++
	f.mu.Unlock()
	for _, fn := range q {
		fn()
	}
}

func (f *Fake) DownloadInfo(ctx context.Context, id uint64) (native.DownloadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Method: MethodDownloadInfo, ID: id})
	if err := f.queryErr[MethodDownloadInfo][id]; err != nil {
		return native.DownloadInfo{}, err
	}
	return f.downloads[id], nil
}

func (f *Fake) InstallInfo(ctx context.Context, id uint64) (native.InstallInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Method: MethodInstallInfo, ID: id})
	if err := f.queryErr[MethodInstallInfo][id]; err != nil {
		return native.InstallInfo{}, err
	}
	return f.installs[id], nil
}

func (f *Fake) issueItem(method string, id uint64, cb func(native.ItemResult)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Method: method, ID: id})
	if err := f.issueErr[method][id]; err != nil {
		return err
	}
	if f.silent[method][id] {
		return nil
	}
	res := native.ItemResult{ID: id, Code: f.code(method, id)}
	f.queue = append(f.queue, func() { cb(res) })
	return nil
}

// code defaults to ResultOK. Caller holds mu.
func (f *Fake) code(method string, id uint64) native.ResultCode {
	if c, ok := f.codes[method][id]; ok {
		return c
	}
	return native.ResultOK
}
