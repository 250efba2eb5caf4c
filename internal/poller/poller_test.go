package poller

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tinoosan/workshopsync/internal/data"
	"github.com/tinoosan/workshopsync/internal/metrics"
	"github.com/tinoosan/workshopsync/internal/native"
	"github.com/tinoosan/workshopsync/internal/native/nativetest"
	"github.com/tinoosan/workshopsync/internal/tracker"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func setup(t *testing.T) (*Poller, *nativetest.Fake, *tracker.Tracker) {
	t.Helper()
	fake := nativetest.New()
	tr := tracker.New(discard(), nil)
	return New(discard(), fake, tr, Options{Interval: 5 * time.Millisecond}), fake, tr
}

func item(t *testing.T, tr *tracker.Tracker, id uint64) *data.DownloadItem {
	t.Helper()
	it, ok := tr.GetItem(id)
	if !ok {
		t.Fatalf("item %d not tracked", id)
	}
	return it
}

func TestQueuedSubscribeItem(t *testing.T) {
	p, fake, tr := setup(t)
	tr.CreateBatch(data.OpSubscribe, []uint64{1, 2}, nil)
	fake.SetInstalled(1, true)
	fake.SetDownload(2, 500, 1000)

	p.PollOnce(context.Background())

	if got := item(t, tr, 1).Status; got != data.StatusCompleted {
		t.Fatalf("installed item status = %v, want COMPLETED", got)
	}
	if got := fake.CallsFor(nativetest.MethodDownloadInfo); len(got) != 1 || got[0] != 2 {
		t.Fatalf("download info calls = %v, want [2]", got)
	}
	it := item(t, tr, 2)
	if it.Status != data.StatusDownloading || it.BytesDownloaded != 500 || it.BytesTotal != 1000 {
		t.Fatalf("item 2 = %+v", it)
	}
}

func TestSkippedItems(t *testing.T) {
	cases := []struct {
		name  string
		op    data.Operation
		setup func(tr *tracker.Tracker)
	}{
		{name: "unsubscribe batch", op: data.OpUnsubscribe},
		{name: "queued resubscribe", op: data.OpResubscribe},
		{name: "unsubscribing", op: data.OpResubscribe, setup: func(tr *tracker.Tracker) {
			tr.UpdateItemStatus(1, data.StatusUnsubscribing, nil)
		}},
		{name: "terminal", op: data.OpSubscribe, setup: func(tr *tracker.Tracker) {
			tr.UpdateItemStatus(1, data.StatusFailed, errors.New("x"))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, fake, tr := setup(t)
			tr.CreateBatch(tc.op, []uint64{1}, nil)
			if tc.setup != nil {
				tc.setup(tr)
			}
			p.PollOnce(context.Background())
			if calls := fake.Calls(); len(calls) != 0 {
				t.Fatalf("unexpected native calls: %v", calls)
			}
		})
	}
}

func TestDownloadingChecksInstallAboveRatio(t *testing.T) {
	p, fake, tr := setup(t)
	tr.CreateBatch(data.OpSubscribe, []uint64{1, 2}, nil)
	tr.UpdateItemStatus(1, data.StatusDownloading, nil)
	tr.UpdateItemStatus(2, data.StatusSubscribing, nil)
	fake.SetDownload(1, 950, 1000)
	fake.SetInstalled(1, true)
	fake.SetDownload(2, 500, 1000)
	fake.SetInstalled(2, true)

	p.PollOnce(context.Background())

	if got := item(t, tr, 1).Status; got != data.StatusCompleted {
		t.Fatalf("item 1 status = %v, want COMPLETED", got)
	}
	if got := item(t, tr, 2).Status; got != data.StatusDownloading {
		t.Fatalf("item 2 status = %v, want DOWNLOADING", got)
	}
	if got := fake.CallsFor(nativetest.MethodInstallInfo); len(got) != 1 || got[0] != 1 {
		t.Fatalf("install info calls = %v, want [1]", got)
	}
}

func TestInstallingOnlyQueriesInstall(t *testing.T) {
	p, fake, tr := setup(t)
	tr.CreateBatch(data.OpSubscribe, []uint64{1}, nil)
	tr.UpdateItemProgress(1, 995, 1000)
	if got := item(t, tr, 1).Status; got != data.StatusInstalling {
		t.Fatalf("setup status = %v, want INSTALLING", got)
	}

	p.PollOnce(context.Background())
	if got := item(t, tr, 1).Status; got != data.StatusInstalling {
		t.Fatalf("status = %v, want INSTALLING while not installed", got)
	}

	fake.SetInstalled(1, true)
	p.PollOnce(context.Background())
	if got := item(t, tr, 1).Status; got != data.StatusCompleted {
		t.Fatalf("status = %v, want COMPLETED", got)
	}
	if got := fake.CallsFor(nativetest.MethodDownloadInfo); len(got) != 0 {
		t.Fatalf("download info queried for installing item: %v", got)
	}
}

func TestItemErrorDoesNotStopPass(t *testing.T) {
	p, fake, tr := setup(t)
	tr.CreateBatch(data.OpSubscribe, []uint64{1, 2}, nil)
	tr.UpdateItemStatus(1, data.StatusSubscribing, nil)
	tr.UpdateItemStatus(2, data.StatusSubscribing, nil)
	fake.SetQueryError(nativetest.MethodDownloadInfo, 1, errors.New("bridge gone"))
	fake.SetDownload(2, 10, 100)

	before := testutil.ToFloat64(metrics.PollErrors)
	p.PollOnce(context.Background())

	if got := testutil.ToFloat64(metrics.PollErrors); got != before+1 {
		t.Fatalf("poll errors = %v, want %v", got, before+1)
	}
	if got := item(t, tr, 1).Status; got != data.StatusSubscribing {
		t.Fatalf("failed poll changed status to %v", got)
	}
	if got := item(t, tr, 2).Status; got != data.StatusDownloading {
		t.Fatalf("item 2 status = %v, want DOWNLOADING", got)
	}
}

type panicky struct {
	*nativetest.Fake
	id uint64
}

func (c panicky) DownloadInfo(ctx context.Context, id uint64) (native.DownloadInfo, error) {
	if id == c.id {
		panic("boom")
	}
	return c.Fake.DownloadInfo(ctx, id)
}

func TestItemPanicIsRecovered(t *testing.T) {
	fake := nativetest.New()
	tr := tracker.New(discard(), nil)
	p := New(discard(), panicky{Fake: fake, id: 1}, tr, Options{})
	tr.CreateBatch(data.OpSubscribe, []uint64{1, 2}, nil)
	tr.UpdateItemStatus(1, data.StatusDownloading, nil)
	tr.UpdateItemStatus(2, data.StatusDownloading, nil)
	fake.SetDownload(2, 20, 100)

	before := testutil.ToFloat64(metrics.PollErrors)
	p.PollOnce(context.Background())
	if got := testutil.ToFloat64(metrics.PollErrors); got != before+1 {
		t.Fatalf("poll errors = %v, want %v", got, before+1)
	}
	if got := item(t, tr, 2).BytesDownloaded; got != 20 {
		t.Fatalf("item 2 not polled after panic, downloaded = %d", got)
	}
}

func TestUnavailableSkipsPass(t *testing.T) {
	p, fake, tr := setup(t)
	tr.CreateBatch(data.OpSubscribe, []uint64{1}, nil)
	fake.SetAvailable(false)

	p.PollOnce(context.Background())
	if calls := fake.Calls(); len(calls) != 0 {
		t.Fatalf("unexpected native calls: %v", calls)
	}
}

func TestStartStop(t *testing.T) {
	p, fake, tr := setup(t)
	tr.CreateBatch(data.OpSubscribe, []uint64{1}, nil)
	fake.SetInstalled(1, true)

	p.Stop() // stop before start is a no-op
	p.Start()
	p.Start()
	if !p.Running() {
		t.Fatalf("poller not running after Start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for item(t, tr, 1).Status != data.StatusCompleted {
		if time.Now().After(deadline) {
			t.Fatalf("poller never completed the item")
		}
		time.Sleep(5 * time.Millisecond)
	}

	p.Stop()
	p.Stop()
	if p.Running() {
		t.Fatalf("poller running after Stop")
	}
	n := len(fake.Calls())
	time.Sleep(30 * time.Millisecond)
	if got := len(fake.Calls()); got != n {
		t.Fatalf("native calls after Stop: %d -> %d", n, got)
	}

	// restart works
	p.Start()
	p.Stop()
}

// stuckTracker holds the first GetActiveBatches until gate is closed.
type stuckTracker struct {
	*tracker.Tracker
	entered chan struct{}
	gate    chan struct{}
	calls   atomic.Int32
}

func (s *stuckTracker) GetActiveBatches() data.DownloadBatches {
	s.calls.Add(1)
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.gate
	return s.Tracker.GetActiveBatches()
}

func TestStartWaitsForSlowLoopToExit(t *testing.T) {
	st := &stuckTracker{Tracker: tracker.New(discard(), nil), entered: make(chan struct{}, 1), gate: make(chan struct{})}
	p := New(discard(), nativetest.New(), st, Options{Interval: time.Millisecond, StopTimeout: 10 * time.Millisecond})

	p.Start()
	select {
	case <-st.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("poll pass never started")
	}

	p.Stop() // times out, the pass is still stuck
	if !p.Running() {
		t.Fatalf("stuck loop reported as stopped")
	}
	p.Start()

	close(st.gate)
	deadline := time.Now().Add(2 * time.Second)
	for p.Running() {
		if time.Now().After(deadline) {
			t.Fatalf("loop never exited")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if n := st.calls.Load(); n != 1 {
		t.Fatalf("a second loop ran while the first was stuck: %d passes", n)
	}

	p.Start()
	if !p.Running() {
		t.Fatalf("poller did not restart after the old loop exited")
	}
	p.Stop()
}

func TestItemErrorLogsHumanizedProgress(t *testing.T) {
	var buf bytes.Buffer
	fake := nativetest.New()
	tr := tracker.New(discard(), nil)
	p := New(slog.New(slog.NewTextHandler(&buf, nil)), fake, tr, Options{})

	tr.CreateBatch(data.OpSubscribe, []uint64{1}, nil)
	tr.UpdateItemProgress(1, 1000, 2000000)
	fake.SetQueryError(nativetest.MethodDownloadInfo, 1, errors.New("bridge gone"))

	p.PollOnce(context.Background())

	out := buf.String()
	if !strings.Contains(out, `downloaded="1.0 kB"`) || !strings.Contains(out, `total="2.0 MB"`) {
		t.Fatalf("warning lacks humanized byte counts: %s", out)
	}
}
