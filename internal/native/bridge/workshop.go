package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tinoosan/workshopsync/internal/data"
	"github.com/tinoosan/workshopsync/internal/native"
)

const (
	kindSubscribe    = "subscribe"
	kindUnsubscribe  = "unsubscribe"
	kindDependencies = "dependencies"
)

var notificationKinds = map[string]string{
	MethodOnSubscribed:   kindSubscribe,
	MethodOnUnsubscribed: kindUnsubscribe,
	MethodOnDependencies: kindDependencies,
}

// Ping asks the bridge whether the native library is loaded and records the
// answer as the client's availability.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.call(ctx, "workshop.isLoaded")
	if err != nil {
		c.setAvailable(false)
		return err
	}
	var loaded bool
	if err := json.Unmarshal(res, &loaded); err != nil {
		c.setAvailable(false)
		return fmt.Errorf("parse isLoaded: %w", err)
	}
	c.setAvailable(loaded)
	if !loaded {
		return native.ErrUnavailable
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, id uint64, cb func(native.ItemResult)) error {
	return c.issue(ctx, "workshop.subscribe", kindSubscribe, id, func(ev notificationEvent) {
		cb(native.ItemResult{ID: id, Code: native.ResultCode(ev.Result)})
	})
}

func (c *Client) Unsubscribe(ctx context.Context, id uint64, cb func(native.ItemResult)) error {
	return c.issue(ctx, "workshop.unsubscribe", kindUnsubscribe, id, func(ev notificationEvent) {
		cb(native.ItemResult{ID: id, Code: native.ResultCode(ev.Result)})
	})
}

func (c *Client) QueryDependencies(ctx context.Context, id uint64, cb func(native.DependencyResult)) error {
	return c.issue(ctx, "workshop.queryDependencies", kindDependencies, id, func(ev notificationEvent) {
		res := native.DependencyResult{ID: id, Code: native.ResultCode(ev.Result)}
		for _, s := range ev.Children {
			child, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				c.log.Warn("dropping malformed dependency id", "id", id, "child", s)
				continue
			}
			res.Children = append(res.Children, child)
		}
		cb(res)
	})
}

// issue registers the forwarder for (kind, id) before sending the call so a
// fast notification cannot miss it. Forwarders whose notification never came
// are forgotten after WaiterTTL.
func (c *Client) issue(ctx context.Context, method, kind string, id uint64, fwd func(notificationEvent)) error {
	if !c.Available() {
		return native.ErrUnavailable
	}
	key := waiterKey{kind: kind, id: id}
	now := c.now()
	c.mu.Lock()
	for k, w := range c.waiters {
		if now.After(w.expires) {
			c.log.Debug("forgetting expired waiter", "kind", k.kind, "id", k.id)
			delete(c.waiters, k)
		}
	}
	c.waiters[key] = waiter{fwd: fwd, expires: now.Add(WaiterTTL)}
	c.mu.Unlock()

	if _, err := c.call(ctx, method, data.FormatContentID(id)); err != nil {
		c.mu.Lock()
		delete(c.waiters, key)
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// RunCallbacks dispatches every queued notification to its registered
// forwarder on the calling goroutine. A forwarder fires at most once.
func (c *Client) RunCallbacks() {
	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	var calls []func()
	for _, q := range queue {
		w, ok := c.waiters[q.key]
		if !ok {
			continue
		}
		delete(c.waiters, q.key)
		fwd, ev := w.fwd, q.ev
		calls = append(calls, func() { fwd(ev) })
	}
	c.mu.Unlock()

	for _, fn := range calls {
		fn()
	}
}

type downloadInfoResp struct {
	Downloaded string `json:"downloaded"`
	Total      string `json:"total"`
}

func (c *Client) DownloadInfo(ctx context.Context, id uint64) (native.DownloadInfo, error) {
	res, err := c.call(ctx, "workshop.getItemDownloadInfo", data.FormatContentID(id))
	if err != nil {
		return native.DownloadInfo{}, err
	}
	var r downloadInfoResp
	if err := json.Unmarshal(res, &r); err != nil {
		return native.DownloadInfo{}, fmt.Errorf("parse getItemDownloadInfo: %w", err)
	}
	var info native.DownloadInfo
	if info.Downloaded, err = parseCount(r.Downloaded); err != nil {
		return native.DownloadInfo{}, fmt.Errorf("parse downloaded: %w", err)
	}
	if info.Total, err = parseCount(r.Total); err != nil {
		return native.DownloadInfo{}, fmt.Errorf("parse total: %w", err)
	}
	return info, nil
}

type installInfoResp struct {
	Installed  bool   `json:"installed"`
	SizeOnDisk string `json:"sizeOnDisk"`
	Folder     string `json:"folder"`
	Timestamp  int64  `json:"timestamp"`
}

func (c *Client) InstallInfo(ctx context.Context, id uint64) (native.InstallInfo, error) {
	res, err := c.call(ctx, "workshop.getItemInstallInfo", data.FormatContentID(id))
	if err != nil {
		return native.InstallInfo{}, err
	}
	var r installInfoResp
	if err := json.Unmarshal(res, &r); err != nil {
		return native.InstallInfo{}, fmt.Errorf("parse getItemInstallInfo: %w", err)
	}
	size, err := parseCount(r.SizeOnDisk)
	if err != nil {
		return native.InstallInfo{}, fmt.Errorf("parse sizeOnDisk: %w", err)
	}
	info := native.InstallInfo{Installed: r.Installed, SizeOnDisk: size, Folder: r.Folder}
	if r.Timestamp > 0 {
		info.Timestamp = time.Unix(r.Timestamp, 0).UTC()
	}
	return info, nil
}
