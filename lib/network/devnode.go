package network

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/onkernel/vmman/lib/logger"
)

const (
	DefaultNodeTimeout  = 5 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
)

// NodeWaiter waits for device nodes created asynchronously by udev or devtmpfs.
type NodeWaiter struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// NewNodeWaiter returns a waiter with the given deadline. Zero selects the default.
func NewNodeWaiter(timeout time.Duration) *NodeWaiter {
	if timeout <= 0 {
		timeout = DefaultNodeTimeout
	}
	return &NodeWaiter{Timeout: timeout, PollInterval: DefaultPollInterval}
}

// Wait blocks until path exists, the deadline passes or ctx is done.
// The parent directory is watched with inotify; polling covers nodes that
// appear without an event and parents that do not exist yet.
func (w *NodeWaiter) Wait(ctx context.Context, path string) error {
	log := logger.FromContext(ctx)

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultNodeTimeout
	}
	interval := w.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var events <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			log.DebugContext(ctx, "device node watch unavailable, polling", "path", path, "error", err)
		} else {
			events = watcher.Events
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name != path {
				continue
			}
		case <-ticker.C:
		case <-ctx.Done():
			if _, err := os.Stat(path); err == nil {
				return nil
			}
			if err := parent.Err(); err != nil {
				return fmt.Errorf("wait for %s: %w", path, err)
			}
			return fmt.Errorf("%w: %s after %s", ErrDeviceNodeTimeout, path, timeout)
		}

		if _, err := os.Stat(path); err == nil {
			log.DebugContext(ctx, "device node ready", "path", path)
			return nil
		}
	}
}
