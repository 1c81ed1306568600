package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
)

// MachineLogHandler wraps an slog.Handler and additionally appends records
// carrying a "machine" attribute to <dir>/<machine>.log, so the privileged
// operations done for a machine leave an audit trail next to each other.
// A file that would grow past maxSize is rotated to <machine>.log.1 first.
//
// Implementation follows the slog handler guide for shared state across
// WithAttrs/WithGroup: https://pkg.go.dev/golang.org/x/example/slog-handler-guide
type MachineLogHandler struct {
	slog.Handler
	dir      string
	maxSize  datasize.ByteSize
	preAttrs []slog.Attr
	mu       *sync.Mutex
}

// NewMachineLogHandler creates a handler that wraps the given handler and
// writes machine-scoped records under dir. maxSize of zero disables rotation.
func NewMachineLogHandler(wrapped slog.Handler, dir string, maxSize datasize.ByteSize) *MachineLogHandler {
	return &MachineLogHandler{
		Handler: wrapped,
		dir:     dir,
		maxSize: maxSize,
		mu:      &sync.Mutex{},
	}
}

// LogPath returns the log file for a machine.
func (h *MachineLogHandler) LogPath(machine string) string {
	return filepath.Join(h.dir, machine+".log")
}

// Handle passes the record to the wrapped handler and, if it names a
// machine, appends it to that machine's log file.
func (h *MachineLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}

	var machine string
	for _, a := range h.preAttrs {
		if a.Key == MachineKey {
			machine = a.Value.String()
			break
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == MachineKey {
			machine = a.Value.String()
			return false
		}
		return true
	})

	if machine != "" {
		h.writeToMachineLog(machine, r)
	}
	return nil
}

func (h *MachineLogHandler) writeToMachineLog(machine string, r slog.Record) {
	line := fmt.Sprintf("%s %s %s", r.Time.Format(time.RFC3339), r.Level.String(), r.Message)
	for _, a := range h.preAttrs {
		if a.Key != MachineKey {
			line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != MachineKey {
			line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		}
		return true
	})
	line += "\n"

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(h.dir, 0755); err != nil {
		// package-level slog: no machine attr, so no recursion
		slog.Warn("failed to create machine log directory", "path", h.dir, "error", err)
		return
	}

	logPath := h.LogPath(machine)
	h.rotateIfNeeded(logPath, len(line))

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Warn("failed to open machine log file", "path", logPath, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		slog.Warn("failed to write to machine log file", "path", logPath, "error", err)
	}
}

func (h *MachineLogHandler) rotateIfNeeded(logPath string, incoming int) {
	if h.maxSize == 0 {
		return
	}
	info, err := os.Stat(logPath)
	if err != nil {
		return
	}
	if uint64(info.Size())+uint64(incoming) <= h.maxSize.Bytes() {
		return
	}
	if err := os.Rename(logPath, logPath+".1"); err != nil {
		slog.Warn("failed to rotate machine log file", "path", logPath, "error", err)
	}
}

// WithAttrs returns a new handler with the given attributes.
// Tracks attrs locally so the machine name is found even when added via With().
func (h *MachineLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newPreAttrs := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(newPreAttrs, h.preAttrs)
	newPreAttrs = append(newPreAttrs, attrs...)

	return &MachineLogHandler{
		Handler:  h.Handler.WithAttrs(attrs),
		dir:      h.dir,
		maxSize:  h.maxSize,
		preAttrs: newPreAttrs,
		mu:       h.mu,
	}
}

// WithGroup returns a new handler with the given group name.
// Groups are not tracked: the machine attribute is always top level.
func (h *MachineLogHandler) WithGroup(name string) slog.Handler {
	return &MachineLogHandler{
		Handler:  h.Handler.WithGroup(name),
		dir:      h.dir,
		maxSize:  h.maxSize,
		preAttrs: h.preAttrs,
		mu:       h.mu,
	}
}
