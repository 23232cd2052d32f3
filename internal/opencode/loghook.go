package opencode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const logHookQueueSize = 256

type logEntry struct {
	level   string
	message string
	extra   map[string]interface{}
}

// LogHook forwards logrus entries to the server's /log endpoint. Delivery
// is best-effort: entries are dropped when the queue is full and delivery
// errors are ignored.
type LogHook struct {
	client  *Client
	levels  []logrus.Level
	entries chan logEntry

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewLogHook starts the delivery goroutine. Entries at info level and more
// severe are forwarded.
func NewLogHook(client *Client) *LogHook {
	h := &LogHook{
		client: client,
		levels: []logrus.Level{
			logrus.PanicLevel,
			logrus.FatalLevel,
			logrus.ErrorLevel,
			logrus.WarnLevel,
			logrus.InfoLevel,
		},
		entries: make(chan logEntry, logHookQueueSize),
		done:    make(chan struct{}),
	}
	go h.run()
	return h
}

// Levels implements logrus.Hook
func (h *LogHook) Levels() []logrus.Level {
	return h.levels
}

// Fire implements logrus.Hook
func (h *LogHook) Fire(entry *logrus.Entry) error {
	var extra map[string]interface{}
	if len(entry.Data) > 0 {
		extra = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			extra[k] = fmt.Sprint(v)
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil
	}
	select {
	case h.entries <- logEntry{level: serverLogLevel(entry.Level), message: entry.Message, extra: extra}:
	default:
	}
	return nil
}

// Close stops delivery after draining queued entries.
func (h *LogHook) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.entries)
	}
	h.mu.Unlock()
	<-h.done
}

func (h *LogHook) run() {
	defer close(h.done)
	for entry := range h.entries {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = h.client.WriteLog(ctx, entry.level, entry.message, entry.extra)
		cancel()
	}
}

func serverLogLevel(level logrus.Level) string {
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return "debug"
	case logrus.InfoLevel:
		return "info"
	case logrus.WarnLevel:
		return "warn"
	default:
		return "error"
	}
}
