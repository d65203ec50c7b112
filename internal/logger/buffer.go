package logger

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogEntry is one captured log line.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Caller    string                 `json:"caller,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Filter selects entries from a LogBuffer. Zero values match everything.
type Filter struct {
	Limit     int
	Level     string
	Component string
	Since     time.Time
}

// LogBuffer keeps the most recent log entries in a ring.
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	writePos int
	count    int
}

const defaultBufferSize = 10000

var (
	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// GetBuffer returns the process-wide log buffer.
func GetBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(defaultBufferSize)
	})
	return globalBuffer
}

// NewLogBuffer creates a buffer holding at most size entries.
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &LogBuffer{entries: make([]LogEntry, size)}
}

// Add stores an entry, evicting the oldest when full.
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.writePos] = entry
	b.writePos = (b.writePos + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
}

// Recent returns matching entries, newest first.
func (b *LogBuffer) Recent(f Filter) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 || limit > b.count {
		limit = b.count
	}
	minLevel, filterLevel := levelRank(f.Level)

	result := make([]LogEntry, 0, limit)
	for i := 0; i < b.count && len(result) < limit; i++ {
		e := b.entries[(b.writePos-1-i+len(b.entries))%len(b.entries)]
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if f.Component != "" && e.Component != f.Component {
			continue
		}
		if filterLevel {
			if rank, ok := levelRank(e.Level); !ok || rank < minLevel {
				continue
			}
		}
		result = append(result, e)
	}
	return result
}

// Count returns the number of buffered entries.
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

func levelRank(level string) (zerolog.Level, bool) {
	if level == "" {
		return zerolog.NoLevel, false
	}
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.NoLevel, false
	}
	return l, true
}

// LogBufferWriter tees zerolog JSON output into a LogBuffer.
type LogBufferWriter struct {
	buffer   *LogBuffer
	original io.Writer
}

// NewLogBufferWriter creates a writer that captures lines into buffer and
// forwards them unchanged to original, which may be nil.
func NewLogBufferWriter(buffer *LogBuffer, original io.Writer) *LogBufferWriter {
	return &LogBufferWriter{buffer: buffer, original: original}
}

// Write implements io.Writer.
func (w *LogBufferWriter) Write(p []byte) (n int, err error) {
	if w.original != nil {
		n, err = w.original.Write(p)
	} else {
		n = len(p)
	}

	if entry, ok := parseLogLine(p); ok {
		w.buffer.Add(entry)
	}
	return n, err
}

// parseLogLine decodes one zerolog JSON line. Known keys become LogEntry
// fields; everything else lands in Fields.
func parseLogLine(line []byte) (LogEntry, bool) {
	var raw map[string]interface{}
	if err := json.Unmarshal(line, &raw); err != nil {
		return LogEntry{}, false
	}

	entry := LogEntry{Timestamp: time.Now()}
	take := func(key string) string {
		v, ok := raw[key]
		if !ok {
			return ""
		}
		delete(raw, key)
		s, _ := v.(string)
		return s
	}

	entry.Level = strings.ToUpper(take(zerolog.LevelFieldName))
	entry.Component = take("component")
	entry.Message = take(zerolog.MessageFieldName)
	entry.Caller = take(zerolog.CallerFieldName)
	entry.Error = take(zerolog.ErrorFieldName)
	if ts := take(zerolog.TimestampFieldName); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			entry.Timestamp = t
		}
	}
	if len(raw) > 0 {
		entry.Fields = raw
	}

	if entry.Message == "" && entry.Level == "" {
		return LogEntry{}, false
	}
	return entry, true
}
