package eventstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hippolabs/governor-go/pkg/core"
)

// StreamLog is an optional append-only JSONL stream of accepted events,
// kept beside the SQLite log for external tailing and replay. Records
// expire by TTL on Cleanup.
type StreamLog struct {
	mu   sync.Mutex
	path string
	ttl  time.Duration
}

// streamRecord is the JSONL row format.
type streamRecord struct {
	Source    string                 `json:"source"`
	EventID   string                 `json:"event_id,omitempty"`
	UserID    string                 `json:"user_id"`
	Text      string                 `json:"text"`
	Timestamp int64                  `json:"timestamp"`
	Scope     core.Scope             `json:"scope"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewStreamLog creates a stream log at path with the given retention.
// A zero ttl defaults to 14 days.
func NewStreamLog(path string, ttl time.Duration) (*StreamLog, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("NewStreamLog: %w", err)
		}
	}
	if ttl == 0 {
		ttl = 14 * 24 * time.Hour
	}
	return &StreamLog{path: path, ttl: ttl}, nil
}

// Append writes one event as a JSON line.
func (l *StreamLog) Append(event *core.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	line, err := json.Marshal(streamRecord{
		Source:    event.Source,
		EventID:   event.EventID,
		UserID:    event.UserID,
		Text:      event.Text,
		Timestamp: ts.Unix(),
		Scope:     event.Scope,
		Metadata:  event.Metadata,
	})
	if err != nil {
		return fmt.Errorf("Append: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("Append: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("Append: %w", err)
	}
	return nil
}

// Cleanup rewrites the log keeping only records within the retention
// window. Unparsable lines are dropped.
func (l *StreamLog) Cleanup() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("Cleanup: %w", err)
	}

	cutoff := time.Now().Add(-l.ttl).Unix()
	var kept []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		var rec streamRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Timestamp >= cutoff {
			kept = append(kept, line)
		}
	}
	_ = f.Close()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("Cleanup: %w", err)
	}

	out := ""
	for _, line := range kept {
		out += line + "\n"
	}
	if err := os.WriteFile(l.path, []byte(out), 0o644); err != nil {
		return fmt.Errorf("Cleanup: %w", err)
	}
	return nil
}
