package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/raakeshmj/keygate/internal/db"
	"github.com/raakeshmj/keygate/internal/repository"
)

// LogEntry is one key management action.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	ActorID   string                 `json:"actor_id"`
	Action    string                 `json:"action"` // issue, rotate, revoke, ...
	Resource  string                 `json:"resource"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger records management actions.
type Logger interface {
	Log(entry LogEntry)
}

// JSONLogger writes one JSON document per line. Writes are serialized.
type JSONLogger struct {
	out io.Writer
	mu  sync.Mutex
}

func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{out: w}
}

func (l *JSONLogger) Log(entry LogEntry) {
	if entry.Metadata != nil {
		maskSensitive(entry.Metadata)
	}
	_ = l.writeLine(entry)
}

// Record implements repository.UsageSink.
func (l *JSONLogger) Record(ctx context.Context, entry db.UsageEntry) error {
	return l.writeLine(struct {
		Type string `json:"type"`
		db.UsageEntry
	}{Type: "usage", UsageEntry: entry})
}

func (l *JSONLogger) writeLine(v any) error {
	bytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write(append(bytes, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

func maskSensitive(m map[string]interface{}) {
	sensitiveKeys := []string{"api_key", "password", "token", "secret", "credential"}
	for k := range m {
		lowerK := strings.ToLower(k)
		for _, s := range sensitiveKeys {
			if strings.Contains(lowerK, s) {
				m[k] = "***REDACTED***"
				break
			}
		}
	}
}

// Nop discards management actions.
type Nop struct{}

func (Nop) Log(LogEntry) {}

// Fanout delivers each usage entry to every sink and joins their errors.
type Fanout []repository.UsageSink

func (f Fanout) Record(ctx context.Context, entry db.UsageEntry) error {
	var errs []error
	for _, s := range f {
		if err := s.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Logger               = (*JSONLogger)(nil)
	_ repository.UsageSink = (*JSONLogger)(nil)
	_ repository.UsageSink = Fanout(nil)
)
