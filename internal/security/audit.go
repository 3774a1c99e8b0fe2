package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/tracer"
)

// FileAuditLogger implements domain.AuditLogger by appending JSON lines to a file.
type FileAuditLogger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewFileAuditLogger opens (creating with 0600 if needed) the audit log at path.
func NewFileAuditLogger(path string) (*FileAuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileAuditLogger{file: f, path: path}, nil
}

// Log writes event as one JSON line and mirrors it onto the active span.
func (a *FileAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	a.mu.Lock()
	_, err = a.file.Write(append(data, '\n'))
	a.mu.Unlock()
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(
			tracer.StringAttr("audit.resource", event.Resource),
			tracer.StringAttr("audit.action", event.Action),
			tracer.StringAttr("audit.outcome", event.Outcome),
		))
	}
	return nil
}

// Close closes the underlying file.
func (a *FileAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// Prune rewrites the log keeping only entries newer than cutoff. Lines that
// carry no parsable timestamp are kept.
func (a *FileAuditLogger) Prune(cutoff time.Time) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.file.Close(); err != nil {
		return 0, fmt.Errorf("close for prune: %w", err)
	}
	defer func() {
		if f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600); err == nil {
			a.file = f
		}
	}()

	in, err := os.Open(a.path)
	if err != nil {
		return 0, fmt.Errorf("open for prune: %w", err)
	}
	var kept [][]byte
	removed := 0
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry struct {
			Timestamp time.Time `json:"timestamp"`
		}
		if json.Unmarshal(line, &entry) == nil && !entry.Timestamp.IsZero() && entry.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, append([]byte(nil), line...))
	}
	in.Close()
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan audit log: %w", err)
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := a.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	w := bufio.NewWriter(out)
	for _, line := range kept {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		out.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("write temp file: %w", err)
	}
	out.Close()
	if err := os.Rename(tmp, a.path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("replace audit log: %w", err)
	}
	return removed, nil
}
