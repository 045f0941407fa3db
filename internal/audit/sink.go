package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"research-job-service/internal/models"
)

// Archiver mirrors audit entries into secondary storage.
type Archiver interface {
	Archive(ctx context.Context, entry models.AuditEntry) error
}

// Sink is the append-only per-session audit log. Every entry is written as one
// JSON object per line to audit_dir/session_<id>.jsonl and kept in memory for
// the streaming tail. Write failures are logged and never abort the caller's
// workflow.
type Sink struct {
	mu      sync.Mutex
	dir     string
	entries map[string][]models.AuditEntry
	log     *zap.Logger
	archive Archiver
}

// NewSink creates a sink rooted at dir. The directory is created lazily on
// first write.
func NewSink(dir string, log *zap.Logger) *Sink {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sink{
		dir:     dir,
		entries: make(map[string][]models.AuditEntry),
		log:     log,
	}
}

// SetArchiver attaches an optional secondary store; archive failures are
// logged, not propagated.
func (s *Sink) SetArchiver(a Archiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archive = a
}

// Write appends one entry to the session log. Missing timestamp and session id
// fields are filled in.
func (s *Sink) Write(sessionID string, entry models.AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.SessionID == "" {
		entry.SessionID = sessionID
	}
	if entry.Type == "" {
		entry.Type = models.AuditInfo
	}

	s.mu.Lock()
	s.entries[sessionID] = append(s.entries[sessionID], entry)
	archive := s.archive
	s.mu.Unlock()

	if err := s.appendToFile(sessionID, entry); err != nil {
		s.log.Error("write audit log", zap.String("session_id", sessionID), zap.Error(err))
	}
	if archive != nil {
		if err := archive.Archive(context.Background(), entry); err != nil {
			s.log.Error("archive audit entry", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// Tail returns the most recent n entries for a session.
func (s *Sink) Tail(sessionID string, n int) []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.entries[sessionID]
	if n <= 0 || n >= len(all) {
		return append([]models.AuditEntry(nil), all...)
	}
	return append([]models.AuditEntry(nil), all[len(all)-n:]...)
}

// Since returns entries recorded at or after the given offset, for incremental
// streaming.
func (s *Sink) Since(sessionID string, offset int) []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.entries[sessionID]
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil
	}
	return append([]models.AuditEntry(nil), all[offset:]...)
}

// Count reports the number of entries recorded for a session.
func (s *Sink) Count(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[sessionID])
}

// Path returns the on-disk log file for a session.
func (s *Sink) Path(sessionID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("session_%s.jsonl", sessionID))
}

func (s *Sink) appendToFile(sessionID string, entry models.AuditEntry) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	b = append(b, '\n')

	f, err := os.OpenFile(s.Path(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}
