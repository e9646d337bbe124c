package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TranscriptLog persists a line-oriented audit trail of terminal session
// activity to disk, one file per session under <dir>/<agentID>/, adapted
// from the teacher's command-output LogStore (grounded on
// internal/dashboard/logs.go) to the session-oriented shape of a PTY
// transcript rather than a one-shot command's stdout/stderr.
type TranscriptLog struct {
	baseDir string

	mu    sync.Mutex
	files map[string]*os.File // session_id -> file
}

// NewTranscriptLog creates a TranscriptLog rooted at baseDir.
func NewTranscriptLog(baseDir string) (*TranscriptLog, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("server: create transcript directory: %w", err)
	}
	return &TranscriptLog{baseDir: baseDir, files: make(map[string]*os.File)}, nil
}

// Open starts a new transcript file for sessionID against agentID.
func (t *TranscriptLog) Open(agentID, sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	agentDir := filepath.Join(t.baseDir, agentID)
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return fmt.Errorf("server: create agent transcript directory: %w", err)
	}

	filename := fmt.Sprintf("%s-%s.log", time.Now().Format("2006-01-02T15-04-05"), sessionID)
	f, err := os.Create(filepath.Join(agentDir, filename))
	if err != nil {
		return fmt.Errorf("server: create transcript file: %w", err)
	}
	_, _ = fmt.Fprintf(f, "# session: %s\n# agent: %s\n# opened: %s\n\n", sessionID, agentID, time.Now().Format(time.RFC3339))
	t.files[sessionID] = f
	return nil
}

// Append writes one chunk of PTY output to sessionID's transcript, a
// no-op if the session has no open file (e.g. logging was started after
// the session opened).
func (t *TranscriptLog) Append(sessionID string, data []byte) {
	t.mu.Lock()
	f, ok := t.files[sessionID]
	t.mu.Unlock()
	if !ok {
		return
	}
	_, _ = f.Write(data)
}

// Close finalizes and removes sessionID's transcript file handle.
func (t *TranscriptLog) Close(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.files[sessionID]; ok {
		_, _ = fmt.Fprintf(f, "\n# closed: %s\n", time.Now().Format(time.RFC3339))
		_ = f.Close()
		delete(t.files, sessionID)
	}
}
