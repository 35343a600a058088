package scheduler

import (
	"encoding/json"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry is one recorded check-in run, appended as a single JSON line.
type Entry struct {
	Time         time.Time `json:"time"`
	Message      string    `json:"message"`
	SuccessCount int       `json:"success_count"`
	TotalCount   int       `json:"total_count"`
	Error        string    `json:"error,omitempty"`
}

// AuditLog is a rotated, append-only JSON-lines trail of check-in runs,
// independent of the structured application log so operators can audit
// check-in history without grepping the whole service log.
type AuditLog struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
}

// NewAuditLog opens (or creates) a rotated log file at path.
func NewAuditLog(path string) *AuditLog {
	return &AuditLog{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     90, // days
			Compress:   true,
		},
	}
}

// Record appends one entry as a JSON line.
func (a *AuditLog) Record(e Entry) {
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = a.writer.Write(line)
}

// Close flushes and closes the underlying rotated file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writer.Close()
}
