package resilience

import (
	"time"

	"github.com/sells-group/license-recon/internal/model"
)

// DLQEntry records an export delivery that exhausted its retries.
type DLQEntry struct {
	ID           string           `json:"id"`
	TaskID       string           `json:"task_id"`
	Destination  string           `json:"destination"`
	Task         model.ExportTask `json:"task"`
	Error        string           `json:"error"`
	ErrorType    string           `json:"error_type"` // "transient" or "permanent"
	RetryCount   int              `json:"retry_count"`
	MaxRetries   int              `json:"max_retries"`
	NextRetryAt  time.Time        `json:"next_retry_at"`
	CreatedAt    time.Time        `json:"created_at"`
	LastFailedAt time.Time        `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	Destination string `json:"destination,omitempty"`
	ErrorType   string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit       int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
// Permanent failures are never retried.
func (e *DLQEntry) CanRetry() bool {
	return e.ErrorType != "permanent" && e.RetryCount < e.MaxRetries
}

// NewDLQEntry builds an entry for a failed task.
func NewDLQEntry(id string, task model.ExportTask, err error, maxRetries int, now time.Time) DLQEntry {
	return DLQEntry{
		ID:           id,
		TaskID:       task.TaskID,
		Destination:  task.Destination,
		Task:         task,
		Error:        err.Error(),
		ErrorType:    ClassifyError(err),
		MaxRetries:   maxRetries,
		NextRetryAt:  now.Add(time.Hour),
		CreatedAt:    now,
		LastFailedAt: now,
	}
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
