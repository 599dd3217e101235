package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"callern/internal/config"
)

// Record is the summary of one finished room handed to the history collaborator.
type Record struct {
	RoomID          string    `json:"roomId"`
	LearnerID       string    `json:"learnerId"`
	TeacherID       string    `json:"teacherId"`
	PackageID       string    `json:"packageId,omitempty"`
	DurationMinutes int       `json:"durationMinutes"`
	Outcome         string    `json:"outcome"`
	StartedAt       time.Time `json:"startedAt"`
	EndedAt         time.Time `json:"endedAt"`
}

// Recorder persists finished-room records. Implementations must tolerate
// being called once per room; rooms never call it twice.
type Recorder interface {
	Record(ctx context.Context, r Record) error
}

var ErrInvalidRecord = errors.New("history: invalid record")

func (r Record) Validate() error {
	if r.RoomID == "" || r.LearnerID == "" || r.TeacherID == "" || r.Outcome == "" {
		return ErrInvalidRecord
	}
	if r.DurationMinutes < 0 {
		return ErrInvalidRecord
	}
	return nil
}

// HTTPDoer describes the HTTP client used by HTTPRecorder.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPRecorder posts records as JSON to <base>/call-history. Transport
// errors, 429 and 5xx answers are retried a bounded number of times; the
// room id doubles as the idempotency key, so a retry never duplicates.
type HTTPRecorder struct {
	endpoint string
	client   HTTPDoer
	attempts int
	backoff  time.Duration
}

func NewHTTPRecorder(baseURL string, client HTTPDoer) *HTTPRecorder {
	return &HTTPRecorder{
		endpoint: strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/call-history",
		client:   client,
		attempts: 3,
		backoff:  250 * time.Millisecond,
	}
}

// WithRetry sets how many times a record is posted and the first pause
// between tries, which doubles after each failure.
func (h *HTTPRecorder) WithRetry(attempts int, backoff time.Duration) *HTTPRecorder {
	if attempts < 1 {
		attempts = 1
	}
	h.attempts = attempts
	h.backoff = backoff
	return h
}

// errRetryable marks failures worth another try.
type errRetryable struct{ err error }

func (e errRetryable) Error() string { return e.err.Error() }
func (e errRetryable) Unwrap() error { return e.err }

func (h *HTTPRecorder) Record(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	encoded, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("history: encode body: %w", err)
	}

	backoff := h.backoff
	for try := 1; ; try++ {
		err = h.post(ctx, r.RoomID, encoded)
		var retry errRetryable
		if err == nil || !errors.As(err, &retry) || try >= h.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("history: giving up after %d tries: %w", try, err)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func (h *HTTPRecorder) post(ctx context.Context, roomID string, encoded []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("history: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", roomID)

	resp, err := h.client.Do(req)
	if err != nil {
		return errRetryable{fmt.Errorf("history: post record: %w", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("history: collaborator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return errRetryable{err}
		}
		return err
	}
	return nil
}

// LogRecorder writes records to the process log. Used when no history
// collaborator is configured.
type LogRecorder struct {
	log *slog.Logger
}

func NewLogRecorder(log *slog.Logger) *LogRecorder {
	return &LogRecorder{log: log}
}

func (l *LogRecorder) Record(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	l.log.InfoContext(ctx, "call history",
		"room_id", r.RoomID,
		"learner_id", r.LearnerID,
		"teacher_id", r.TeacherID,
		"duration_minutes", r.DurationMinutes,
		"outcome", r.Outcome,
	)
	return nil
}

// MemoryRecorder keeps records in process, for tests.
type MemoryRecorder struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryRecorder() *MemoryRecorder { return &MemoryRecorder{} }

func (m *MemoryRecorder) Record(_ context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *MemoryRecorder) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// NewRecorder picks the HTTP recorder when a base URL is configured.
func NewRecorder(cfg config.HistoryConfig, log *slog.Logger) Recorder {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return NewLogRecorder(log)
	}
	return NewHTTPRecorder(cfg.BaseURL, &http.Client{Timeout: cfg.Timeout})
}
