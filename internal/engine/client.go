package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Remote call timeout. The service deliberately injects multi-second
// latency, so this is a generous ceiling against a hung connection, not
// a latency budget. Calls that trip it are treated as transient and
// requeued.
const defaultCallTimeout = 5 * time.Minute

// Service is the remote benchmark service interface consumed by a slot.
// Both operations block until the service has applied the request; the
// service keys engine state by (evaluation, engine).
type Service interface {
	SetSpeaker(ctx context.Context, evalID string, engineID, speakerID int) error
	Synthesize(ctx context.Context, evalID string, engineID, speakerID int, taskID string) error
}

// RemoteError is a non-2xx response from the benchmark service. The
// service reports speaker mismatch and unknown task ids as generic server
// errors, so the status and body are preserved for diagnosis.
type RemoteError struct {
	Op     string
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

// HTTPService implements Service over the benchmark service's REST API.
type HTTPService struct {
	client  *http.Client
	baseURL string
}

// NewHTTPService creates a client for the service at baseURL
// (e.g. "http://127.0.0.1:8080/api/v1").
func NewHTTPService(baseURL string) *HTTPService {
	return &HTTPService{
		client:  &http.Client{Timeout: defaultCallTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type speakerRequest struct {
	SpeakerID int `json:"speaker_id"`
}

type synthesisRequest struct {
	SpeakerID int    `json:"speaker_id"`
	TaskID    string `json:"task_id"`
}

// SetSpeaker issues the blocking speaker-switch call for one engine.
func (s *HTTPService) SetSpeaker(ctx context.Context, evalID string, engineID, speakerID int) error {
	url := fmt.Sprintf("%s/evaluations/%s/engines/%d/speaker", s.baseURL, evalID, engineID)
	return s.do(ctx, "set speaker", http.MethodPut, url, speakerRequest{SpeakerID: speakerID})
}

// Synthesize submits one task for synthesis on one engine. The service
// rejects the call if its current speaker for the engine does not match.
func (s *HTTPService) Synthesize(ctx context.Context, evalID string, engineID, speakerID int, taskID string) error {
	url := fmt.Sprintf("%s/evaluations/%s/engines/%d/synthesis", s.baseURL, evalID, engineID)
	return s.do(ctx, "synthesize", http.MethodPost, url, synthesisRequest{SpeakerID: speakerID, TaskID: taskID})
}

func (s *HTTPService) do(ctx context.Context, op, method, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	b, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if readErr != nil {
		b = []byte("<unreadable>")
	}
	return &RemoteError{Op: op, Status: resp.StatusCode, Body: string(b)}
}
