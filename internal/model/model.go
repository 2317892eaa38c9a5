package model

import "time"

// Terminal outcome constants for a processed task.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Task is one unit of synthesis work delivered from the shared queue.
// The JSON shape is the queue wire format; Attempt travels in an AMQP
// header rather than the body so redeliveries keep the original payload
// byte-for-byte.
type Task struct {
	EvalID         string `json:"eval_id"`
	TaskID         string `json:"task_id"`
	SpeakerID      int    `json:"speaker_id"`
	Text           string `json:"text,omitempty"`
	OutputDir      string `json:"output_dir,omitempty"`
	ResultFilename string `json:"result_filename,omitempty"`

	Attempt int `json:"-"`
}

// Result is the completion event published for every terminal outcome.
// Routing key on the result exchange is the eval_id.
type Result struct {
	EvalID     string `json:"eval_id"`
	TaskID     string `json:"task_id"`
	EngineID   int    `json:"engine_id"`
	SpeakerID  int    `json:"speaker_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	OutputFile string `json:"output_file,omitempty"`
	LatencyMS  int64  `json:"latency_ms"`
}

// Outcome is the journaled record of a task's terminal outcome.
type Outcome struct {
	TaskID    string    `json:"task_id"`
	EngineID  int       `json:"engine_id"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	LatencyMS int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}
