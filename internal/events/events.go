// Package events converts raw worker output lines into typed events.
//
// Workers emit progress on stdout using a prefix-tagged line protocol:
// metric lines start with "METRIC::" followed by a JSON payload, checkpoint
// sample lines start with "CHECKPOINT_SAMPLE::", and error lines start with
// "[ERROR]". Anything else is free-form log text, with a best-effort match
// against the legacy "Step X/Y | Loss: Z | LR: W" format emitted by older
// generated scripts.
package events

// Type discriminates the kinds of event a stream can carry.
type Type string

const (
	TypeLog              Type = "log"
	TypeMetric           Type = "metric"
	TypeCheckpointSample Type = "checkpoint_sample"
	TypeError            Type = "error"
	TypeStatus           Type = "status"
	TypeDone             Type = "done"
)

// Event is implemented by every event payload. EventType is used as the SSE
// event name; the payload itself is serialised as the data field.
type Event interface {
	EventType() Type
}

// Metric is a training progress data point.
type Metric struct {
	Step            int      `json:"step"`
	TotalSteps      int      `json:"totalSteps"`
	Loss            float64  `json:"loss"`
	LR              float64  `json:"lr"`
	Tokens          int64    `json:"tokens"`
	TokensPerSecond float64  `json:"tokensPerSecond"`
	WallClockTimeMs float64  `json:"wallClockTimeMs"`
	ETASeconds      float64  `json:"etaSeconds"`
	Reward          *float64 `json:"reward,omitempty"`
	Message         string   `json:"message"`
}

func (Metric) EventType() Type { return TypeMetric }

// CheckpointSample is a sampled completion emitted when a checkpoint is saved.
type CheckpointSample struct {
	Step            int    `json:"step"`
	CheckpointPath  string `json:"checkpointPath"`
	CheckpointLabel string `json:"checkpointLabel"`
	Prompt          string `json:"prompt"`
	Response        string `json:"response"`
}

func (CheckpointSample) EventType() Type { return TypeCheckpointSample }

// ErrorLine is a worker-reported error.
type ErrorLine struct {
	Message string `json:"message"`
}

func (ErrorLine) EventType() Type { return TypeError }

// Log is free-form worker output with an inferred severity.
type Log struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (Log) EventType() Type { return TypeLog }

// Status reports the job status, both as the synthetic event sent when a
// stream opens and as the terminal event sent before done.
type Status struct {
	Status string `json:"status"`
}

func (Status) EventType() Type { return TypeStatus }

// Done marks the end of a stream.
type Done struct{}

func (Done) EventType() Type { return TypeDone }
