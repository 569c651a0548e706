package models

import (
	"encoding/json"
	"time"
)

// Checkpoint is a durable snapshot of a run's partial progress. It captures
// everything the executor needs to re-enter the handler after a crash or a
// lease loss: completed steps are replayed from the snapshot instead of being
// executed again.
type Checkpoint struct {
	RunID          string     `json:"run_id"`
	Status         RunStatus  `json:"status"`
	Steps          []*Step    `json:"steps,omitempty"`
	HandlerName    string     `json:"current_handler"`
	HandlerVersion string     `json:"handler_version,omitempty"`
	Usage          TokenUsage `json:"token_usage"`
	// ThreadCursor is the highest thread message Seq folded into the run's
	// context at dispatch time.
	ThreadCursor int64 `json:"thread_cursor,omitempty"`
	// StepCursor is the index the next BeginStep call will receive.
	StepCursor int       `json:"step_cursor"`
	Attempt    int       `json:"attempt"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Marshal serializes the checkpoint for the blob store.
func (c *Checkpoint) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalCheckpoint deserializes a checkpoint blob.
func UnmarshalCheckpoint(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// CompletedStep returns the recorded step at index idx when it terminated
// with the given name, or nil when the snapshot has nothing to replay there.
func (c *Checkpoint) CompletedStep(idx int, name string) *Step {
	for _, s := range c.Steps {
		if s.Index == idx && s.Name == name && s.Status == StepStatusCompleted {
			return s
		}
	}
	return nil
}
