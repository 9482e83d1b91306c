package history

import (
	"encoding/json"
	"time"

	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
)

// Record is one workflow run as persisted. A row is created when the run is
// accepted, updated as steps complete, and finalized exactly once with a
// terminal state.
type Record struct {
	WorkflowID    string `gorm:"primaryKey;type:text" json:"workflowId"`
	ServerID      string `gorm:"type:text;index;not null" json:"serverId"`
	Template      string `gorm:"type:text;not null" json:"template"`
	State         string `gorm:"type:text;index;not null" json:"state"`
	Error         string `gorm:"type:text" json:"error,omitempty"`
	StepsTotal    int    `json:"stepsTotal"`
	StepsDone     int    `json:"stepsDone"`
	CorrelationID string `gorm:"type:text" json:"correlationId,omitempty"`
	// Metadata is a JSON document: discovered facts, classification and
	// plan summary captured along the run.
	Metadata  string     `gorm:"type:text" json:"metadata,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Terminal reports whether the recorded state admits no further writes.
func (r Record) Terminal() bool {
	return data.WorkflowState(r.State).Terminal()
}

// DecodeMetadata unmarshals the metadata document into out.
func (r Record) DecodeMetadata(out any) error {
	if r.Metadata == "" {
		return faults.Errorf(faults.KindNotFound, "history.DecodeMetadata", "record %s has no metadata", r.WorkflowID)
	}
	if err := json.Unmarshal([]byte(r.Metadata), out); err != nil {
		return faults.E(faults.KindInternal, "history.DecodeMetadata", err)
	}
	return nil
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	ServerID string
	State    data.WorkflowState
	Limit    int
	Offset   int
}
