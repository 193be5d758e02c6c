package model

import (
	"encoding/json"
	"time"
)

// Artifact I/O direction constants for run/process associations.
const (
	ArtifactInput  = "input"
	ArtifactOutput = "output"
)

// Artifact is an immutable-once-produced unit of data passed between
// processes and runs. Artifacts are shared and read-mostly: a process only
// mutates artifacts its own task definition owns, and cross-ownership use
// goes through a deep copy of the whole child tree.
type Artifact struct {
	ID string `json:"id"`

	// OwnerTaskDefinitionID records which task definition produced or
	// copied this artifact. The copy-on-cross-ownership rule keys off it.
	OwnerTaskDefinitionID string `json:"owner_task_definition_id,omitempty"`

	// ParentArtifactID links child artifacts into a tree.
	ParentArtifactID string `json:"parent_artifact_id,omitempty"`

	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
