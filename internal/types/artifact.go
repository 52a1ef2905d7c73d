package types

import (
	"time"

	"github.com/google/uuid"
)

// ArtifactKind describes what an artifact reference points at.
type ArtifactKind string

const (
	ArtifactFloorPlan  ArtifactKind = "floor_plan"
	ArtifactSpaceMap   ArtifactKind = "space_map"
	ArtifactStyleBoard ArtifactKind = "style_board"
	ArtifactRender     ArtifactKind = "render"
	ArtifactCameraView ArtifactKind = "camera_view"
)

// Artifact is a reference to an output held in external storage.
// The engine never holds the bytes.
type Artifact struct {
	ID              uuid.UUID    `json:"id"`
	RunID           uuid.UUID    `json:"run_id"`
	Step            int          `json:"step"`
	JobID           *uuid.UUID   `json:"job_id,omitempty"`
	Kind            ArtifactKind `json:"kind"`
	StorageRef      string       `json:"storage_ref"`
	AccessToken     *string      `json:"-"`
	AccessExpiresAt *time.Time   `json:"access_expires_at,omitempty"`
	Width           *int         `json:"width,omitempty"`
	Height          *int         `json:"height,omitempty"`
	Hash            string       `json:"hash,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}
