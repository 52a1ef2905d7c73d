package types

import "encoding/json"

// WorkerReport is a worker's own account of its attempt.
type WorkerReport struct {
	Succeeded bool   `json:"succeeded"`
	Reason    string `json:"reason,omitempty"`
	// Flags are policy categories the worker believes its output touches.
	Flags []string `json:"flags,omitempty"`
}

// WorkerResult is what a worker returns for one job.
type WorkerResult struct {
	OutputRef string          `json:"output_ref"`
	Manifest  json.RawMessage `json:"manifest"`
	Report    WorkerReport    `json:"report"`
	Width     int             `json:"width,omitempty"`
	Height    int             `json:"height,omitempty"`
	Hash      string          `json:"hash,omitempty"`
}

// HasFlag reports whether the worker flagged category.
func (r WorkerReport) HasFlag(category string) bool {
	for _, f := range r.Flags {
		if f == category {
			return true
		}
	}
	return false
}
