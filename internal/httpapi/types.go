package httpapi

import (
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/braidd/internal/strand"
)

// NotifyRequest is the request body for POST /v1/strands.
type NotifyRequest struct {
	ID           string            `json:"id,omitempty"`
	Kind         string            `json:"kind"`
	Attributes   strand.Attributes `json:"attributes"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	SourceModule string            `json:"source_module,omitempty"`
	CreatedAt    *time.Time        `json:"created_at,omitempty"`
}

// Strand converts the request into a level-0 strand.
func (r *NotifyRequest) Strand() *strand.Strand {
	s := &strand.Strand{
		ID:           r.ID,
		Kind:         r.Kind,
		Attributes:   r.Attributes,
		Payload:      r.Payload,
		SourceModule: r.SourceModule,
	}
	if r.CreatedAt != nil {
		s.CreatedAt = r.CreatedAt.UTC()
	}
	return s
}

// NotifyResponse is the response body for POST /v1/strands.
type NotifyResponse struct {
	ID        string `json:"id"`
	Evaluated bool   `json:"evaluated"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
