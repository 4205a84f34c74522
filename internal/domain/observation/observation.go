// Package observation defines immutable facts reported about sprites.
// Observations may trigger intent generation but never execute anything.
package observation

import (
	"fmt"
	"time"

	"github.com/spritelab/fleetd/internal/domain"
)

// Type categorizes an observation.
type Type string

const (
	TypeMetric         Type = "metric"
	TypeAnomaly        Type = "anomaly"
	TypeStatus         Type = "status"
	TypeRecommendation Type = "recommendation"
)

// Severity orders observations by urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Observation is a single immutable fact about a sprite.
type Observation struct {
	ID        string         `json:"id"`
	SpriteID  string         `json:"sprite_id"`
	Type      Type           `json:"type"`
	Severity  Severity       `json:"severity"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CreateRequest holds the fields needed to record an observation.
type CreateRequest struct {
	SpriteID string         `json:"sprite_id"`
	Type     Type           `json:"type"`
	Severity Severity       `json:"severity"`
	Data     map[string]any `json:"data,omitempty"`
}

// Validate checks the request shape.
func (r CreateRequest) Validate() error {
	if r.SpriteID == "" {
		return fmt.Errorf("%w: sprite_id is required", domain.ErrValidation)
	}
	switch r.Type {
	case TypeMetric, TypeAnomaly, TypeStatus, TypeRecommendation:
	default:
		return fmt.Errorf("%w: unknown observation type %q", domain.ErrValidation, r.Type)
	}
	switch r.Severity {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
	default:
		return fmt.Errorf("%w: unknown severity %q", domain.ErrValidation, r.Severity)
	}
	return nil
}
