package main

import (
	"encoding/json"
	"time"

	"github.com/liamcoop/rulesflow/rulesets"
)

// API Request and Response Models

// ProcessFolderRequest is the body of POST /process_folder
type ProcessFolderRequest struct {
	FolderName string `json:"folder_name" example:"A1b2C3d4E5f6G7h8I901012024120000"`
} // @name ProcessFolderRequest

// RuleSetRequest is the body for creating or updating a rule set. On update
// only the fields present are changed.
type RuleSetRequest struct {
	Name        string          `json:"name" example:"adult_customers"`
	Description string          `json:"description,omitempty" example:"Customers aged 18 or over"`
	Rules       json.RawMessage `json:"rules,omitempty"`
	Active      *bool           `json:"active,omitempty" example:"true"`
} // @name RuleSetRequest

func (r RuleSetRequest) draft() rulesets.Draft {
	return rulesets.Draft{
		Name:        r.Name,
		Description: r.Description,
		Rules:       r.Rules,
		Active:      r.Active,
	}
}

// RuleSetResponse represents a rule set in API responses
type RuleSetResponse struct {
	ID          string          `json:"id" example:"123e4567-e89b-12d3-a456-426614174000"`
	Name        string          `json:"name" example:"adult_customers"`
	Description string          `json:"description,omitempty"`
	Rules       json.RawMessage `json:"rules"`
	Active      bool            `json:"active" example:"true"`
	CreatedAt   time.Time       `json:"created_at" example:"2024-01-15T10:30:00Z"`
	UpdatedAt   time.Time       `json:"updated_at" example:"2024-01-15T10:30:00Z"`
} // @name RuleSetResponse

func toRuleSetResponse(rs *rulesets.RuleSet) RuleSetResponse {
	return RuleSetResponse{
		ID:          rs.ID,
		Name:        rs.Name,
		Description: rs.Description,
		Rules:       rs.Rules,
		Active:      rs.Active,
		CreatedAt:   rs.CreatedAt,
		UpdatedAt:   rs.UpdatedAt,
	}
}

// RuleSetsListResponse represents the response for listing rule sets
type RuleSetsListResponse struct {
	RuleSets []RuleSetResponse `json:"rulesets"`
} // @name RuleSetsListResponse

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string            `json:"status" example:"healthy"`
	Components map[string]string `json:"components"`
} // @name HealthResponse

// MetricsResponse carries the process counters
type MetricsResponse struct {
	Level    string           `json:"log_level" example:"INFO"`
	Counters map[string]int64 `json:"counters"`
} // @name MetricsResponse

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"invalid submission"`
	Details string `json:"details,omitempty" example:"/objects: expected array, but got object"`
} // @name ErrorResponse
