package server

import "github.com/solwatch/solana-filter-monitor/internal/store"

// ErrorResponse is the standard JSON error envelope
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details any    `json:"details,omitempty"`
}

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	OK bool `json:"ok"`
}

// MatchesResponse wraps a list of match records
type MatchesResponse struct {
	Items []*store.Record `json:"items"`
}

// CollectionsResponse maps collection names to record counts
type CollectionsResponse struct {
	Collections map[string]int `json:"collections"`
}
