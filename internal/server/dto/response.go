package dto

import "github.com/hooktable/hooktable/internal/engine"

// StatusSuccess is the status of every successful response.
const StatusSuccess = "success"

// StatusResponse is a bare success response.
type StatusResponse struct {
	Status string `json:"status"`
}

// Success returns a StatusResponse with StatusSuccess.
func Success() *StatusResponse {
	return &StatusResponse{Status: StatusSuccess}
}

// RetrieveResponse carries a whole decrypted table.
type RetrieveResponse struct {
	Status string `json:"status"`
	Table  Table  `json:"table"`
}

// Table is a decrypted table. Rows keep the field order they were ingested
// with.
type Table struct {
	Columns   []string        `json:"columns"`
	TotalRows int             `json:"totalRows"`
	Rows      []engine.Fields `json:"rows"`
}

// HealthResponse reports the server health.
type HealthResponse struct {
	Status  string      `json:"status"`
	Version string      `json:"version"`
	Queue   *QueueStats `json:"queue,omitempty"`
}

// QueueStats counts ingest items by state.
type QueueStats struct {
	Ready  int `json:"ready"`
	Leased int `json:"leased"`
	Dead   int `json:"dead"`
}
