package models

import "time"

// Result outcome values for a site in a batch
const (
	ResultLive    = "live"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Result is the outcome of one site in a batch
type Result struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// BatchReport aggregates the outcome of a batch deployment
type BatchReport struct {
	ID         string            `json:"batch_id"`
	Results    map[string]Result `json:"results"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// BatchProgress is a live snapshot of the running (or last) batch
type BatchProgress struct {
	BatchID    string `json:"batch_id"`
	Running    bool   `json:"running"`
	Total      int    `json:"total"`
	Pending    int    `json:"pending"`
	InProgress int    `json:"in_progress"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
}
