package http

import (
	"github.com/fyrsmithlabs/rund/internal/ledger"
	"github.com/fyrsmithlabs/rund/internal/orc"
	"github.com/fyrsmithlabs/rund/internal/queue"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// RunDetail is the response body for GET /v1/runs/:id. Tasks carry their
// steps inline so a single request shows the whole execution tree.
type RunDetail struct {
	Run   *orc.Run     `json:"run"`
	Tasks []TaskDetail `json:"tasks"`
}

// TaskDetail is a task with its steps.
type TaskDetail struct {
	Task  *orc.Task   `json:"task"`
	Steps []*orc.Step `json:"steps"`
}

// ArtifactsResponse is the response body for GET /v1/runs/:id/artifacts.
type ArtifactsResponse struct {
	Artifacts []*orc.Artifact `json:"artifacts"`
}

// EntriesResponse is the response body for GET /v1/runs/:id/ledger.
type EntriesResponse struct {
	Entries []*ledger.Entry `json:"entries"`
}

// DepositRequest is the request body for POST /v1/orgs/:id/deposit.
type DepositRequest struct {
	Amount int64 `json:"amount"`
}

// DeadLettersResponse is the response body for GET /v1/deadletters.
type DeadLettersResponse struct {
	DeadLetters []*queue.DeadLetter `json:"dead_letters"`
}

// StatusResponse is the response body for GET /v1/status.
type StatusResponse struct {
	Status  string         `json:"status"`
	Runs    map[string]int `json:"runs"`
	Queue   map[string]int `json:"queue"`
	Workers int            `json:"workers"`
}
