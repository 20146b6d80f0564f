package change

import (
	"math"
	"net/http"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Request identifies the branch to change and the change to make.
type Request struct {
	ProjectID     string
	BranchID      string
	ChangeRequest string
}

// Metadata echoes the request.
type Metadata struct {
	ProjectID     string `json:"project_id"`
	BranchID      string `json:"branch_id"`
	ChangeRequest string `json:"change_request"`
	Timestamp     string `json:"timestamp"`
}

// Tokens reports input sizes of the retrieval context and of the full model
// dump, and the size of the returned operation batch.
type Tokens struct {
	InputApproach    int     `json:"input_approach"`
	InputNaive       int     `json:"input_naive"`
	Output           int     `json:"output"`
	ReductionPercent float64 `json:"reduction_percent"`
}

// LogEntry is one human-readable line about a dispatched operation.
type LogEntry struct {
	Message string `json:"message"`
}

// Result is the outcome of one change request. Tokens is nil on error.
type Result struct {
	Status                string     `json:"status"`
	RunID                 string     `json:"run_id"`
	Metadata              Metadata   `json:"metadata"`
	ProcessingTimeSeconds float64    `json:"processing_time_seconds"`
	Tokens                *Tokens    `json:"tokens,omitempty"`
	CommitID              string     `json:"commit_id,omitempty"`
	Error                 string     `json:"error,omitempty"`
	Logs                  []LogEntry `json:"logs"`
}

// HTTPStatus maps the result to 200 or 500.
func (r *Result) HTTPStatus() int {
	if r.Status == StatusSuccess {
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

// Reduction returns how much smaller the retrieval input is than the naive
// input, in percent rounded to two decimals. It is 0 when naive <= 0 or the
// retrieval input is not smaller.
func Reduction(naive, approach int) float64 {
	if naive <= 0 || approach >= naive {
		return 0
	}
	return round(float64(naive-approach)/float64(naive)*100, 2)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
