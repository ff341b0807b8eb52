package engine

import (
	"fmt"

	"github.com/roach88/intentd/internal/model"
)

// DefaultMaxArtifacts is the per-execution artifact cap when the
// registration sets none. It keeps one runaway handler from flooding the
// durable tier and the WAL in a single transaction.
const DefaultMaxArtifacts = 256

// checkArtifactQuota rejects an execution that produced more artifacts than
// its registration allows. Exceeding the quota is a handler bug, so it is
// reported as HANDLER_ERROR.
func checkArtifactQuota(executionID string, produced, limit int) error {
	if limit <= 0 {
		limit = DefaultMaxArtifacts
	}
	if produced <= limit {
		return nil
	}
	return &model.Error{
		Code:        model.CodeHandler,
		Message:     "handler produced too many artifacts",
		ExecutionID: executionID,
		Err:         &QuotaExceededError{Produced: produced, Limit: limit},
	}
}

// QuotaExceededError carries the numbers behind a quota rejection.
type QuotaExceededError struct {
	Produced int
	Limit    int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("artifact quota exceeded: produced %d, limit %d", e.Produced, e.Limit)
}
