package engine

import (
	"context"
	"database/sql"
)

// SetBeforePipelineStore installs fn to run inside the transaction right before a pipeline
// item is written.
func SetBeforePipelineStore(e *Engine, fn func(ctx context.Context, tx *sql.Tx, accountID int64) error) {
	e.testHookBeforeStore = fn
}
