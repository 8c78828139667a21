package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Run is one row of sync_operations.
type Run struct {
	ID             string
	AccountID      string
	OperationType  string // full | delta
	Status         string
	StartedAt      time.Time
	CompletedAt    *time.Time
	TotalItems     int
	ProcessedItems int
	FailedItems    int
	ResultSummary  map[string]any
	ErrorDetails   string
}

// CreateRun inserts the bookkeeping row for a starting run.
func (s *Store) CreateRun(ctx context.Context, run Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_operations (id, account_id, operation_type, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`, run.ID, run.AccountID, run.OperationType, run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun records the terminal state and result summary of a run.
func (s *Store) FinishRun(ctx context.Context, run Run) error {
	summary, err := json.Marshal(run.ResultSummary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE sync_operations SET
			status = $2,
			completed_at = $3,
			total_items = $4,
			processed_items = $5,
			failed_items = $6,
			result_summary = $7,
			error_details = $8
		WHERE id = $1
	`, run.ID, run.Status, run.CompletedAt, run.TotalItems,
		run.ProcessedItems, run.FailedItems, summary, run.ErrorDetails)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// UpdateAccountSyncState stamps the account after a run finishes. The error
// count accumulates across runs and resets on a clean one.
func (s *Store) UpdateAccountSyncState(ctx context.Context, accountID, status string, syncedAt time.Time, errCount int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_accounts SET
			last_sync_at = $2,
			sync_status = $3,
			error_count = CASE WHEN $4 = 0 THEN 0 ELSE error_count + $4 END
		WHERE id = $1
	`, accountID, syncedAt, status, errCount)
	if err != nil {
		return fmt.Errorf("update account sync state: %w", err)
	}
	return nil
}

// LoadDeltaCursor returns the stored cursor for (account, folder), empty
// when no incremental chain exists yet.
func (s *Store) LoadDeltaCursor(ctx context.Context, accountID, folderID string) (string, error) {
	var cursor string
	err := s.pool.QueryRow(ctx, `
		SELECT cursor FROM sync_cursors WHERE account_id = $1 AND folder_id = $2
	`, accountID, folderID).Scan(&cursor)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("load delta cursor: %w", err)
	}
	return cursor, nil
}

// SaveDeltaCursor stores the cursor that seeds the next incremental run.
func (s *Store) SaveDeltaCursor(ctx context.Context, accountID, folderID, cursor string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (account_id, folder_id, cursor, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (account_id, folder_id) DO UPDATE SET
			cursor = EXCLUDED.cursor,
			updated_at = now()
	`, accountID, folderID, cursor)
	if err != nil {
		return fmt.Errorf("save delta cursor: %w", err)
	}
	return nil
}

// ClearDeltaCursors drops an account's cursors so a full run restarts the
// incremental chains.
func (s *Store) ClearDeltaCursors(ctx context.Context, accountID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM sync_cursors WHERE account_id = $1
	`, accountID)
	if err != nil {
		return fmt.Errorf("clear delta cursors: %w", err)
	}
	return nil
}
