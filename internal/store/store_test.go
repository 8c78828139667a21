package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mailmind/mailsync/internal/mailclient"
)

// testStore connects to the database named by TEST_DATABASE_URL and applies
// the schema. Tests are skipped when the variable is unset.
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	for _, table := range []string{"emails", "sync_operations", "sync_cursors", "email_accounts"} {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}

	return NewWithPool(pool, zap.NewNop())
}

func sampleMessage(id string) mailclient.NormalizedMessage {
	return mailclient.NormalizedMessage{
		ProviderMessageID: id,
		Subject:           "original subject",
		Sender:            "alice@example.com",
		To:                []string{"bob@example.com"},
		BodyText:          "hello",
		Importance:        "normal",
		SentAt:            time.Now().Add(-time.Minute),
		ReceivedAt:        time.Now(),
		FolderID:          "inbox",
	}
}

func TestStoreBatchCreateThenUpdate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	msgs := []mailclient.NormalizedMessage{sampleMessage("m-1"), sampleMessage("m-2")}
	res, err := s.StoreBatch(ctx, "acct-1", msgs)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if res.Created != 2 || res.Updated != 0 || len(res.ItemErrors) != 0 {
		t.Fatalf("first batch: %+v", res)
	}

	// replaying the same page updates instead of duplicating
	msgs[0].Subject = "changed subject"
	msgs[0].IsRead = true
	res, err = s.StoreBatch(ctx, "acct-1", msgs)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Created != 0 || res.Updated != 2 {
		t.Fatalf("replay batch: %+v", res)
	}

	var subject string
	var isRead bool
	err = s.pool.QueryRow(ctx, `
		SELECT subject, is_read FROM emails
		WHERE account_id = 'acct-1' AND provider_message_id = 'm-1'
	`).Scan(&subject, &isRead)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if subject != "changed subject" || !isRead {
		t.Fatalf("update not applied: subject=%q is_read=%v", subject, isRead)
	}

	// the same message id under another account is a distinct row
	res, err = s.StoreBatch(ctx, "acct-2", msgs[:1])
	if err != nil {
		t.Fatalf("second account: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("second account batch: %+v", res)
	}
}

func TestStoreBatchEmpty(t *testing.T) {
	s := testStore(t)
	res, err := s.StoreBatch(context.Background(), "acct-1", nil)
	if err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if res.Created != 0 || res.Updated != 0 {
		t.Fatalf("empty batch result: %+v", res)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	started := time.Now().Truncate(time.Millisecond)
	run := Run{
		ID:            "run-1",
		AccountID:     "acct-1",
		OperationType: "full",
		Status:        "pending",
		StartedAt:     started,
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	completed := started.Add(time.Minute)
	run.Status = "completed"
	run.CompletedAt = &completed
	run.TotalItems = 100
	run.ProcessedItems = 100
	run.ResultSummary = map[string]any{"success": true, "created": 90}
	if err := s.FinishRun(ctx, run); err != nil {
		t.Fatalf("finish: %v", err)
	}

	var status string
	var processed int
	err := s.pool.QueryRow(ctx, `
		SELECT status, processed_items FROM sync_operations WHERE id = 'run-1'
	`).Scan(&status, &processed)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if status != "completed" || processed != 100 {
		t.Fatalf("run row: status=%q processed=%d", status, processed)
	}
}

func TestDeltaCursorRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cursor, err := s.LoadDeltaCursor(ctx, "acct-1", "inbox")
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if cursor != "" {
		t.Fatalf("expected no cursor, got %q", cursor)
	}

	if err := s.SaveDeltaCursor(ctx, "acct-1", "inbox", "cursor-a"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveDeltaCursor(ctx, "acct-1", "inbox", "cursor-b"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	cursor, err = s.LoadDeltaCursor(ctx, "acct-1", "inbox")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cursor != "cursor-b" {
		t.Fatalf("cursor = %q, want the latest", cursor)
	}

	if err := s.ClearDeltaCursors(ctx, "acct-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	cursor, _ = s.LoadDeltaCursor(ctx, "acct-1", "inbox")
	if cursor != "" {
		t.Fatalf("cursor survived clear: %q", cursor)
	}
}
