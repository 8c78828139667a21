package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mailmind/mailsync/internal/mailclient"
)

// ItemError records one message that could not be stored.
type ItemError struct {
	ProviderMessageID string
	Reason            string
}

// BatchResult reports the per-item outcome of one batch store.
type BatchResult struct {
	Created    int
	Updated    int
	ItemErrors []ItemError
}

const upsertEmail = `
INSERT INTO emails (
    account_id, provider_message_id, conversation_id, subject, sender,
    to_addrs, cc_addrs, bcc_addrs, body_text, body_html, preview,
    importance, is_read, is_flagged, is_draft, has_attachments,
    attachment_count, sent_at, received_at, folder_id
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
    $11, $12, $13, $14, $15, $16, $17, $18, $19, $20
)
ON CONFLICT (account_id, provider_message_id) DO UPDATE SET
    subject    = EXCLUDED.subject,
    is_read    = EXCLUDED.is_read,
    importance = EXCLUDED.importance,
    updated_at = now()
RETURNING (xmax = 0) AS inserted
`

// StoreBatch upserts a page of messages in a single transaction. The
// provider message id is the natural key: replays update instead of
// duplicate. A failed message rolls back only its own savepoint; the
// transaction still commits the rest. If the commit itself fails the whole
// batch is reported failed and is safe to retry in full.
func (s *Store) StoreBatch(ctx context.Context, accountID string, msgs []mailclient.NormalizedMessage) (BatchResult, error) {
	var result BatchResult
	if len(msgs) == 0 {
		return result, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, m := range msgs {
		// nested Begin opens a savepoint, isolating this message's failure
		sp, err := tx.Begin(ctx)
		if err != nil {
			return BatchResult{}, fmt.Errorf("savepoint: %w", err)
		}

		var inserted bool
		err = sp.QueryRow(ctx, upsertEmail,
			accountID, m.ProviderMessageID, m.ConversationID, m.Subject, m.Sender,
			m.To, m.Cc, m.Bcc, m.BodyText, m.BodyHTML, m.Preview,
			m.Importance, m.IsRead, m.IsFlagged, m.IsDraft, m.HasAttachments,
			m.AttachmentCount, m.SentAt, m.ReceivedAt, m.FolderID,
		).Scan(&inserted)

		if err != nil {
			_ = sp.Rollback(ctx)
			result.ItemErrors = append(result.ItemErrors, ItemError{
				ProviderMessageID: m.ProviderMessageID,
				Reason:            err.Error(),
			})
			s.logger.Warn("message upsert failed",
				zap.String("account_id", accountID),
				zap.String("provider_message_id", m.ProviderMessageID),
				zap.Error(err),
			)
			continue
		}

		if err := sp.Commit(ctx); err != nil {
			return BatchResult{}, fmt.Errorf("release savepoint: %w", err)
		}

		if inserted {
			result.Created++
		} else {
			result.Updated++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return BatchResult{}, fmt.Errorf("commit batch: %w", err)
	}
	return result, nil
}
