// Package mailclient hides provider REST, pagination and delta mechanics
// behind a small interface. Continuations are opaque: a Graph nextLink, a
// Gmail pageToken, or a delta cursor all round-trip through the same type
// and are never parsed outside the adapter that produced them.
package mailclient

import (
	"context"
	"time"
)

// ContinuationToken marks where a paginated or delta listing resumes.
// The empty token means the listing is exhausted.
type ContinuationToken string

// None reports whether the token signals "no more pages".
func (t ContinuationToken) None() bool { return t == "" }

// RemoteFolder is a provider-reported mailbox folder.
type RemoteFolder struct {
	ID          string
	DisplayName string
	TotalItems  int
	UnreadItems int
}

// NormalizedMessage is the canonical representation of one provider message.
// Constructed fresh per page and never mutated afterwards.
type NormalizedMessage struct {
	ProviderMessageID string
	ConversationID    string
	Subject           string
	Sender            string
	To                []string
	Cc                []string
	Bcc               []string
	BodyText          string
	BodyHTML          string
	Preview           string
	Importance        string
	IsRead            bool
	IsFlagged         bool
	IsDraft           bool
	HasAttachments    bool
	AttachmentCount   int
	SentAt            time.Time
	ReceivedAt        time.Time
	FolderID          string
}

// Page is one page of a folder listing.
type Page struct {
	Messages []NormalizedMessage
	Next     ContinuationToken
}

// DeltaPage is one page of a change-feed listing. Next is the intermediate
// continuation while HasMore is true; once the feed is drained Next carries
// the delta cursor that seeds the following incremental run.
type DeltaPage struct {
	Messages []NormalizedMessage
	Next     ContinuationToken
	HasMore  bool
}

// Client is the provider-agnostic mail client. Every call obtains a fresh
// token from the token supplier; a 401-class rejection is retried once
// after a forced refresh before surfacing ErrAuthExpired.
type Client interface {
	// ListFolders returns the account's folders in a single call.
	ListFolders(ctx context.Context) ([]RemoteFolder, error)

	// ListMessages returns one page ordered by received time descending.
	// Pass the previous page's continuation to resume; empty starts over.
	ListMessages(ctx context.Context, folderID string, pageSize int, cont ContinuationToken) (Page, error)

	// ListDeltaMessages returns changes since the cursor. An empty cursor
	// starts a new delta chain over the folder.
	ListDeltaMessages(ctx context.Context, folderID string, cursor ContinuationToken) (DeltaPage, error)

	// CheckHealth probes the account identity so a run can fail fast on an
	// unrecoverable credential problem.
	CheckHealth(ctx context.Context) error
}
