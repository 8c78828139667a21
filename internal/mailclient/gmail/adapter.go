// Package gmail implements the mail client against the Gmail API. Labels
// stand in for folders, pageToken is the pagination continuation, and the
// mailbox history id is the delta cursor.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mailmind/mailsync/internal/auth"
	"github.com/mailmind/mailsync/internal/mailclient"
)

// Adapter implements mailclient.Client for Gmail.
type Adapter struct {
	svc    *gmailapi.Service
	tokens auth.TokenSupplier
	userID string
}

// New creates a Gmail-backed client for one user's connected account.
func New(ctx context.Context, tokens auth.TokenSupplier, userID string) (*Adapter, error) {
	ts := &supplierSource{ctx: ctx, tokens: tokens, userID: userID}

	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(oauth2.ReuseTokenSource(nil, ts)))
	if err != nil {
		return nil, fmt.Errorf("create Gmail service: %w", err)
	}

	return &Adapter{svc: svc, tokens: tokens, userID: userID}, nil
}

// ListFolders maps Gmail labels to folders. Label listing carries no counts,
// so each label is fetched once to fill them in.
func (a *Adapter) ListFolders(ctx context.Context) ([]mailclient.RemoteFolder, error) {
	var folders []mailclient.RemoteFolder

	err := a.withAuthRetry(ctx, func() error {
		list, err := a.svc.Users.Labels.List(a.userID).Context(ctx).Do()
		if err != nil {
			return mapError(err)
		}

		folders = folders[:0]
		for _, l := range list.Labels {
			detail, err := a.svc.Users.Labels.Get(a.userID, l.Id).Context(ctx).Do()
			if err != nil {
				return mapError(err)
			}
			folders = append(folders, mailclient.RemoteFolder{
				ID:          detail.Id,
				DisplayName: detail.Name,
				TotalItems:  int(detail.MessagesTotal),
				UnreadItems: int(detail.MessagesUnread),
			})
		}
		return nil
	})

	return folders, err
}

// ListMessages fetches one page of a label, newest first (Gmail's default
// listing order). The continuation is the raw pageToken.
func (a *Adapter) ListMessages(ctx context.Context, folderID string, pageSize int, cont mailclient.ContinuationToken) (mailclient.Page, error) {
	var page mailclient.Page

	err := a.withAuthRetry(ctx, func() error {
		call := a.svc.Users.Messages.List(a.userID).
			LabelIds(folderID).
			MaxResults(int64(pageSize)).
			IncludeSpamTrash(false).
			Context(ctx)
		if !cont.None() {
			call = call.PageToken(string(cont))
		}

		list, err := call.Do()
		if err != nil {
			return mapError(err)
		}

		page = mailclient.Page{Next: mailclient.ContinuationToken(list.NextPageToken)}
		page.Messages, err = a.fetchAll(ctx, list.Messages, folderID)
		return err
	})

	return page, err
}

// ListDeltaMessages lists changes since the history-id cursor. Intermediate
// pages encode "historyID|pageToken"; the final page hands back the newest
// history id as the next cursor. An expired history id restarts the chain
// from the current mailbox state instead of failing the folder.
func (a *Adapter) ListDeltaMessages(ctx context.Context, folderID string, cursor mailclient.ContinuationToken) (mailclient.DeltaPage, error) {
	var page mailclient.DeltaPage

	err := a.withAuthRetry(ctx, func() error {
		startID, pageToken, err := parseDeltaCursor(cursor)
		if err != nil {
			return err
		}

		if startID == 0 {
			// new chain: anchor at the mailbox's current history id
			profile, err := a.svc.Users.GetProfile(a.userID).Context(ctx).Do()
			if err != nil {
				return mapError(err)
			}
			page = mailclient.DeltaPage{
				Next: mailclient.ContinuationToken(strconv.FormatUint(profile.HistoryId, 10)),
			}
			return nil
		}

		call := a.svc.Users.History.List(a.userID).
			StartHistoryId(startID).
			LabelId(folderID).
			HistoryTypes("messageAdded").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		list, err := call.Do()
		if err != nil {
			var gerr *googleapi.Error
			if errors.As(err, &gerr) && gerr.Code == 404 {
				// history expired; restart the chain from now
				profile, perr := a.svc.Users.GetProfile(a.userID).Context(ctx).Do()
				if perr != nil {
					return mapError(perr)
				}
				page = mailclient.DeltaPage{
					Next: mailclient.ContinuationToken(strconv.FormatUint(profile.HistoryId, 10)),
				}
				return nil
			}
			return mapError(err)
		}

		latest := startID
		if list.HistoryId > latest {
			latest = list.HistoryId
		}

		var refs []*gmailapi.Message
		seen := make(map[string]bool)
		for _, h := range list.History {
			if h.Id > latest {
				latest = h.Id
			}
			for _, added := range h.MessagesAdded {
				if added.Message == nil || seen[added.Message.Id] {
					continue
				}
				seen[added.Message.Id] = true
				refs = append(refs, added.Message)
			}
		}

		page = mailclient.DeltaPage{}
		page.Messages, err = a.fetchAll(ctx, refs, folderID)
		if err != nil {
			return err
		}

		if list.NextPageToken != "" {
			page.Next = mailclient.ContinuationToken(fmt.Sprintf("%d|%s", startID, list.NextPageToken))
			page.HasMore = true
		} else {
			page.Next = mailclient.ContinuationToken(strconv.FormatUint(latest, 10))
		}
		return nil
	})

	return page, err
}

// CheckHealth probes the account profile.
func (a *Adapter) CheckHealth(ctx context.Context) error {
	return a.withAuthRetry(ctx, func() error {
		if _, err := a.svc.Users.GetProfile(a.userID).Context(ctx).Do(); err != nil {
			return mapError(err)
		}
		return nil
	})
}

func (a *Adapter) fetchAll(ctx context.Context, refs []*gmailapi.Message, folderID string) ([]mailclient.NormalizedMessage, error) {
	msgs := make([]mailclient.NormalizedMessage, 0, len(refs))
	for _, ref := range refs {
		full, err := a.svc.Users.Messages.Get(a.userID, ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			return nil, mapError(err)
		}
		msgs = append(msgs, normalize(full, folderID))
	}
	return msgs, nil
}

func (a *Adapter) withAuthRetry(ctx context.Context, call func() error) error {
	err := call()
	if !errors.Is(err, mailclient.ErrAuthExpired) {
		return err
	}

	if _, rerr := a.tokens.Refresh(ctx, auth.ProviderGoogle, a.userID); rerr != nil {
		return fmt.Errorf("%w: refresh failed: %v", mailclient.ErrAuthExpired, rerr)
	}
	return call()
}

func parseDeltaCursor(cursor mailclient.ContinuationToken) (uint64, string, error) {
	if cursor.None() {
		return 0, "", nil
	}
	raw := string(cursor)
	var pageToken string
	if idx := strings.IndexByte(raw, '|'); idx >= 0 {
		pageToken = raw[idx+1:]
		raw = raw[:idx]
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, "", &mailclient.ProviderError{Status: 0, Message: "invalid history cursor: " + raw}
	}
	return id, pageToken, nil
}

func normalize(m *gmailapi.Message, folderID string) mailclient.NormalizedMessage {
	msg := mailclient.NormalizedMessage{
		ProviderMessageID: m.Id,
		ConversationID:    m.ThreadId,
		FolderID:          folderID,
		Preview:           m.Snippet,
		Importance:        "normal",
		IsRead:            true,
		ReceivedAt:        time.UnixMilli(m.InternalDate),
		SentAt:            time.UnixMilli(m.InternalDate),
	}

	for _, label := range m.LabelIds {
		switch label {
		case "UNREAD":
			msg.IsRead = false
		case "STARRED":
			msg.IsFlagged = true
		case "DRAFT":
			msg.IsDraft = true
		}
	}

	if m.Payload != nil {
		headers := make(map[string]string, len(m.Payload.Headers))
		for _, h := range m.Payload.Headers {
			headers[strings.ToLower(h.Name)] = h.Value
		}

		msg.Subject = headers["subject"]
		msg.Sender = headers["from"]
		msg.To = splitAddrs(headers["to"])
		msg.Cc = splitAddrs(headers["cc"])
		msg.Bcc = splitAddrs(headers["bcc"])
		msg.Importance = importanceFrom(headers)

		if date, err := mail.ParseDate(headers["date"]); err == nil {
			msg.SentAt = date
		}

		collectParts(m.Payload, &msg)
	}

	msg.HasAttachments = msg.AttachmentCount > 0
	mailclient.Finalize(&msg)
	return msg
}

// collectParts walks the MIME tree for bodies and attachment counts.
func collectParts(part *gmailapi.MessagePart, msg *mailclient.NormalizedMessage) {
	if part == nil {
		return
	}

	if part.Filename != "" {
		msg.AttachmentCount++
	} else if part.Body != nil && part.Body.Data != "" {
		if decoded, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
			switch part.MimeType {
			case "text/plain":
				if msg.BodyText == "" {
					msg.BodyText = string(decoded)
				}
			case "text/html":
				if msg.BodyHTML == "" {
					msg.BodyHTML = string(decoded)
				}
			}
		}
	}

	for _, child := range part.Parts {
		collectParts(child, msg)
	}
}

func importanceFrom(headers map[string]string) string {
	if imp := strings.ToLower(headers["importance"]); imp == "high" || imp == "low" {
		return imp
	}
	switch headers["x-priority"] {
	case "1", "2":
		return "high"
	case "4", "5":
		return "low"
	}
	return "normal"
}

func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func mapError(err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401:
			return fmt.Errorf("%w: %s", mailclient.ErrAuthExpired, gerr.Message)
		case gerr.Code >= 500:
			return &mailclient.ProviderUnavailable{Cause: err}
		default:
			return &mailclient.ProviderError{Status: gerr.Code, Message: gerr.Message}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &mailclient.ProviderUnavailable{Cause: err}
	}

	return &mailclient.ProviderError{Status: 0, Message: err.Error()}
}

// supplierSource feeds the OAuth2 transport from the token supplier so each
// refresh cycle picks up whatever the account service currently holds.
type supplierSource struct {
	ctx    context.Context
	tokens auth.TokenSupplier
	userID string
}

func (s *supplierSource) Token() (*oauth2.Token, error) {
	tok, err := s.tokens.Token(s.ctx, auth.ProviderGoogle, s.userID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}
