// Package graph implements the mail client against Microsoft Graph.
package graph

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/mailmind/mailsync/internal/auth"
	"github.com/mailmind/mailsync/internal/mailclient"
)

const folderPageCap = 250

var messageSelect = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"bccRecipients", "bodyPreview", "body", "importance", "isRead", "isDraft",
	"flag", "hasAttachments", "sentDateTime", "receivedDateTime", "parentFolderId",
}

// Adapter implements mailclient.Client for Microsoft Graph.
type Adapter struct {
	client             *msgraphsdk.GraphServiceClient
	adapter            abstractions.RequestAdapter
	tokens             auth.TokenSupplier
	userID             string
	includeAttachments bool
}

// New creates a Graph-backed client for one user's connected account. The
// credential consults the token supplier on every request, so the adapter
// never holds a token of its own.
func New(tokens auth.TokenSupplier, userID string, includeAttachments bool) (*Adapter, error) {
	cred := &supplierCredential{tokens: tokens, userID: userID}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("create Graph client: %w", err)
	}

	return &Adapter{
		client:             client,
		adapter:            client.GetAdapter(),
		tokens:             tokens,
		userID:             userID,
		includeAttachments: includeAttachments,
	}, nil
}

// ListFolders returns the account's mail folders in a single call.
func (a *Adapter) ListFolders(ctx context.Context) ([]mailclient.RemoteFolder, error) {
	var folders []mailclient.RemoteFolder

	err := a.withAuthRetry(ctx, func() error {
		cfg := &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{
				Top:    int32Ptr(folderPageCap),
				Select: []string{"id", "displayName", "totalItemCount", "unreadItemCount"},
			},
		}

		result, err := a.client.Users().ByUserId(a.userID).MailFolders().Get(ctx, cfg)
		if err != nil {
			return mapError(err)
		}

		folders = folders[:0]
		for _, f := range result.GetValue() {
			folder := mailclient.RemoteFolder{}
			if id := f.GetId(); id != nil {
				folder.ID = *id
			}
			if name := f.GetDisplayName(); name != nil {
				folder.DisplayName = *name
			}
			if n := f.GetTotalItemCount(); n != nil {
				folder.TotalItems = int(*n)
			}
			if n := f.GetUnreadItemCount(); n != nil {
				folder.UnreadItems = int(*n)
			}
			folders = append(folders, folder)
		}
		return nil
	})

	return folders, err
}

// ListMessages fetches one page of a folder, newest first. The returned
// continuation is the raw @odata.nextLink and resumes exactly where this
// page ended.
func (a *Adapter) ListMessages(ctx context.Context, folderID string, pageSize int, cont mailclient.ContinuationToken) (mailclient.Page, error) {
	var page mailclient.Page

	err := a.withAuthRetry(ctx, func() error {
		var result models.MessageCollectionResponseable
		var err error

		if cont.None() {
			cfg := &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
				QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
					Top:     int32Ptr(int32(pageSize)),
					Select:  messageSelect,
					Orderby: []string{"receivedDateTime desc"},
					Expand:  a.expand(),
				},
			}
			result, err = a.client.Users().ByUserId(a.userID).
				MailFolders().ByMailFolderId(folderID).
				Messages().Get(ctx, cfg)
		} else {
			builder := users.NewItemMailFoldersItemMessagesRequestBuilder(string(cont), a.adapter)
			result, err = builder.Get(ctx, nil)
		}
		if err != nil {
			return mapError(err)
		}

		page = mailclient.Page{Messages: normalizeAll(result.GetValue(), folderID)}
		if next := result.GetOdataNextLink(); next != nil {
			page.Next = mailclient.ContinuationToken(*next)
		}
		return nil
	})

	return page, err
}

// ListDeltaMessages walks the folder's change feed. Intermediate pages hand
// back the nextLink with HasMore set; the final page hands back the
// deltaLink that seeds the next incremental run.
func (a *Adapter) ListDeltaMessages(ctx context.Context, folderID string, cursor mailclient.ContinuationToken) (mailclient.DeltaPage, error) {
	var page mailclient.DeltaPage

	err := a.withAuthRetry(ctx, func() error {
		var result users.ItemMailFoldersItemMessagesDeltaGetResponseable
		var err error

		if cursor.None() {
			cfg := &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
				QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
					Select: messageSelect,
				},
			}
			result, err = a.client.Users().ByUserId(a.userID).
				MailFolders().ByMailFolderId(folderID).
				Messages().Delta().GetAsDeltaGetResponse(ctx, cfg)
		} else {
			builder := users.NewItemMailFoldersItemMessagesDeltaRequestBuilder(string(cursor), a.adapter)
			result, err = builder.GetAsDeltaGetResponse(ctx, nil)
		}
		if err != nil {
			return mapError(err)
		}

		page = mailclient.DeltaPage{Messages: normalizeAll(result.GetValue(), folderID)}
		if next := result.GetOdataNextLink(); next != nil {
			page.Next = mailclient.ContinuationToken(*next)
			page.HasMore = true
		} else if delta := result.GetOdataDeltaLink(); delta != nil {
			page.Next = mailclient.ContinuationToken(*delta)
		}
		return nil
	})

	return page, err
}

// CheckHealth probes the account identity.
func (a *Adapter) CheckHealth(ctx context.Context) error {
	return a.withAuthRetry(ctx, func() error {
		cfg := &users.UserItemRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.UserItemRequestBuilderGetQueryParameters{
				Select: []string{"id"},
			},
		}
		if _, err := a.client.Users().ByUserId(a.userID).Get(ctx, cfg); err != nil {
			return mapError(err)
		}
		return nil
	})
}

func (a *Adapter) expand() []string {
	if a.includeAttachments {
		return []string{"attachments($select=id)"}
	}
	return nil
}

// withAuthRetry runs the call, forcing one token refresh and one retry when
// the provider rejects the token it was handed.
func (a *Adapter) withAuthRetry(ctx context.Context, call func() error) error {
	err := call()
	if !errors.Is(err, mailclient.ErrAuthExpired) {
		return err
	}

	if _, rerr := a.tokens.Refresh(ctx, auth.ProviderMicrosoft, a.userID); rerr != nil {
		return fmt.Errorf("%w: refresh failed: %v", mailclient.ErrAuthExpired, rerr)
	}
	return call()
}

func normalizeAll(msgs []models.Messageable, folderID string) []mailclient.NormalizedMessage {
	out := make([]mailclient.NormalizedMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || m.GetId() == nil {
			continue
		}
		// delta feeds report deletions as tombstones
		if data := m.GetAdditionalData(); data != nil {
			if _, removed := data["@removed"]; removed {
				continue
			}
		}
		out = append(out, normalize(m, folderID))
	}
	return out
}

func normalize(m models.Messageable, folderID string) mailclient.NormalizedMessage {
	msg := mailclient.NormalizedMessage{FolderID: folderID}

	if id := m.GetId(); id != nil {
		msg.ProviderMessageID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		msg.ConversationID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		msg.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil && addr.GetAddress() != nil {
			msg.Sender = *addr.GetAddress()
		}
	}
	msg.To = extractAddresses(m.GetToRecipients())
	msg.Cc = extractAddresses(m.GetCcRecipients())
	msg.Bcc = extractAddresses(m.GetBccRecipients())

	if body := m.GetBody(); body != nil && body.GetContent() != nil {
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			msg.BodyHTML = *body.GetContent()
		} else {
			msg.BodyText = *body.GetContent()
		}
	}
	if preview := m.GetBodyPreview(); preview != nil {
		msg.Preview = *preview
	}
	if imp := m.GetImportance(); imp != nil {
		msg.Importance = imp.String()
	}
	if read := m.GetIsRead(); read != nil {
		msg.IsRead = *read
	}
	if draft := m.GetIsDraft(); draft != nil {
		msg.IsDraft = *draft
	}
	if flag := m.GetFlag(); flag != nil {
		if status := flag.GetFlagStatus(); status != nil && *status == models.FLAGGED_FOLLOWUPFLAGSTATUS {
			msg.IsFlagged = true
		}
	}
	if has := m.GetHasAttachments(); has != nil {
		msg.HasAttachments = *has
	}
	if atts := m.GetAttachments(); atts != nil {
		msg.AttachmentCount = len(atts)
		if msg.AttachmentCount > 0 {
			msg.HasAttachments = true
		}
	}
	if sent := m.GetSentDateTime(); sent != nil {
		msg.SentAt = *sent
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.ReceivedAt = *rcvd
	}
	if parent := m.GetParentFolderId(); parent != nil {
		msg.FolderID = *parent
	}

	mailclient.Finalize(&msg)
	return msg
}

func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if addr := r.GetEmailAddress(); addr != nil && addr.GetAddress() != nil {
			addrs = append(addrs, *addr.GetAddress())
		}
	}
	return addrs
}

// mapError translates Graph failures into the client error taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		status := oerr.ResponseStatusCode
		switch {
		case status == 401:
			return fmt.Errorf("%w: %s", mailclient.ErrAuthExpired, oerr.Error())
		case status >= 500:
			return &mailclient.ProviderUnavailable{Cause: err}
		default:
			return &mailclient.ProviderError{Status: status, Message: oerr.Error()}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &mailclient.ProviderUnavailable{Cause: err}
	}

	return &mailclient.ProviderError{Status: 0, Message: err.Error()}
}

// supplierCredential bridges the token supplier into the Azure credential
// interface so every Graph request carries a freshly validated token.
type supplierCredential struct {
	tokens auth.TokenSupplier
	userID string
}

func (c *supplierCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.tokens.Token(ctx, auth.ProviderMicrosoft, c.userID)
	if err != nil {
		return azcore.AccessToken{}, err
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expiry}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}
