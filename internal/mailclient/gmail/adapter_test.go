package gmail

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/mailmind/mailsync/internal/mailclient"
)

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func TestNormalize(t *testing.T) {
	m := &gmailapi.Message{
		Id:           "msg-1",
		ThreadId:     "thread-1",
		Snippet:      "a snippet",
		InternalDate: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		LabelIds:     []string{"INBOX", "UNREAD", "STARRED"},
		Payload: &gmailapi.MessagePart{
			MimeType: "multipart/mixed",
			Headers: []*gmailapi.MessagePartHeader{
				{Name: "Subject", Value: "quarterly numbers"},
				{Name: "From", Value: "alice@example.com"},
				{Name: "To", Value: "bob@example.com, carol@example.com"},
				{Name: "Cc", Value: "dave@example.com"},
				{Name: "Date", Value: "Sun, 01 Mar 2026 11:58:00 +0000"},
				{Name: "Importance", Value: "High"},
			},
			Parts: []*gmailapi.MessagePart{
				{
					MimeType: "text/plain",
					Body:     &gmailapi.MessagePartBody{Data: b64("plain body")},
				},
				{
					MimeType: "text/html",
					Body:     &gmailapi.MessagePartBody{Data: b64("<p>html body</p>")},
				},
				{
					MimeType: "application/pdf",
					Filename: "report.pdf",
					Body:     &gmailapi.MessagePartBody{AttachmentId: "att-1"},
				},
			},
		},
	}

	got := normalize(m, "INBOX")

	if got.ProviderMessageID != "msg-1" || got.ConversationID != "thread-1" {
		t.Fatalf("ids: %+v", got)
	}
	if got.Subject != "quarterly numbers" || got.Sender != "alice@example.com" {
		t.Fatalf("headers: subject=%q sender=%q", got.Subject, got.Sender)
	}
	if len(got.To) != 2 || got.To[1] != "carol@example.com" {
		t.Fatalf("to = %v", got.To)
	}
	if len(got.Cc) != 1 {
		t.Fatalf("cc = %v", got.Cc)
	}
	if got.BodyText != "plain body" || got.BodyHTML != "<p>html body</p>" {
		t.Fatalf("bodies: text=%q html=%q", got.BodyText, got.BodyHTML)
	}
	if got.Preview != "a snippet" {
		t.Fatalf("preview = %q", got.Preview)
	}
	if got.Importance != "high" {
		t.Fatalf("importance = %q", got.Importance)
	}
	if got.IsRead {
		t.Fatal("UNREAD label must clear IsRead")
	}
	if !got.IsFlagged {
		t.Fatal("STARRED label must set IsFlagged")
	}
	if got.IsDraft {
		t.Fatal("message is not a draft")
	}
	if !got.HasAttachments || got.AttachmentCount != 1 {
		t.Fatalf("attachments: has=%v count=%d", got.HasAttachments, got.AttachmentCount)
	}
	if got.SentAt.Format("15:04") != "11:58" {
		t.Fatalf("sent at = %v, want the Date header", got.SentAt)
	}
	if got.FolderID != "INBOX" {
		t.Fatalf("folder = %q", got.FolderID)
	}
}

func TestNormalizeBareMessage(t *testing.T) {
	got := normalize(&gmailapi.Message{Id: "m", InternalDate: 1000}, "SENT")
	if !got.IsRead {
		t.Fatal("without UNREAD the message counts as read")
	}
	if got.Importance != "normal" {
		t.Fatalf("importance = %q", got.Importance)
	}
	if got.HasAttachments {
		t.Fatal("no attachments expected")
	}
}

func TestParseDeltaCursor(t *testing.T) {
	cases := []struct {
		name      string
		in        mailclient.ContinuationToken
		wantID    uint64
		wantToken string
		wantErr   bool
	}{
		{"empty", "", 0, "", false},
		{"history only", "12345", 12345, "", false},
		{"history and page", "12345|tok-9", 12345, "tok-9", false},
		{"garbage", "not-a-number", 0, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, token, err := parseDeltaCursor(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if id != tc.wantID || token != tc.wantToken {
				t.Fatalf("got (%d, %q)", id, token)
			}
		})
	}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name  string
		in    error
		check func(t *testing.T, out error)
	}{
		{
			name: "401 becomes auth expired",
			in:   &googleapi.Error{Code: 401, Message: "invalid credentials"},
			check: func(t *testing.T, out error) {
				if !errors.Is(out, mailclient.ErrAuthExpired) {
					t.Fatalf("got %v", out)
				}
			},
		},
		{
			name: "503 is transient",
			in:   &googleapi.Error{Code: 503, Message: "backend error"},
			check: func(t *testing.T, out error) {
				if !mailclient.IsTransient(out) {
					t.Fatalf("got %v", out)
				}
			},
		},
		{
			name: "429 is a provider error",
			in:   &googleapi.Error{Code: 429, Message: "rate limited"},
			check: func(t *testing.T, out error) {
				var perr *mailclient.ProviderError
				if !errors.As(out, &perr) || perr.Status != 429 {
					t.Fatalf("got %v", out)
				}
				if mailclient.IsFatal(out) {
					t.Fatal("rate limiting must not abort the run")
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.check(t, mapError(tc.in))
		})
	}
}

func TestImportanceFrom(t *testing.T) {
	cases := []struct {
		headers map[string]string
		want    string
	}{
		{map[string]string{"importance": "high"}, "high"},
		{map[string]string{"importance": "low"}, "low"},
		{map[string]string{"x-priority": "1"}, "high"},
		{map[string]string{"x-priority": "5"}, "low"},
		{map[string]string{"x-priority": "3"}, "normal"},
		{map[string]string{}, "normal"},
	}
	for _, tc := range cases {
		if got := importanceFrom(tc.headers); got != tc.want {
			t.Errorf("importanceFrom(%v) = %q, want %q", tc.headers, got, tc.want)
		}
	}
}
