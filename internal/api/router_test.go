package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mailmind/mailsync/internal/auth"
	"github.com/mailmind/mailsync/internal/mailclient"
	"github.com/mailmind/mailsync/internal/store"
	"github.com/mailmind/mailsync/internal/syncer"
)

type stubTokens struct{}

func (stubTokens) Token(ctx context.Context, p auth.Provider, userID string) (*auth.Token, error) {
	return &auth.Token{AccessToken: "t"}, nil
}

func (stubTokens) Refresh(ctx context.Context, p auth.Provider, userID string) (*auth.Token, error) {
	return &auth.Token{AccessToken: "t"}, nil
}

type stubClient struct{}

func (stubClient) ListFolders(ctx context.Context) ([]mailclient.RemoteFolder, error) {
	return []mailclient.RemoteFolder{{ID: "f1", DisplayName: "Inbox", TotalItems: 1}}, nil
}

func (stubClient) ListMessages(ctx context.Context, folderID string, pageSize int, cont mailclient.ContinuationToken) (mailclient.Page, error) {
	return mailclient.Page{Messages: []mailclient.NormalizedMessage{{ProviderMessageID: "m-1"}}}, nil
}

func (stubClient) ListDeltaMessages(ctx context.Context, folderID string, cursor mailclient.ContinuationToken) (mailclient.DeltaPage, error) {
	return mailclient.DeltaPage{}, nil
}

func (stubClient) CheckHealth(ctx context.Context) error { return nil }

type stubStore struct{}

func (stubStore) StoreBatch(ctx context.Context, accountID string, msgs []mailclient.NormalizedMessage) (store.BatchResult, error) {
	return store.BatchResult{Created: len(msgs)}, nil
}
func (stubStore) CreateRun(ctx context.Context, run store.Run) error { return nil }
func (stubStore) FinishRun(ctx context.Context, run store.Run) error { return nil }
func (stubStore) UpdateAccountSyncState(ctx context.Context, accountID, status string, syncedAt time.Time, errCount int) error {
	return nil
}
func (stubStore) LoadDeltaCursor(ctx context.Context, accountID, folderID string) (string, error) {
	return "", nil
}
func (stubStore) SaveDeltaCursor(ctx context.Context, accountID, folderID, cursor string) error {
	return nil
}
func (stubStore) ClearDeltaCursors(ctx context.Context, accountID string) error { return nil }

type stubReady struct{ err error }

func (s stubReady) Ping(ctx context.Context) error { return s.err }

func newTestServer(t *testing.T, dbErr error) (*Server, *syncer.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	factory := func(ctx context.Context, cfg syncer.Config) (mailclient.Client, error) {
		return stubClient{}, nil
	}
	orch := syncer.NewOrchestrator(
		stubTokens{}, factory, stubStore{},
		syncer.NewRegistry(time.Minute, nil),
		nil, nil, zap.NewNop(),
		syncer.Options{PageDelay: time.Millisecond},
	)
	t.Cleanup(orch.Wait)

	srv := NewServer(context.Background(), orch, nil, stubReady{err: dbErr}, nil, zap.NewNop())
	return srv, orch
}

func doRequest(srv *Server, method, path, body, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	if w := doRequest(srv, http.MethodGet, "/healthz", "", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz = %d", w.Code)
	}
}

func TestReadyzReportsDatabaseFailure(t *testing.T) {
	srv, _ := newTestServer(t, errors.New("pool closed"))
	if w := doRequest(srv, http.MethodGet, "/readyz", "", ""); w.Code != http.StatusInternalServerError {
		t.Fatalf("readyz = %d, want 500", w.Code)
	}

	srv, _ = newTestServer(t, nil)
	if w := doRequest(srv, http.MethodGet, "/readyz", "", ""); w.Code != http.StatusOK {
		t.Fatalf("readyz = %d, want 200", w.Code)
	}
}

func TestStartSync(t *testing.T) {
	srv, orch := newTestServer(t, nil)

	body := `{"account_id":"acct-1","provider":"microsoft"}`
	w := doRequest(srv, http.MethodPost, "/syncs", body, "user-1")
	if w.Code != http.StatusAccepted {
		t.Fatalf("start = %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "run_id") {
		t.Fatalf("missing run_id: %s", w.Body.String())
	}
	orch.Wait()
}

func TestStartSyncRejectsMissingFields(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	cases := []struct {
		name string
		body string
	}{
		{"no account", `{"provider":"google"}`},
		{"no provider", `{"account_id":"acct-1"}`},
		{"malformed", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := doRequest(srv, http.MethodPost, "/syncs", tc.body, "user-1"); w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestStartSyncRequiresCaller(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	body := `{"account_id":"acct-1","provider":"google"}`
	if w := doRequest(srv, http.MethodPost, "/syncs", body, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without caller identity", w.Code)
	}
}

func TestProgressAndCancelUnknownRun(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	if w := doRequest(srv, http.MethodGet, "/syncs/nope", "", "user-1"); w.Code != http.StatusNotFound {
		t.Fatalf("progress = %d, want 404", w.Code)
	}
	if w := doRequest(srv, http.MethodPost, "/syncs/nope/cancel", "", "user-1"); w.Code != http.StatusNotFound {
		t.Fatalf("cancel = %d, want 404", w.Code)
	}
}

func TestListActive(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	w := doRequest(srv, http.MethodGet, "/syncs/active", "", "user-1")
	if w.Code != http.StatusOK {
		t.Fatalf("active = %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", w.Body.String())
	}
}
