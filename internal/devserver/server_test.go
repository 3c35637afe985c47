package devserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentworkforce/notistream/internal/notify"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	service := New(Config{Token: "secret"})
	server := httptest.NewServer(service)
	t.Cleanup(server.Close)
	return service, server
}

func doRequest(t *testing.T, server *httptest.Server, method, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, server.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestRequiresBearerToken(t *testing.T) {
	_, server := newTestServer(t)
	resp := doRequest(t, server, http.MethodGet, "/notifications/p1", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credential, got %d", resp.StatusCode)
	}
	resp = doRequest(t, server, http.MethodGet, "/notifications/p1", "wrong")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong credential, got %d", resp.StatusCode)
	}
}

func TestListReturnsNewestFirst(t *testing.T) {
	service, server := newTestServer(t)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	service.Seed("p1", []notify.Notification{
		{ID: "old", PrincipalID: "p1", CreatedAt: base.Add(-time.Hour), Severity: notify.SeverityInfo},
		{ID: "new", PrincipalID: "p1", CreatedAt: base, Severity: notify.SeverityInfo},
	})

	resp := doRequest(t, server, http.MethodGet, "/notifications/p1", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var list []notify.Notification
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "old" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestMarkReadAndDelete(t *testing.T) {
	service, server := newTestServer(t)
	service.Seed("p1", []notify.Notification{
		{ID: "a", PrincipalID: "p1", CreatedAt: time.Now().UTC(), Severity: notify.SeverityInfo},
	})

	resp := doRequest(t, server, http.MethodPatch, "/notifications/a/read/p1", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for mark read, got %d", resp.StatusCode)
	}
	resp = doRequest(t, server, http.MethodPatch, "/notifications/ghost/read/p1", "secret")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", resp.StatusCode)
	}

	resp = doRequest(t, server, http.MethodDelete, "/notifications/a/p1", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for delete, got %d", resp.StatusCode)
	}
	resp = doRequest(t, server, http.MethodDelete, "/notifications/a/p1", "secret")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for repeated delete, got %d", resp.StatusCode)
	}
}

func TestReadAllAndClearAll(t *testing.T) {
	service, server := newTestServer(t)
	base := time.Now().UTC()
	service.Seed("p1", []notify.Notification{
		{ID: "a", PrincipalID: "p1", CreatedAt: base, Severity: notify.SeverityInfo},
		{ID: "b", PrincipalID: "p1", CreatedAt: base.Add(-time.Minute), Severity: notify.SeverityWarning},
	})

	resp := doRequest(t, server, http.MethodPatch, "/notifications/p1/read-all", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for read-all, got %d", resp.StatusCode)
	}
	listResp := doRequest(t, server, http.MethodGet, "/notifications/p1", "secret")
	var list []notify.Notification
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	for _, n := range list {
		if !n.Read {
			t.Fatalf("expected all entries read, got %+v", n)
		}
	}

	resp = doRequest(t, server, http.MethodDelete, "/notifications/p1/clear-all", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for clear-all, got %d", resp.StatusCode)
	}
	listResp = doRequest(t, server, http.MethodGet, "/notifications/p1", "secret")
	list = nil
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty collection after clear-all, got %+v", list)
	}
}

func TestUnknownRoute(t *testing.T) {
	_, server := newTestServer(t)
	resp := doRequest(t, server, http.MethodGet, "/notifications", "secret")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for bad route, got %d", resp.StatusCode)
	}
}
