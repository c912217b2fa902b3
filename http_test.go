package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestChallengeRequiresBasicAuth(t *testing.T) {
	s := newTestServer(t)
	r := s.newRouter()

	req := httptest.NewRequest(http.MethodPost, "/present", strings.NewReader(`{"fqdn":"foo.example.com","value":"tok"}`))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	if resp.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
}

func TestChallengeRejectsWrongPassword(t *testing.T) {
	s := newTestServer(t)
	addTestUser(t, s, "alice", "s3cret")
	r := s.newRouter()

	req := httptest.NewRequest(http.MethodPost, "/present", strings.NewReader(`{"fqdn":"foo.example.com","value":"tok"}`))
	req.Header.Set("Authorization", basicAuthHeader("alice", "wrong"))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestPresentDeniedWithoutGrant(t *testing.T) {
	s := newTestServer(t)
	addTestUser(t, s, "alice", "s3cret")
	r := s.newRouter()

	req := httptest.NewRequest(http.MethodPost, "/present", strings.NewReader(`{"fqdn":"_acme-challenge.foo.example.com","value":"tok"}`))
	req.Header.Set("Authorization", basicAuthHeader("alice", "s3cret"))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
	if got := len(s.data.snapshotRequests()); got != 0 {
		t.Fatalf("expected denied submission not to enter the request set, got %d", got)
	}

	entries, err := s.persist.listAudit(10)
	if err != nil {
		t.Fatalf("listAudit: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != string(statusPermissionDenied) {
		t.Fatalf("expected a permission_denied audit entry, got %#v", entries)
	}
}

func TestPresentCreatesChallengeRecord(t *testing.T) {
	s := newTestServer(t)
	addTestUser(t, s, "alice", "s3cret")
	grantTestAccess(t, s, "alice", "foo.example.com", accessExact)
	r := s.newRouter()

	req := httptest.NewRequest(http.MethodPost, "/present", strings.NewReader(`{"fqdn":"_acme-challenge.foo.example.com","value":"tok123"}`))
	req.Header.Set("Authorization", basicAuthHeader("alice", "s3cret"))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d body=%s", resp.Code, resp.Body.String())
	}

	set := s.data.snapshotRequests()
	if len(set) != 1 {
		t.Fatalf("expected 1 request, got %d", len(set))
	}
	rec := set[0].Record
	if rec == nil || rec.RecordType != typeTXT || rec.RecordData != "tok123" {
		t.Fatalf("unexpected record: %#v", rec)
	}
	if rec.HostLabel != "_acme-challenge" || rec.Domain != "foo.example.com" {
		t.Fatalf("unexpected record name: %s / %s", rec.HostLabel, rec.Domain)
	}

	value, err := s.persist.loadRelationData(relationKey)
	if err != nil {
		t.Fatalf("loadRelationData: %v", err)
	}
	if value == "" || !strings.Contains(value, "tok123") {
		t.Fatalf("expected request set to be persisted, got %q", value)
	}

	// Retrying the same challenge converges on the same entry.
	req = httptest.NewRequest(http.MethodPost, "/present", strings.NewReader(`{"fqdn":"_acme-challenge.foo.example.com","value":"tok123"}`))
	req.Header.Set("Authorization", basicAuthHeader("alice", "s3cret"))
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on retry, got %d", resp.Code)
	}
	if got := len(s.data.snapshotRequests()); got != 1 {
		t.Fatalf("expected retry to merge, got %d requests", got)
	}
}

func TestCleanupRemovesChallengeRecord(t *testing.T) {
	s := newTestServer(t)
	addTestUser(t, s, "alice", "s3cret")
	grantTestAccess(t, s, "alice", "example.com", accessSubtree)
	r := s.newRouter()

	for _, fqdn := range []string{"_acme-challenge.foo.example.com", "_acme-challenge.bar.example.com"} {
		body := `{"fqdn":"` + fqdn + `","value":"tok123"}`
		req := httptest.NewRequest(http.MethodPost, "/present", strings.NewReader(body))
		req.Header.Set("Authorization", basicAuthHeader("alice", "s3cret"))
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		if resp.Code != http.StatusNoContent {
			t.Fatalf("expected 204 for %s, got %d", fqdn, resp.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/cleanup", strings.NewReader(`{"fqdn":"_acme-challenge.foo.example.com","value":"tok123"}`))
	req.Header.Set("Authorization", basicAuthHeader("alice", "s3cret"))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for cleanup, got %d", resp.Code)
	}

	set := s.data.snapshotRequests()
	if len(set) != 1 {
		t.Fatalf("expected 1 surviving request, got %d", len(set))
	}
	if set[0].Record.Domain != "bar.example.com" {
		t.Fatalf("expected the bar entry to survive, got %#v", set[0].Record)
	}
}

func TestPresentRejectsBadInput(t *testing.T) {
	s := newTestServer(t)
	addTestUser(t, s, "alice", "s3cret")
	r := s.newRouter()

	for _, body := range []string{
		`{"fqdn":"not_a_fqdn","value":"tok"}`,
		`{"fqdn":"foo.example.com","value":""}`,
		`not json`,
		`{"fqdn":"foo.example.com","value":"tok","extra":true}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/present", strings.NewReader(body))
		req.Header.Set("Authorization", basicAuthHeader("alice", "s3cret"))
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %q, got %d", body, resp.Code)
		}
	}
}

func TestSyncEventRequiresToken(t *testing.T) {
	s := newTestServer(t)
	r := s.newRouter()

	req := httptest.NewRequest(http.MethodPost, "/v1/sync/event", strings.NewReader(`{"op":"status"}`))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without sync token, got %d", resp.Code)
	}
}

func TestSyncEventStatusMerge(t *testing.T) {
	s := newTestServer(t)
	addTestUser(t, s, "alice", "s3cret")
	grantTestAccess(t, s, "alice", "foo.example.com", accessExact)
	r := s.newRouter()

	req := httptest.NewRequest(http.MethodPost, "/present", strings.NewReader(`{"fqdn":"_acme-challenge.foo.example.com","value":"tok123"}`))
	req.Header.Set("Authorization", basicAuthHeader("alice", "s3cret"))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}

	pending := s.data.snapshotRequests()[0]
	pending.Status = statusApproved
	kv, err := encodeEntries([]recordRequest{pending}, serializeAsResponse)
	if err != nil {
		t.Fatalf("encodeEntries: %v", err)
	}
	body, err := json.Marshal(syncEvent{Op: "status", Data: kv})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/sync/event", bytes.NewReader(body))
	req.Header.Set("X-Sync-Token", "sync-token")
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", resp.Code, resp.Body.String())
	}

	set := s.data.snapshotRequests()
	if len(set) != 1 || set[0].Status != statusApproved {
		t.Fatalf("expected approved status after merge, got %#v", set)
	}
	if set[0].Record == nil || set[0].Record.RecordData != "tok123" {
		t.Fatalf("expected record fields to survive the status merge")
	}
}

func TestSyncEventNoticeOp(t *testing.T) {
	s := newTestServer(t)
	r := s.newRouter()

	body := `{"op":"notice","kind":"dns.local/write","payload":{"fqdn":"'_acme-challenge.foo.example.com'","rdata":"'tok123'"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/sync/event", strings.NewReader(body))
	req.Header.Set("X-Sync-Token", "sync-token")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", resp.Code, resp.Body.String())
	}
	if got := len(s.data.snapshotRequests()); got != 1 {
		t.Fatalf("expected 1 request from notice, got %d", got)
	}
}

func TestSyncEventUnsupportedOp(t *testing.T) {
	s := newTestServer(t)
	r := s.newRouter()

	req := httptest.NewRequest(http.MethodPost, "/v1/sync/event", strings.NewReader(`{"op":"mystery"}`))
	req.Header.Set("X-Sync-Token", "sync-token")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	s := newTestServer(t)
	r := s.newRouter()

	req := httptest.NewRequest(http.MethodGet, "/v1/users", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAdminUserAndPermissionFlow(t *testing.T) {
	s := newTestServer(t)
	r := s.newRouter()

	admin := func(method, path, body string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer token")
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		return resp
	}

	if resp := admin(http.MethodPost, "/v1/users", `{"username":"alice","password":"s3cret"}`); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for user create, got %d body=%s", resp.Code, resp.Body.String())
	}
	if resp := admin(http.MethodPost, "/v1/permissions", `{"username":"alice","fqdn":"foo.example.com","access_level":"exact"}`); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for permission create, got %d body=%s", resp.Code, resp.Body.String())
	}

	// Granting auto-creates the domain.
	respList := admin(http.MethodGet, "/v1/domains", "")
	if respList.Code != http.StatusOK {
		t.Fatalf("expected 200 for domain list, got %d", respList.Code)
	}
	var domains struct {
		Domains []string `json:"domains"`
	}
	if err := json.Unmarshal(respList.Body.Bytes(), &domains); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(domains.Domains) != 1 || domains.Domains[0] != "foo.example.com" {
		t.Fatalf("expected auto-created domain, got %v", domains.Domains)
	}

	// The granted user can now present a challenge.
	req := httptest.NewRequest(http.MethodPost, "/present", strings.NewReader(`{"fqdn":"_acme-challenge.foo.example.com","value":"tok123"}`))
	req.Header.Set("Authorization", basicAuthHeader("alice", "s3cret"))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204 after grant, got %d body=%s", resp.Code, resp.Body.String())
	}

	// Revoking the permission closes the door again.
	if resp := admin(http.MethodDelete, "/v1/permissions", `{"username":"alice","fqdn":"foo.example.com","access_level":"exact"}`); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for permission delete, got %d body=%s", resp.Code, resp.Body.String())
	}
	req = httptest.NewRequest(http.MethodPost, "/present", strings.NewReader(`{"fqdn":"_acme-challenge.foo.example.com","value":"tok456"}`))
	req.Header.Set("Authorization", basicAuthHeader("alice", "s3cret"))
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 after revoke, got %d", resp.Code)
	}
}

func TestAdminPermissionForUnknownUser(t *testing.T) {
	s := newTestServer(t)
	r := s.newRouter()

	req := httptest.NewRequest(http.MethodPost, "/v1/permissions", strings.NewReader(`{"username":"ghost","fqdn":"foo.example.com","access_level":"exact"}`))
	req.Header.Set("Authorization", "Bearer token")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestAdminDomainDeleteRevokesGrants(t *testing.T) {
	s := newTestServer(t)
	addTestUser(t, s, "alice", "s3cret")
	grantTestAccess(t, s, "alice", "foo.example.com", accessExact)
	r := s.newRouter()

	req := httptest.NewRequest(http.MethodDelete, "/v1/domains/foo.example.com", nil)
	req.Header.Set("Authorization", "Bearer token")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", resp.Code, resp.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/present", strings.NewReader(`{"fqdn":"_acme-challenge.foo.example.com","value":"tok"}`))
	req.Header.Set("Authorization", basicAuthHeader("alice", "s3cret"))
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 after domain delete, got %d", resp.Code)
	}
}

func TestAdminRequestsAndAuditEndpoints(t *testing.T) {
	s := newTestServer(t)
	addTestUser(t, s, "alice", "s3cret")
	grantTestAccess(t, s, "alice", "foo.example.com", accessExact)
	r := s.newRouter()

	req := httptest.NewRequest(http.MethodPost, "/present", strings.NewReader(`{"fqdn":"_acme-challenge.foo.example.com","value":"tok123"}`))
	req.Header.Set("Authorization", basicAuthHeader("alice", "s3cret"))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/requests", nil)
	req.Header.Set("Authorization", "Bearer token")
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for requests, got %d", resp.Code)
	}
	var requests struct {
		Requests []map[string]string `json:"requests"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &requests); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(requests.Requests) != 1 || requests.Requests[0]["record_data"] != "tok123" {
		t.Fatalf("unexpected requests payload: %#v", requests.Requests)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
	req.Header.Set("Authorization", "Bearer token")
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for audit, got %d", resp.Code)
	}
	var audit struct {
		Audit []map[string]any `json:"audit"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &audit); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(audit.Audit) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(audit.Audit))
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	r := s.newRouter()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}
