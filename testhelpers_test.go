package main

import (
	"encoding/base64"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func newTestServer(t *testing.T) *server {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "lego-test.db")
	p, err := newPersistence(dbPath)
	if err != nil {
		t.Fatalf("newPersistence: %v", err)
	}

	namespace, err := p.ensureNamespace()
	if err != nil {
		t.Fatalf("ensureNamespace: %v", err)
	}

	s := &server{
		cfg: config{
			AdminToken:      "token",
			SyncToken:       "sync-token",
			ChallengePrefix: "_acme-challenge.",
			DefaultTTL:      600,
			NotifyTimeout:   time.Second,
			SyncHTTPClient:  &http.Client{Timeout: time.Second},
		},
		data:      newStore(),
		persist:   p,
		notify:    &notifier{timeout: time.Second},
		namespace: namespace,
		start:     time.Now().Add(-time.Second),
	}

	return s
}

func addTestUser(t *testing.T, s *server, username, password string) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if err := s.persist.upsertUser(username, string(hash)); err != nil {
		t.Fatalf("upsertUser: %v", err)
	}
	s.data.setUser(userAccount{Username: username, PasswordHash: string(hash)})
}

func grantTestAccess(t *testing.T, s *server, username, fqdn string, level accessLevel) {
	t.Helper()

	user, err := s.persist.getUser(username)
	if err != nil {
		t.Fatalf("getUser: %v", err)
	}
	domain, err := s.persist.getOrCreateDomain(fqdn)
	if err != nil {
		t.Fatalf("getOrCreateDomain: %v", err)
	}
	if err := s.persist.createPermission(user.ID, domain.ID, level, ""); err != nil {
		t.Fatalf("createPermission: %v", err)
	}
	s.data.setDomain(domain.FQDN, domain.ID)
	s.data.addGrant(username, accessGrant{Domain: domain.FQDN, Level: level})
}

func basicAuthHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}
