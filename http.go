package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type contextKey string

const userContextKey contextKey = "user"

func (s *server) runHTTP(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.HTTPListen,
		Handler:           s.newRouter(),
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	return httpServer.ListenAndServe()
}

func (s *server) newRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.basicAuthMiddleware)
		r.Post("/present", s.handlePresent)
		r.Post("/cleanup", s.handleCleanup)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.adminAuthMiddleware)
		r.Get("/v1/domains", s.handleDomainsList)
		r.Post("/v1/domains", s.handleDomainCreate)
		r.Delete("/v1/domains/{fqdn}", s.handleDomainDelete)
		r.Get("/v1/permissions", s.handlePermissionsList)
		r.Post("/v1/permissions", s.handlePermissionCreate)
		r.Delete("/v1/permissions", s.handlePermissionDelete)
		r.Get("/v1/users", s.handleUsersList)
		r.Post("/v1/users", s.handleUserCreate)
		r.Get("/v1/requests", s.handleRequestsList)
		r.Get("/v1/audit", s.handleAuditList)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.syncAuthMiddleware)
		r.Post("/v1/sync/event", s.handleSyncEvent)
	})
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"uptime_sec": int(time.Since(s.start).Seconds()),
	})
}

func (s *server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="httprequest-lego-provider"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}

		account, found := s.data.getUser(username)
		if !found || bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, username)))
	})
}

func (s *server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken != "" && !validToken(r, s.cfg.AdminToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) syncAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.SyncToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		if r.Header.Get("X-Sync-Token") != s.cfg.SyncToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid sync token"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requestUser(r *http.Request) string {
	user, _ := r.Context().Value(userContextKey).(string)
	return user
}

func (s *server) handlePresent(w http.ResponseWriter, r *http.Request) {
	s.handleChallenge(w, r, intentPresent)
}

func (s *server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	s.handleChallenge(w, r, intentCleanup)
}

func (s *server) handleChallenge(w http.ResponseWriter, r *http.Request, in intent) {
	var req presentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !validFQDN(req.FQDN) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "fqdn is not a valid FQDN"})
		return
	}
	if req.Value == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "value must not be empty"})
		return
	}

	user := requestUser(r)
	fqdn := normalizeFQDN(req.FQDN)

	rr, err := s.submit(user, fqdn, req.Value)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	action := "present"
	kind := noticeWrite
	payload := map[string]string{"fqdn": fqdn, "rdata": req.Value}
	if in == intentCleanup {
		action = "cleanup"
		kind = noticeRemove
		payload = map[string]string{"fqdn": fqdn}
	}

	if rr.Status == statusPermissionDenied {
		s.audit(user, fqdn, action, statusPermissionDenied)
		writeJSON(w, http.StatusForbidden, map[string]string{"error": rr.Description})
		return
	}

	if err := s.deliverNotice(r.Context(), kind, payload); err != nil {
		s.audit(user, fqdn, action, statusFailure)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.audit(user, fqdn, action, statusPending)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) audit(user, fqdn, action string, status Status) {
	if err := s.persist.saveAudit(user, fqdn, action, status); err != nil {
		log.Printf("persist audit entry failed: %v", err)
	}
}

func (s *server) handleDomainsList(w http.ResponseWriter, r *http.Request) {
	domains := s.data.listDomains()
	if fqdn := r.URL.Query().Get("fqdn"); fqdn != "" {
		filtered := make([]string, 0, 1)
		for _, d := range domains {
			if d == normalizeFQDN(fqdn) {
				filtered = append(filtered, d)
			}
		}
		domains = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": domains})
}

type domainRequest struct {
	FQDN string `json:"fqdn"`
}

func (s *server) handleDomainCreate(w http.ResponseWriter, r *http.Request) {
	var req domainRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !validFQDN(req.FQDN) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "fqdn is not a valid FQDN"})
		return
	}

	model, err := s.persist.getOrCreateDomain(req.FQDN)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.data.setDomain(model.FQDN, model.ID)
	writeJSON(w, http.StatusOK, map[string]string{"fqdn": model.FQDN})
}

func (s *server) handleDomainDelete(w http.ResponseWriter, r *http.Request) {
	fqdn := normalizeFQDN(chi.URLParam(r, "fqdn"))
	if fqdn == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing domain name"})
		return
	}

	if err := s.persist.deleteDomain(fqdn); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.data.deleteDomain(fqdn)
	s.data.removeGrantsForDomain(fqdn)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": fqdn})
}

type permissionRequest struct {
	Username    string `json:"username"`
	FQDN        string `json:"fqdn"`
	AccessLevel string `json:"access_level"`
	Text        string `json:"text,omitempty"`
}

func parseAccessLevel(v string) (accessLevel, error) {
	switch level := accessLevel(v); level {
	case accessExact, accessSubtree:
		return level, nil
	default:
		return "", fmt.Errorf("access_level must be %q or %q", accessExact, accessSubtree)
	}
}

func (s *server) handlePermissionsList(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	fqdn := normalizeFQDN(r.URL.Query().Get("fqdn"))

	type permissionEntry struct {
		Username    string `json:"username"`
		Domain      string `json:"domain"`
		AccessLevel string `json:"access_level"`
	}

	entries := make([]permissionEntry, 0)
	for user, grants := range s.data.listAllGrants() {
		if username != "" && user != username {
			continue
		}
		for _, g := range grants {
			if fqdn != "" && g.Domain != fqdn {
				continue
			}
			entries = append(entries, permissionEntry{Username: user, Domain: g.Domain, AccessLevel: string(g.Level)})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": entries})
}

func (s *server) handlePermissionCreate(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	level, err := parseAccessLevel(req.AccessLevel)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !validFQDN(req.FQDN) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "fqdn is not a valid FQDN"})
		return
	}

	user, err := s.persist.getUser(req.Username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("user %q does not exist", req.Username)})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	domain, err := s.persist.getOrCreateDomain(req.FQDN)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if err := s.persist.createPermission(user.ID, domain.ID, level, req.Text); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.data.setDomain(domain.FQDN, domain.ID)
	s.data.addGrant(req.Username, accessGrant{Domain: domain.FQDN, Level: level})
	writeJSON(w, http.StatusOK, map[string]string{
		"username":     req.Username,
		"domain":       domain.FQDN,
		"access_level": string(level),
	})
}

func (s *server) handlePermissionDelete(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	level, err := parseAccessLevel(req.AccessLevel)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	user, err := s.persist.getUser(req.Username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("user %q does not exist", req.Username)})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	domainID, ok := s.data.getDomain(req.FQDN)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("domain %q does not exist", req.FQDN)})
		return
	}

	if err := s.persist.deletePermission(user.ID, domainID, level); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.data.removeGrant(req.Username, accessGrant{Domain: req.FQDN, Level: level})
	writeJSON(w, http.StatusOK, map[string]string{"revoked": req.FQDN})
}

func (s *server) handleUsersList(w http.ResponseWriter, r *http.Request) {
	users := s.data.listUsers()
	if username := r.URL.Query().Get("username"); username != "" {
		filtered := make([]string, 0, 1)
		for _, u := range users {
			if u == username {
				filtered = append(filtered, u)
			}
		}
		users = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

type userRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *server) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "username and password are required"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if err := s.persist.upsertUser(req.Username, string(hash)); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.data.setUser(userAccount{Username: req.Username, PasswordHash: string(hash)})
	writeJSON(w, http.StatusOK, map[string]string{"username": req.Username})
}

func (s *server) handleRequestsList(w http.ResponseWriter, _ *http.Request) {
	set := s.data.snapshotRequests()
	entries := make([]map[string]string, 0, len(set))
	for _, rr := range set {
		entries = append(entries, serializeFull(rr))
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": entries})
}

func (s *server) handleAuditList(w http.ResponseWriter, _ *http.Request) {
	entries, err := s.persist.listAudit(100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	type auditEntry struct {
		Username  string    `json:"username"`
		FQDN      string    `json:"fqdn"`
		Action    string    `json:"action"`
		Status    string    `json:"status"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := make([]auditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntry{Username: e.Username, FQDN: e.FQDN, Action: e.Action, Status: e.Status, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": out})
}

func (s *server) handleSyncEvent(w http.ResponseWriter, r *http.Request) {
	var ev syncEvent
	if err := decodeJSON(r.Body, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	switch ev.Op {
	case "notice":
		if err := s.dispatchNotice(ev.Kind, ev.Payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	case "request", "status":
		if err := s.mergeStatusData(ev.Data); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported op"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
