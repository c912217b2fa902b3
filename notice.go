package main

import (
	"fmt"
	"log"
	"strings"
)

// Notice kinds delivered by the DNS-authority-side process. Any other kind
// is ignored so that an authority at an older or newer protocol revision
// never breaks the bridge.
const (
	noticeWrite  = "dns.local/write"
	noticeRemove = "dns.local/remove"
)

// noticeTTL is the fixed TTL for challenge records created from notices.
const noticeTTL = 600

type noticeHandler func(*server, map[string]string) error

var noticeHandlers = map[string]noticeHandler{
	noticeWrite:  (*server).handleWriteNotice,
	noticeRemove: (*server).handleRemoveNotice,
}

// dispatchNotice routes a notice to its handler. Kinds are matched by
// prefix, which lets the sender append revision suffixes to the key.
func (s *server) dispatchNotice(kind string, payload map[string]string) error {
	for prefix, handler := range noticeHandlers {
		if strings.HasPrefix(kind, prefix) {
			return handler(s, payload)
		}
	}
	log.Printf("ignoring unknown notice %q", kind)
	return nil
}

// noticeValue trims whitespace and the single quotes notice payloads arrive
// wrapped in.
func noticeValue(payload map[string]string, key string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(payload[key]), "'"))
}

// handleWriteNotice folds a write notice into the outgoing request set:
// the FQDN splits into host label and domain on the first dot, the record
// is a TXT entry at the fixed notice TTL, and the identity is derived from
// the canonical tuple so a replayed notice merges with its earlier self.
// The full mutated set is written back whole; the transport replaces the
// entire value on every write.
func (s *server) handleWriteNotice(payload map[string]string) error {
	fqdn := noticeValue(payload, "fqdn")
	rdata := noticeValue(payload, "rdata")

	req, err := newChallengeRequest(s.namespace, fqdn, rdata, noticeTTL)
	if err != nil {
		return fmt.Errorf("faulty write notice for %q: %w", fqdn, err)
	}

	set := s.data.updateRequests(func(cur []recordRequest) []recordRequest {
		return mergeRequests(cur, []recordRequest{req})
	})
	return s.pushRequests(set)
}

// handleRemoveNotice removes the entries matching the target FQDN and
// writes the resulting set back, which may be empty.
func (s *server) handleRemoveNotice(payload map[string]string) error {
	fqdn := noticeValue(payload, "fqdn")
	if fqdn == "" {
		return fmt.Errorf("%w: remove notice without fqdn", errInvalidFQDN)
	}

	set := s.data.updateRequests(func(cur []recordRequest) []recordRequest {
		return applyRemoval(cur, fqdn)
	})
	return s.pushRequests(set)
}
