package main

import "testing"

func TestWriteNoticeCreatesChallengeRequest(t *testing.T) {
	s := newTestServer(t)

	payload := map[string]string{
		"fqdn":  "'_acme-challenge.foo.example.com'",
		"rdata": "'tok123'",
	}
	if err := s.dispatchNotice(noticeWrite, payload); err != nil {
		t.Fatalf("dispatchNotice: %v", err)
	}

	set := s.data.snapshotRequests()
	if len(set) != 1 {
		t.Fatalf("expected 1 request, got %d", len(set))
	}
	rr := set[0]
	if rr.Record == nil {
		t.Fatalf("expected a record")
	}
	if rr.Record.HostLabel != "_acme-challenge" || rr.Record.Domain != "foo.example.com" {
		t.Fatalf("unexpected split: %s / %s", rr.Record.HostLabel, rr.Record.Domain)
	}
	if rr.Record.RecordType != typeTXT || rr.Record.TTL != noticeTTL || rr.Record.RecordData != "tok123" {
		t.Fatalf("unexpected record: %#v", rr.Record)
	}
	if rr.Status != statusPending {
		t.Fatalf("expected pending, got %s", rr.Status)
	}
	if want := deriveRequestUUID(s.namespace, *rr.Record); rr.UUID != want {
		t.Fatalf("expected derived uuid %s, got %s", want, rr.UUID)
	}

	// Replaying the notice merges with its earlier self.
	if err := s.dispatchNotice(noticeWrite, payload); err != nil {
		t.Fatalf("dispatchNotice replay: %v", err)
	}
	if got := len(s.data.snapshotRequests()); got != 1 {
		t.Fatalf("expected replay to stay at 1 request, got %d", got)
	}
}

func TestWriteNoticeFaultyPayload(t *testing.T) {
	s := newTestServer(t)

	err := s.dispatchNotice(noticeWrite, map[string]string{"fqdn": "'localhost'", "rdata": "'x'"})
	if err == nil {
		t.Fatalf("expected error for single-label fqdn")
	}
	if got := len(s.data.snapshotRequests()); got != 0 {
		t.Fatalf("expected no requests after faulty notice, got %d", got)
	}
}

func TestRemoveNoticeSelective(t *testing.T) {
	s := newTestServer(t)

	for _, p := range []map[string]string{
		{"fqdn": "'_acme-challenge.foo.example.com'", "rdata": "'tok123'"},
		{"fqdn": "'_acme-challenge.bar.example.com'", "rdata": "'tok456'"},
	} {
		if err := s.dispatchNotice(noticeWrite, p); err != nil {
			t.Fatalf("dispatchNotice: %v", err)
		}
	}

	if err := s.dispatchNotice(noticeRemove, map[string]string{"fqdn": "'_acme-challenge.foo.example.com'"}); err != nil {
		t.Fatalf("dispatchNotice remove: %v", err)
	}

	set := s.data.snapshotRequests()
	if len(set) != 1 {
		t.Fatalf("expected 1 surviving request, got %d", len(set))
	}
	if set[0].Record.Domain != "bar.example.com" {
		t.Fatalf("expected the bar entry to survive, got %#v", set[0].Record)
	}
}

func TestRemoveNoticeWithoutFQDN(t *testing.T) {
	s := newTestServer(t)
	if err := s.dispatchNotice(noticeRemove, map[string]string{}); err == nil {
		t.Fatalf("expected error for remove notice without fqdn")
	}
}

func TestUnknownNoticeIgnored(t *testing.T) {
	s := newTestServer(t)
	if err := s.dispatchNotice("dns.local/refresh", nil); err != nil {
		t.Fatalf("expected unknown notice to be ignored, got %v", err)
	}
	if got := len(s.data.snapshotRequests()); got != 0 {
		t.Fatalf("expected no requests, got %d", got)
	}
}

func TestNoticeKindRevisionSuffix(t *testing.T) {
	s := newTestServer(t)

	payload := map[string]string{"fqdn": "'_acme-challenge.foo.example.com'", "rdata": "'tok123'"}
	if err := s.dispatchNotice(noticeWrite+"/rev2", payload); err != nil {
		t.Fatalf("dispatchNotice: %v", err)
	}
	if got := len(s.data.snapshotRequests()); got != 1 {
		t.Fatalf("expected suffixed kind to match by prefix, got %d requests", got)
	}
}
