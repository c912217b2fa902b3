package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// pushRequests persists the current request set and propagates the
// requester projection to the configured peers. The local copy keeps the
// union of both sides' fields so statuses survive restarts; the wire copy
// carries only record fields, since the authority owns the status fields.
func (s *server) pushRequests(set []recordRequest) error {
	full, err := encodeEntries(set, serializeFull)
	if err != nil {
		return err
	}
	if err := s.persist.saveRelationData(relationKey, full[relationKey]); err != nil {
		return fmt.Errorf("persist relation data: %w", err)
	}

	wire, err := encodeEntries(set, serializeAsRequest)
	if err != nil {
		return err
	}
	go s.propagateRelationData(wire)
	return nil
}

// mergeStatusData folds authority-written relation data into the request
// set. Batch-level decode failures abort and surface to the caller; the
// per-entry tolerance lives in the codec.
func (s *server) mergeStatusData(kv map[string]string) error {
	incoming, err := decodeEntries(kv)
	if err != nil {
		return err
	}

	set := s.data.updateRequests(func(cur []recordRequest) []recordRequest {
		return mergeRequests(cur, incoming)
	})

	full, err := encodeEntries(set, serializeFull)
	if err != nil {
		return err
	}
	if err := s.persist.saveRelationData(relationKey, full[relationKey]); err != nil {
		return fmt.Errorf("persist relation data: %w", err)
	}
	return nil
}

// loadRequests restores the persisted request set at startup.
func (s *server) loadRequests() error {
	value, err := s.persist.loadRelationData(relationKey)
	if err != nil {
		return err
	}
	if value == "" {
		return nil
	}
	set, err := decodeEntries(map[string]string{relationKey: value})
	if err != nil {
		return err
	}
	s.data.replaceRequests(set)
	return nil
}

// propagateRelationData pushes the relation data to every peer. Failures
// are logged and dropped: a peer that missed an update converges on the
// next full-set write because entries merge idempotently by UUID.
func (s *server) propagateRelationData(kv map[string]string) {
	if len(s.cfg.Peers) == 0 {
		return
	}

	body, err := json.Marshal(syncEvent{Op: "request", Data: kv})
	if err != nil {
		log.Printf("sync marshal failed: %v", err)
		return
	}

	for _, peer := range s.cfg.Peers {
		peer = strings.TrimRight(strings.TrimSpace(peer), "/")
		if peer == "" {
			continue
		}

		go func(peerURL string) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL+"/v1/sync/event", bytes.NewReader(body))
			if err != nil {
				log.Printf("sync request build failed for %s: %v", peerURL, err)
				return
			}

			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Sync-Token", s.cfg.SyncToken)

			resp, err := s.cfg.SyncHTTPClient.Do(req)
			if err != nil {
				log.Printf("sync request failed for %s: %v", peerURL, err)
				return
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 300 {
				b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
				log.Printf("sync request rejected by %s status=%d body=%s", peerURL, resp.StatusCode, strings.TrimSpace(string(b)))
			}
		}(peer)
	}
}
