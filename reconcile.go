package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// deriveRequestUUID computes the stable identity of a record request as a
// version-5 UUID of the canonical field tuple under a per-deployment
// namespace. Resubmitting the same logical record always yields the same
// UUID, so retries merge instead of duplicating entries. The namespace is
// passed in explicitly to keep the derivation pure.
func deriveRequestUUID(namespace uuid.UUID, r record) uuid.UUID {
	name := strings.Join([]string{
		r.HostLabel,
		r.Domain,
		r.ttlString(),
		string(r.RecordClass),
		string(r.RecordType),
		r.RecordData,
	}, " ")
	return uuid.NewSHA1(namespace, []byte(name))
}

// newChallengeRequest builds a pending TXT record request for an ACME
// challenge at fqdn with the given token value.
func newChallengeRequest(namespace uuid.UUID, fqdn, value string, ttl uint32) (recordRequest, error) {
	hostLabel, domain, err := splitFQDN(fqdn)
	if err != nil {
		return recordRequest{}, err
	}
	rec, err := newRecord(domain, hostLabel, ttl, classIN, typeTXT, value)
	if err != nil {
		return recordRequest{}, err
	}
	return recordRequest{
		UUID:   deriveRequestUUID(namespace, rec),
		Status: statusPending,
		Record: &rec,
	}, nil
}

// submit turns a user's challenge submission into a record request. A
// denied submission is encoded as data: the returned request carries
// status permission_denied and no record, and must never be transmitted.
// Present and cleanup share this path; what differs between them is which
// notice the caller routes the result through.
func (s *server) submit(user, fqdn, value string) (recordRequest, error) {
	req, err := newChallengeRequest(s.namespace, fqdn, value, s.cfg.DefaultTTL)
	if err != nil {
		return recordRequest{}, err
	}

	if !s.data.authorize(user, fqdn, s.cfg.ChallengePrefix) {
		return recordRequest{
			UUID:        req.UUID,
			Status:      statusPermissionDenied,
			Description: fmt.Sprintf("user %s does not have permission to manage %s", user, fqdn),
		}, nil
	}

	return req, nil
}

// mergeRequests overlays incoming entries onto an existing set keyed by
// UUID. Non-null incoming fields win: the requester side updates record
// fields while the authority side updates status and description, and the
// two sides may own different fields of the same logical entry. Unknown
// UUIDs are appended in arrival order.
func mergeRequests(existing, incoming []recordRequest) []recordRequest {
	merged := make([]recordRequest, len(existing))
	copy(merged, existing)

	index := make(map[uuid.UUID]int, len(merged))
	for i, rr := range merged {
		index[rr.UUID] = i
	}

	for _, in := range incoming {
		i, ok := index[in.UUID]
		if !ok {
			index[in.UUID] = len(merged)
			merged = append(merged, in)
			continue
		}
		if in.Record != nil {
			rec := *in.Record
			merged[i].Record = &rec
		}
		if in.Status != "" {
			merged[i].Status = in.Status
		}
		if in.Description != "" {
			merged[i].Description = in.Description
		}
	}
	return merged
}

// applyRemoval drops every entry whose reconstructed FQDN matches the
// target. Removal is selective: entries for other names survive, and a
// remove notice for an absent name is a no-op.
func applyRemoval(set []recordRequest, fqdn string) []recordRequest {
	target := normalizeFQDN(fqdn)
	kept := make([]recordRequest, 0, len(set))
	for _, rr := range set {
		if rr.Record != nil && normalizeFQDN(rr.Record.fqdn()) == target {
			continue
		}
		kept = append(kept, rr)
	}
	return kept
}
