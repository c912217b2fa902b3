package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strconv"

	"github.com/google/uuid"
)

// relationKey is the single key all entries travel under: the relation
// transport is a flat string-keyed map, so the whole set is one JSON array.
const relationKey = "dns_entries"

// serializeAsRequest renders the requester-side projection: identity plus
// record fields, everything stringly typed for the transport.
func serializeAsRequest(rr recordRequest) map[string]string {
	entry := map[string]string{"uuid": rr.UUID.String()}
	if rr.Record != nil {
		entry["domain"] = rr.Record.Domain
		entry["host_label"] = rr.Record.HostLabel
		entry["ttl"] = rr.Record.ttlString()
		entry["record_class"] = string(rr.Record.RecordClass)
		entry["record_type"] = string(rr.Record.RecordType)
		entry["record_data"] = rr.Record.RecordData
	}
	return entry
}

// serializeAsResponse renders the authority-side projection: identity,
// status and optional description, no record fields.
func serializeAsResponse(rr recordRequest) map[string]string {
	entry := map[string]string{
		"uuid":   rr.UUID.String(),
		"status": string(rr.Status),
	}
	if rr.Description != "" {
		entry["description"] = rr.Description
	}
	return entry
}

// serializeFull renders the union of both projections. Used for local
// persistence of the request set, where both sides' fields are retained.
func serializeFull(rr recordRequest) map[string]string {
	entry := serializeAsRequest(rr)
	if rr.Status != "" {
		entry["status"] = string(rr.Status)
	}
	if rr.Description != "" {
		entry["description"] = rr.Description
	}
	return entry
}

// encodeEntries serializes a request set to relation data under the
// dns_entries key using the given projection.
func encodeEntries(set []recordRequest, serialize func(recordRequest) map[string]string) (map[string]string, error) {
	entries := make([]map[string]string, 0, len(set))
	for _, rr := range set {
		entries = append(entries, serialize(rr))
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", relationKey, err)
	}
	return map[string]string{relationKey: string(b)}, nil
}

// decodeEntries parses relation data back into a request set. Malformed
// JSON at the batch level is a hard error. Individual entries are held to a
// softer standard: raw entries are grouped by UUID with later fields
// overwriting earlier ones (the two-phase channel delivers a request's
// record fields and the authority's status fields as separate partial blobs
// sharing a UUID), entries without a UUID are dropped as protocol
// violations, and an entry that fails record validation is retried as a
// status-only response before being dropped. One bad entry never takes its
// siblings down with it.
func decodeEntries(kv map[string]string) ([]recordRequest, error) {
	raw, ok := kv[relationKey]
	if !ok || raw == "" {
		return nil, nil
	}

	var rawEntries []map[string]any
	if err := json.Unmarshal([]byte(raw), &rawEntries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", relationKey, err)
	}

	var order []string
	grouped := make(map[string]map[string]any)
	for _, entry := range rawEntries {
		id, ok := stringField(entry, "uuid")
		if !ok || id == "" {
			log.Printf("dropping relation entry without uuid")
			continue
		}
		merged, seen := grouped[id]
		if !seen {
			merged = make(map[string]any)
			grouped[id] = merged
			order = append(order, id)
		}
		for k, v := range entry {
			merged[k] = v
		}
	}

	set := make([]recordRequest, 0, len(order))
	for _, id := range order {
		rr, err := decodeEntry(id, grouped[id])
		if err != nil {
			log.Printf("dropping malformed relation entry %s: %v", id, err)
			continue
		}
		set = append(set, rr)
	}
	return set, nil
}

func decodeEntry(id string, fields map[string]any) (recordRequest, error) {
	entryUUID, err := uuid.Parse(id)
	if err != nil {
		return recordRequest{}, fmt.Errorf("invalid uuid: %w", err)
	}

	rr := recordRequest{UUID: entryUUID}
	if s, ok := stringField(fields, "status"); ok {
		rr.Status = parseStatus(s)
	}
	rr.Description, _ = stringField(fields, "description")

	if rec, err := decodeRecord(fields); err == nil {
		rr.Record = &rec
		return rr, nil
	}

	// No valid record; a pure response entry must carry a status.
	if rr.Status == "" {
		return recordRequest{}, fmt.Errorf("%w: entry has neither record nor status", errInvalidRecord)
	}
	return rr, nil
}

func decodeRecord(fields map[string]any) (record, error) {
	domain, _ := stringField(fields, "domain")
	hostLabel, _ := stringField(fields, "host_label")
	ttlRaw, ok := stringField(fields, "ttl")
	if !ok {
		return record{}, fmt.Errorf("%w: missing ttl", errInvalidRecord)
	}
	ttl, err := strconv.ParseUint(ttlRaw, 10, 32)
	if err != nil || ttl == 0 {
		return record{}, fmt.Errorf("%w: bad ttl %q", errInvalidRecord, ttlRaw)
	}

	classRaw, ok := stringField(fields, "record_class")
	if !ok {
		classRaw = string(classIN)
	}
	class, err := parseRecordClass(classRaw)
	if err != nil {
		return record{}, err
	}

	typeRaw, _ := stringField(fields, "record_type")
	rtype, err := parseRecordType(typeRaw)
	if err != nil {
		return record{}, err
	}

	data, _ := stringField(fields, "record_data")
	return newRecord(domain, hostLabel, uint32(ttl), class, rtype, data)
}

// stringField fetches a field as a string. The transport is string-keyed
// but peers at other protocol revisions have been seen sending bare JSON
// numbers, so integral numbers are accepted and rendered in decimal.
func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}
