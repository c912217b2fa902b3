package main

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

var (
	errInvalidFQDN       = errors.New("invalid fqdn")
	errInvalidRecordData = errors.New("invalid record data")
	errInvalidRecord     = errors.New("invalid record")
)

// Status is the processing state of a record request. Unrecognized values
// decode to statusUnknown rather than failing, so an authority running a
// newer protocol revision never breaks decoding.
type Status string

const (
	statusApproved         Status = "approved"
	statusPermissionDenied Status = "permission_denied"
	statusConflict         Status = "conflict"
	statusInvalidData      Status = "invalid_data"
	statusFailure          Status = "failure"
	statusUnknown          Status = "unknown"
	statusPending          Status = "pending"
)

func parseStatus(v string) Status {
	switch s := Status(strings.TrimSpace(v)); s {
	case statusApproved, statusPermissionDenied, statusConflict,
		statusInvalidData, statusFailure, statusUnknown, statusPending:
		return s
	default:
		return statusUnknown
	}
}

// RecordType enumerates the supported DNS record types. Unlike Status,
// parsing an unknown type is a hard error: a request for a type we do not
// understand must never enter the request set.
type RecordType string

const (
	typeA      RecordType = "A"
	typeAAAA   RecordType = "AAAA"
	typeCNAME  RecordType = "CNAME"
	typeMX     RecordType = "MX"
	typeDKIM   RecordType = "DKIM"
	typeSPF    RecordType = "SPF"
	typeDMARC  RecordType = "DMARC"
	typeTXT    RecordType = "TXT"
	typeCAA    RecordType = "CAA"
	typeSRV    RecordType = "SRV"
	typeSVCB   RecordType = "SVCB"
	typeHTTPS  RecordType = "HTTPS"
	typePTR    RecordType = "PTR"
	typeSOA    RecordType = "SOA"
	typeNS     RecordType = "NS"
	typeDS     RecordType = "DS"
	typeDNSKEY RecordType = "DNSKEY"
)

func parseRecordType(v string) (RecordType, error) {
	switch t := RecordType(strings.ToUpper(strings.TrimSpace(v))); t {
	case typeA, typeAAAA, typeCNAME, typeMX, typeDKIM, typeSPF, typeDMARC,
		typeTXT, typeCAA, typeSRV, typeSVCB, typeHTTPS, typePTR, typeSOA,
		typeNS, typeDS, typeDNSKEY:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown record type %q", errInvalidRecord, v)
	}
}

type RecordClass string

const classIN RecordClass = "IN"

func parseRecordClass(v string) (RecordClass, error) {
	if c := RecordClass(strings.ToUpper(strings.TrimSpace(v))); c == classIN {
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown record class %q", errInvalidRecord, v)
}

// record is a validated DNS record. Construct through newRecord so that the
// data shape always matches the record type.
type record struct {
	Domain      string
	HostLabel   string
	TTL         uint32
	RecordClass RecordClass
	RecordType  RecordType
	RecordData  string
}

func newRecord(domain, hostLabel string, ttl uint32, class RecordClass, rtype RecordType, data string) (record, error) {
	domain = strings.TrimSpace(domain)
	hostLabel = strings.TrimSpace(hostLabel)
	if domain == "" {
		return record{}, fmt.Errorf("%w: empty domain", errInvalidRecord)
	}
	if hostLabel == "" {
		return record{}, fmt.Errorf("%w: empty host label", errInvalidRecord)
	}
	if ttl == 0 {
		return record{}, fmt.Errorf("%w: ttl must be positive", errInvalidRecord)
	}
	if class == "" {
		class = classIN
	}
	if _, err := parseRecordClass(string(class)); err != nil {
		return record{}, err
	}
	if _, err := parseRecordType(string(rtype)); err != nil {
		return record{}, err
	}

	data, err := validateRecordData(rtype, data)
	if err != nil {
		return record{}, err
	}

	return record{
		Domain:      domain,
		HostLabel:   hostLabel,
		TTL:         ttl,
		RecordClass: class,
		RecordType:  rtype,
		RecordData:  data,
	}, nil
}

// validateRecordData checks the record data against the record type. A and
// AAAA records must hold an IP address literal, which is normalized to its
// canonical form; every other type carries an opaque non-empty string.
func validateRecordData(rtype RecordType, data string) (string, error) {
	data = strings.TrimSpace(data)
	if rtype == typeA || rtype == typeAAAA {
		addr, err := netip.ParseAddr(data)
		if err != nil {
			return "", fmt.Errorf("%w: %q is not an IP address", errInvalidRecordData, data)
		}
		switch {
		case rtype == typeA && !addr.Is4():
			return "", fmt.Errorf("%w: type A requires an IPv4 address", errInvalidRecordData)
		case rtype == typeAAAA && addr.Is4():
			return "", fmt.Errorf("%w: type AAAA requires an IPv6 address", errInvalidRecordData)
		}
		return addr.String(), nil
	}
	if data == "" {
		return "", fmt.Errorf("%w: empty record data", errInvalidRecordData)
	}
	return data, nil
}

// fqdn reconstructs the full name the record belongs to.
func (r record) fqdn() string {
	return r.HostLabel + "." + r.Domain
}

// ttlString renders the TTL the way the string-keyed transport expects it.
func (r record) ttlString() string {
	return strconv.FormatUint(uint64(r.TTL), 10)
}

// normalizeFQDN lowercases a name and strips the optional trailing dot so
// names compare equal regardless of which form the caller used.
func normalizeFQDN(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, ".")
}

// validFQDN reports whether a name satisfies the FQDN grammar: 4-253 chars
// overall, labels of 1-63 chars without leading or trailing hyphens (an
// optional leading underscore marks a service label), and an alphabetic TLD
// of 2-63 chars.
func validFQDN(name string) bool {
	name = normalizeFQDN(name)
	if len(name) < 4 || len(name) > 253 {
		return false
	}
	if _, ok := dns.IsDomainName(dns.Fqdn(name)); !ok {
		return false
	}

	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if len(label) < 1 || len(label) > 63 {
			return false
		}
		// Service labels such as _acme-challenge carry a leading underscore.
		label = strings.TrimPrefix(label, "_")
		if label == "" {
			return false
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		for _, c := range label {
			if !isAlphanumeric(c) && c != '-' {
				return false
			}
		}
	}

	tld := labels[len(labels)-1]
	if len(tld) < 2 {
		return false
	}
	for _, c := range tld {
		if !isAlpha(c) {
			return false
		}
	}
	return true
}

func isAlpha(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isAlphanumeric(c rune) bool {
	return isAlpha(c) || (c >= '0' && c <= '9')
}

// splitFQDN splits a name into its first label and the remaining domain.
func splitFQDN(fqdn string) (hostLabel, domain string, err error) {
	labels := dns.SplitDomainName(dns.Fqdn(normalizeFQDN(fqdn)))
	if len(labels) < 2 {
		return "", "", fmt.Errorf("%w: %q has no domain part", errInvalidFQDN, fqdn)
	}
	return labels[0], strings.Join(labels[1:], "."), nil
}
