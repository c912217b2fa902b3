package main

import "strings"

// stripChallengePrefix returns the bare name an authorization decision is
// made against. Challenge records live under a reserved label
// (e.g. _acme-challenge.example.com) but authority over them follows from
// authority over the name being validated.
func stripChallengePrefix(fqdn, prefix string) string {
	return strings.TrimPrefix(normalizeFQDN(fqdn), strings.ToLower(prefix))
}

// grantMatches reports whether a single grant authorizes the bare name.
// An exact grant covers only its own FQDN. A subtree grant covers every
// strict sub-label of its FQDN, never the apex itself.
func grantMatches(g accessGrant, bare string) bool {
	domain := normalizeFQDN(g.Domain)
	switch g.Level {
	case accessExact:
		return bare == domain
	case accessSubtree:
		return strings.HasSuffix(bare, "."+domain)
	default:
		return false
	}
}

// authorize decides whether user may mutate records for fqdn. Grants only
// ever add permission, so any matching grant authorizes and evaluation
// order is immaterial. A missing user or empty grant set is a plain deny;
// not-found is indistinguishable from unauthorized.
func (s *store) authorize(user, fqdn, challengePrefix string) bool {
	bare := stripChallengePrefix(fqdn, challengePrefix)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, g := range s.grants[user] {
		if grantMatches(g, bare) {
			return true
		}
	}
	return false
}
