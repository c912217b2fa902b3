package main

import "sort"

func newStore() *store {
	return &store{
		users:   make(map[string]userAccount),
		domains: make(map[string]uint64),
		grants:  make(map[string][]accessGrant),
	}
}

func (s *store) setUser(u userAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Username] = u
}

func (s *store) getUser(username string) (userAccount, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	return u, ok
}

func (s *store) listUsers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.users))
	for name := range s.users {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *store) setDomain(fqdn string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains[normalizeFQDN(fqdn)] = id
}

func (s *store) getDomain(fqdn string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.domains[normalizeFQDN(fqdn)]
	return id, ok
}

func (s *store) deleteDomain(fqdn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.domains, normalizeFQDN(fqdn))
}

func (s *store) listDomains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.domains))
	for fqdn := range s.domains {
		out = append(out, fqdn)
	}
	sort.Strings(out)
	return out
}

func (s *store) addGrant(user string, g accessGrant) {
	g.Domain = normalizeFQDN(g.Domain)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.grants[user] {
		if existing.Domain == g.Domain && existing.Level == g.Level {
			return
		}
	}
	s.grants[user] = append(s.grants[user], g)
}

func (s *store) removeGrant(user string, g accessGrant) {
	g.Domain = normalizeFQDN(g.Domain)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.grants[user][:0]
	for _, existing := range s.grants[user] {
		if existing.Domain == g.Domain && existing.Level == g.Level {
			continue
		}
		kept = append(kept, existing)
	}
	if len(kept) == 0 {
		delete(s.grants, user)
		return
	}
	s.grants[user] = kept
}

func (s *store) removeGrantsForDomain(fqdn string) {
	fqdn = normalizeFQDN(fqdn)

	s.mu.Lock()
	defer s.mu.Unlock()

	for user, grants := range s.grants {
		kept := grants[:0]
		for _, g := range grants {
			if g.Domain == fqdn {
				continue
			}
			kept = append(kept, g)
		}
		if len(kept) == 0 {
			delete(s.grants, user)
			continue
		}
		s.grants[user] = kept
	}
}

func (s *store) listAllGrants() map[string][]accessGrant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]accessGrant, len(s.grants))
	for user, grants := range s.grants {
		out[user] = append([]accessGrant(nil), grants...)
	}
	return out
}

func (s *store) listGrants(user string) []accessGrant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]accessGrant(nil), s.grants[user]...)
}

// snapshotRequests returns a copy of the outgoing request set.
func (s *store) snapshotRequests() []recordRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]recordRequest(nil), s.requests...)
}

func (s *store) replaceRequests(set []recordRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = set
}

// updateRequests applies fn to the request set under the write lock, so the
// read-modify-write of the whole set is a single step from this process's
// point of view. Cross-process races are tolerated because writes are
// idempotent merges keyed by UUID.
func (s *store) updateRequests(fn func([]recordRequest) []recordRequest) []recordRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = fn(s.requests)
	return append([]recordRequest(nil), s.requests...)
}
