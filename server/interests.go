package server

import "time"

// interestHorizon bounds how long a client interest entry is kept
// without a matching consensus result before it is culled.
const interestHorizon = 10 * time.Minute

// CullInterests removes interest entries older than interestHorizon,
// e.g. because the submitting connection closed before its transaction
// ever reached consensus. Safe to call periodically from any goroutine.
func (s *Server) CullInterests() {
	cutoff := time.Now().Add(-interestHorizon)
	s.interestMu.Lock()
	defer s.interestMu.Unlock()
	for k, e := range s.interests {
		if e.at.Before(cutoff) {
			delete(s.interests, k)
		}
	}
}
