// Package discovery ships reference mesh.SystemController implementations:
// a Postgres registry table, TTL'd Redis hashes and a static list.
// Applications with their own registry implement the interface directly.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/playhouselab/playhouse/internal/mesh"
)

// defaultTTL is how long a published entry stays visible without a
// refresh. Refreshes come every resolver round (3s default), so three
// missed rounds drop the member from backends that expire.
const defaultTTL = 10 * time.Second

// Static serves a fixed membership list, the caller merged in. Suited to
// tests and single-box deployments where addresses never move.
type Static struct {
	mu   sync.Mutex
	list []mesh.ServerInfo
}

func NewStatic(list []mesh.ServerInfo) *Static {
	s := &Static{}
	s.Set(list)
	return s
}

// Set replaces the list. Safe while resolvers poll.
func (s *Static) Set(list []mesh.ServerInfo) {
	cp := make([]mesh.ServerInfo, len(list))
	copy(cp, list)
	s.mu.Lock()
	s.list = cp
	s.mu.Unlock()
}

// UpdateServerInfo returns the configured list with the caller's live info
// replacing its static entry, or appended when the list omits it.
func (s *Static) UpdateServerInfo(_ context.Context, self mesh.ServerInfo) ([]mesh.ServerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mesh.ServerInfo, 0, len(s.list)+1)
	seen := false
	for _, info := range s.list {
		if info.ServerID == self.ServerID {
			info = self
			seen = true
		}
		out = append(out, info)
	}
	if !seen {
		out = append(out, self)
	}
	return out, nil
}
