package mesh

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/playhouselab/playhouse/internal/route"
)

// InfoCenter is the in-memory membership snapshot: the resolver replaces
// it wholesale on every discovery round, senders pick peers out of it.
type InfoCenter struct {
	mu      sync.RWMutex
	servers map[string]ServerInfo
	groups  map[groupKey][]ServerInfo // Running members only, id-sorted
	cursors map[groupKey]*atomic.Uint64
}

type groupKey struct {
	t       route.ServerType
	service uint16
}

func NewInfoCenter() *InfoCenter {
	return &InfoCenter{
		servers: make(map[string]ServerInfo),
		groups:  make(map[groupKey][]ServerInfo),
		cursors: make(map[groupKey]*atomic.Uint64),
	}
}

// Update replaces the snapshot with list. Round-robin cursors of groups
// that survive the update keep their position.
func (c *InfoCenter) Update(list []ServerInfo) {
	servers := make(map[string]ServerInfo, len(list))
	groups := make(map[groupKey][]ServerInfo)
	for _, info := range list {
		servers[info.ServerID] = info
		if info.State != StateRunning {
			continue
		}
		k := groupKey{t: info.Type, service: info.ServiceID}
		groups[k] = append(groups[k], info)
	}
	for _, members := range groups {
		slices.SortFunc(members, func(a, b ServerInfo) int {
			return strings.Compare(a.ServerID, b.ServerID)
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range groups {
		if _, ok := c.cursors[k]; !ok {
			c.cursors[k] = new(atomic.Uint64)
		}
	}
	for k := range c.cursors {
		if _, ok := groups[k]; !ok {
			delete(c.cursors, k)
		}
	}
	c.servers = servers
	c.groups = groups
}

// Get returns the latest info for one server.
func (c *InfoCenter) Get(serverID string) (ServerInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.servers[serverID]
	return info, ok
}

// All returns the snapshot sorted by server id.
func (c *InfoCenter) All() []ServerInfo {
	c.mu.RLock()
	out := make([]ServerInfo, 0, len(c.servers))
	for _, info := range c.servers {
		out = append(out, info)
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b ServerInfo) int {
		return strings.Compare(a.ServerID, b.ServerID)
	})
	return out
}

// Len reports the number of known servers, any state.
func (c *InfoCenter) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.servers)
}

// Choose picks a Running member of the (serverType, serviceID) group, or
// false when the group is empty.
func (c *InfoCenter) Choose(t route.ServerType, serviceID uint16, p Policy) (ServerInfo, bool) {
	k := groupKey{t: t, service: serviceID}
	c.mu.RLock()
	members := c.groups[k]
	ctr := c.cursors[k]
	c.mu.RUnlock()
	if len(members) == 0 {
		return ServerInfo{}, false
	}
	if p == Weighted {
		// Строгое ">" на id-сортированном срезе оставляет наименьший id
		// при равном весе.
		best := members[0]
		for _, m := range members[1:] {
			if m.Weight > best.Weight {
				best = m
			}
		}
		return best, true
	}
	idx := int((ctr.Add(1) - 1) % uint64(len(members)))
	return members[idx], true
}
