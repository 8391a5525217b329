package mesh

import (
	"context"
	"log/slog"
	"time"
)

const defaultResolveInterval = 3 * time.Second

// Resolver keeps the node's edges and info center in step with discovery:
// publish self, read back the membership, connect the new, drop the gone.
// A member vanishing from a single reply is tolerated; two consecutive
// absences disconnect it.
type Resolver struct {
	ctrl     SystemController
	node     *Node
	interval time.Duration
	misses   map[string]int // consecutive absent replies per peer
}

// NewResolver builds a resolver driving node from ctrl. interval <= 0
// takes the 3s default.
func NewResolver(ctrl SystemController, node *Node, interval time.Duration) *Resolver {
	if interval <= 0 {
		interval = defaultResolveInterval
	}
	return &Resolver{
		ctrl:     ctrl,
		node:     node,
		interval: interval,
		misses:   make(map[string]int),
	}
}

// Run refreshes immediately, then on every tick until ctx ends.
func (r *Resolver) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// Refresh runs one discovery round. A controller failure keeps the current
// mesh untouched. Not safe for concurrent use; Run is the one caller in
// production, tests drive it directly.
func (r *Resolver) Refresh(ctx context.Context) {
	list, err := r.ctrl.UpdateServerInfo(ctx, r.node.Self())
	if err != nil {
		slog.Warn("server list refresh failed", "err", err)
		return
	}
	list = ensureSelf(list, r.node.Self())
	r.node.Center().Update(list)

	present := make(map[string]struct{}, len(list))
	for _, info := range list {
		present[info.ServerID] = struct{}{}
		delete(r.misses, info.ServerID)
		switch info.State {
		case StateRunning:
			r.node.Connect(info)
		case StateDisabled:
			r.node.Disconnect(info.ServerID)
		}
	}

	for _, id := range r.node.Peers() {
		if _, ok := present[id]; ok {
			continue
		}
		r.misses[id]++
		if r.misses[id] >= 2 {
			delete(r.misses, id)
			slog.Info("peer gone from discovery, disconnecting", "id", id)
			r.node.Disconnect(id)
		}
	}
}

// ensureSelf guards against controllers that drop the caller from the
// reply; the self edge must exist for same-server sends.
func ensureSelf(list []ServerInfo, self ServerInfo) []ServerInfo {
	for _, info := range list {
		if info.ServerID == self.ServerID {
			return list
		}
	}
	return append(list, self)
}
