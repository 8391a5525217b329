// Package mesh is the identity-routed transport between servers. Every
// process binds one listener, dials every peer it discovers (itself
// included) and announces its server id in a handshake frame; after that,
// route frames flow dialer to acceptor. Sending to a server means writing
// to the edge dialed toward it, so a reply always travels the replier's
// own outbound edge.
//
// Frames on one edge arrive in order, and all edges funnel into a single
// inbound channel, so the dispatcher sees per-sender order.
package mesh

import (
	"context"

	"github.com/playhouselab/playhouse/internal/route"
)

// State of a mesh member as published through discovery.
type State uint8

const (
	StateRunning State = iota
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// ParseState maps the stored spelling to a State. Unknown spellings come
// back Disabled so a corrupt registry row never receives traffic.
func ParseState(s string) State {
	if s == "running" {
		return StateRunning
	}
	return StateDisabled
}

// ServerInfo describes one mesh member as discovery reports it. A server
// is identified by ServerID alone; everything else may change between
// refreshes.
type ServerInfo struct {
	ServerID  string
	Type      route.ServerType
	ServiceID uint16
	Address   string // host:port of the member's mesh listener
	State     State
	Weight    int
}

// SystemController publishes the local server and returns the current
// membership. Reference implementations live in internal/discovery;
// applications may bring their own registry.
type SystemController interface {
	UpdateServerInfo(ctx context.Context, self ServerInfo) ([]ServerInfo, error)
}

// Dispatcher consumes inbound packets one at a time, in arrival order,
// and takes ownership of each.
type Dispatcher interface {
	HandleRoute(pkt *route.Packet)
}

// Policy picks a member out of a (server type, service id) group.
type Policy uint8

const (
	// RoundRobin walks the group in server id order under a shared counter.
	RoundRobin Policy = iota
	// Weighted picks the largest weight, smallest server id on ties.
	Weighted
)

func (p Policy) String() string {
	switch p {
	case RoundRobin:
		return "round_robin"
	case Weighted:
		return "weighted"
	default:
		return "unknown"
	}
}
