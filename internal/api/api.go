// Package api runs the stateless half of a deployment: controllers register
// message handlers once at startup, the dispatcher runs them concurrently,
// one fresh controller instance per inbound message. Unlike stage hooks,
// api handlers may block.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/playhouselab/playhouse/internal/payload"
	"github.com/playhouselab/playhouse/internal/route"
)

// Packet is one routed message as seen by an api handler. The runtime owns
// the buffer: it is valid until the handler returns, unless the handler
// takes it over with Detach.
type Packet struct {
	MsgID     string
	From      string // sender server id, rewritten by the mesh
	StageID   int64
	AccountID string
	Sid       int64
	pl        *payload.Payload
}

// Body returns the payload bytes. Valid until the handler returns.
func (p *Packet) Body() []byte {
	if p == nil || p.pl == nil {
		return nil
	}
	return p.pl.Bytes()
}

// Detach moves payload ownership to the caller, who must Dispose it.
func (p *Packet) Detach() *payload.Payload {
	if p == nil || p.pl == nil {
		return payload.Empty()
	}
	return p.pl.Move()
}

// Reply is the outcome of a blocking request issued through a Link. The
// body is detached from the wire buffer; the caller keeps it.
type Reply struct {
	MsgID string
	Code  route.ErrorCode
	Body  []byte
}

// OK reports a successful reply.
func (r *Reply) OK() bool { return r.Code == route.Success }

// Handler serves one inbound message. ctx is the server's run context and
// ends on shutdown. Returning an error answers a request with the error's
// wire code (route.Coded picks it, route.InvalidResponse otherwise).
// Returning nil without an explicit link.Reply sends nothing: the caller's
// cache settles the request with a timeout.
type Handler func(ctx context.Context, pkt *Packet, link *Link) error

// Registrar collects msgID→handler bindings from a controller.
type Registrar interface {
	Add(msgID string, h Handler)
}

// Controller is implemented by user api controllers. Handles must bind the
// same msg ids on every call: it runs once against a recording registrar at
// attach time and once per dispatched message on a fresh instance, so the
// handlers it registers capture that instance. A controller that also
// implements io.Closer is closed when its handler returns.
type Controller interface {
	Handles(r Registrar)
}

// ControllerFactory builds one controller instance per dispatched message.
type ControllerFactory func() Controller

var (
	// ErrDuplicateMsgID: два обработчика на один id.
	ErrDuplicateMsgID = errors.New("api: msg id already registered")
	// ErrNotRequest: ответ на одностороннее сообщение.
	ErrNotRequest = errors.New("api: packet expects no reply")
	// ErrAlreadyReplied: повторный ответ на тот же запрос.
	ErrAlreadyReplied = errors.New("api: request already replied")
)

// Registry maps message ids to the controllers serving them. Attach every
// controller before the dispatcher runs; lookups are read-only afterwards.
type Registry struct {
	routes map[string]ControllerFactory
}

func NewRegistry() *Registry {
	return &Registry{routes: make(map[string]ControllerFactory)}
}

// Attach probes the controller's Handles and records its msg ids. Any
// invalid or conflicting registration fails the whole attach and leaves the
// registry untouched.
func (r *Registry) Attach(factory ControllerFactory) error {
	if factory == nil {
		return errors.New("api: nil controller factory")
	}
	probe := factory()
	if probe == nil {
		return errors.New("api: controller factory returned nil")
	}
	rec := recorder{seen: make(map[string]struct{})}
	probe.Handles(&rec)
	if c, ok := probe.(io.Closer); ok {
		_ = c.Close()
	}
	if rec.err != nil {
		return fmt.Errorf("api: controller %T: %w", probe, rec.err)
	}
	if len(rec.order) == 0 {
		return fmt.Errorf("api: controller %T registers no handlers", probe)
	}
	for _, id := range rec.order {
		if _, dup := r.routes[id]; dup {
			return fmt.Errorf("api: controller %T: %w: %s", probe, ErrDuplicateMsgID, id)
		}
	}
	for _, id := range rec.order {
		r.routes[id] = factory
	}
	return nil
}

// MsgIDs returns the registered message ids, sorted.
func (r *Registry) MsgIDs() []string {
	out := make([]string, 0, len(r.routes))
	for id := range r.routes {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// handlerFor builds the per-message scope: a fresh controller plus the
// handler bound to it. The closer (possibly nil) runs after the handler.
func (r *Registry) handlerFor(msgID string) (Handler, io.Closer, bool) {
	factory, ok := r.routes[msgID]
	if !ok {
		return nil, nil, false
	}
	ctrl := factory()
	sel := selector{want: msgID}
	ctrl.Handles(&sel)
	closer, _ := ctrl.(io.Closer)
	if sel.h == nil {
		// Handles разошёлся с таблицей маршрутов - считаем, что
		// обработчика нет.
		if closer != nil {
			_ = closer.Close()
		}
		return nil, nil, false
	}
	return sel.h, closer, true
}

// recorder validates registrations at attach time.
type recorder struct {
	seen  map[string]struct{}
	order []string
	err   error
}

func (r *recorder) Add(msgID string, h Handler) {
	if r.err != nil {
		return
	}
	switch {
	case msgID == "":
		r.err = errors.New("empty msg id")
	case len(msgID) > 255:
		r.err = fmt.Errorf("msg id %q longer than 255 bytes", msgID)
	case strings.HasPrefix(msgID, "@"):
		r.err = fmt.Errorf("msg id %q uses the reserved @ namespace", msgID)
	case h == nil:
		r.err = fmt.Errorf("nil handler for %q", msgID)
	default:
		if _, dup := r.seen[msgID]; dup {
			r.err = fmt.Errorf("%w: %s", ErrDuplicateMsgID, msgID)
			return
		}
		r.seen[msgID] = struct{}{}
		r.order = append(r.order, msgID)
	}
}

// selector grabs the handler a fresh controller binds under one msg id.
type selector struct {
	want string
	h    Handler
}

func (s *selector) Add(msgID string, h Handler) {
	if msgID == s.want {
		s.h = h
	}
}
