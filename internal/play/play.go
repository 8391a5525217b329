// Package play hosts stages: user-defined rooms that own their state and
// process all of their work on a single bound worker. The package carries
// the stage runtime, the actor directory and the routed-message dispatcher
// of a play server.
package play

import (
	"errors"
	"time"

	"github.com/playhouselab/playhouse/internal/payload"
	"github.com/playhouselab/playhouse/internal/protocol"
	"github.com/playhouselab/playhouse/internal/route"
)

// Stage is implemented by application room types. All hooks run on the
// stage's bound worker, one at a time, in arrival order. Hooks must not
// block; slow work goes through requests with callbacks or timers.
type Stage interface {
	// OnCreate initializes the stage from the create payload and returns
	// the reply body for the creator. An error aborts creation and removes
	// the stage.
	OnCreate(msg *Message) ([]byte, error)

	// OnPostCreate runs once after a successful OnCreate, when the stage is
	// already visible to routing.
	OnPostCreate()

	// OnJoinStage admits or rejects an authenticated actor. An error
	// rejects the join; wrap with route.Coded to pick the error code.
	OnJoinStage(actor Actor) error

	// OnPostJoinStage runs after the actor is fully registered.
	OnPostJoinStage(actor Actor)

	// OnConnectionChanged reports the actor's session going away or coming
	// back. Keeping or dropping a disconnected actor is stage policy:
	// the runtime never removes actors on its own.
	OnConnectionChanged(actor Actor, connected bool)

	// OnDispatch handles a client message from a joined actor.
	OnDispatch(actor Actor, msg *Message)

	// OnDispatchSystem handles a server-to-server message.
	OnDispatchSystem(msg *Message)

	// OnDestroy runs last: timers are already cancelled, the game loop is
	// stopped, actors are destroyed.
	OnDestroy()

	// OnTick runs on every game-loop tick once StartGameLoop was called.
	// delta is always exactly the fixed timestep.
	OnTick(delta, total time.Duration)
}

// Actor is implemented by application per-player types. Lifecycle:
// OnCreate, OnAuthenticate, OnPostAuthenticate, then the stage's join
// hooks; OnDestroy ends it from any state.
type Actor interface {
	// OnCreate runs right after construction, before authentication.
	OnCreate()

	// OnAuthenticate inspects the credential payload of the session's
	// first message and resolves it to a non-empty account id plus the
	// reply body for the client. An error (or empty account) rejects the
	// session; wrap with route.Coded to pick the error code.
	OnAuthenticate(msg *Message) (accountID string, reply []byte, err error)

	// OnPostAuthenticate runs once the account is resolved. When the
	// account already has an actor on the stage, the fresh instance is
	// discarded and the surviving actor gets this hook instead.
	OnPostAuthenticate()

	// OnDestroy runs when the actor is removed from the stage, rejected
	// by it, or discarded in favor of an existing actor.
	OnDestroy()
}

// StageFactory builds the user stage around its framework link.
type StageFactory func(link *StageLink) Stage

// ActorFactory builds the user actor around its framework link.
type ActorFactory func(link *ActorLink) Actor

// Message is one dispatched payload as seen by stage hooks. The runtime
// owns the buffer: it is valid for the duration of the hook and released
// afterwards, unless the hook takes it over with Detach.
type Message struct {
	MsgID     string
	AccountID string
	pl        *payload.Payload
}

// Body returns the payload bytes. Valid until the hook returns.
func (m *Message) Body() []byte {
	if m == nil || m.pl == nil {
		return nil
	}
	return m.pl.Bytes()
}

// Detach moves payload ownership to the caller, who must Dispose it.
func (m *Message) Detach() *payload.Payload {
	if m == nil || m.pl == nil {
		return payload.Empty()
	}
	return m.pl.Move()
}

// Reply is the outcome of a stage-issued request, delivered to its callback
// on the stage worker. The runtime disposes the body when the callback
// returns; Detach takes it over.
type Reply struct {
	MsgID string
	Code  route.ErrorCode
	pl    *payload.Payload
}

// OK reports a successful reply.
func (r *Reply) OK() bool { return r.Code == route.Success }

// Body returns the reply bytes. Valid until the callback returns.
func (r *Reply) Body() []byte {
	if r == nil || r.pl == nil {
		return nil
	}
	return r.pl.Bytes()
}

// Detach moves payload ownership to the caller.
func (r *Reply) Detach() *payload.Payload {
	if r == nil || r.pl == nil {
		return payload.Empty()
	}
	return r.pl.Move()
}

// ReplyCallback consumes exactly one Reply on the stage worker.
type ReplyCallback func(*Reply)

var (
	// ErrStageClosed: операция над ссылкой уничтоженной стадии.
	ErrStageClosed = errors.New("play: stage is closed")
	// ErrActorNotFound: адресат не присоединён к стадии.
	ErrActorNotFound = errors.New("play: actor not found")
	// ErrStageTypeRegistered: повторная регистрация типа.
	ErrStageTypeRegistered = errors.New("play: stage type already registered")
	// ErrStageTypeUnknown: тип не зарегистрирован.
	ErrStageTypeUnknown = errors.New("play: stage type unknown")
	// ErrLoopExists: у стадии уже есть игровой цикл.
	ErrLoopExists = errors.New("play: game loop already started")
)

// Sender is the slice of the mesh the play side needs: identity, delivery
// and api selection.
type Sender interface {
	SelfID() string
	Send(serverID string, pkt *route.Packet) error
	ChooseApi(serviceID uint16) (string, bool)
}

// ClientSender is the slice of the session layer the play side needs.
// The session layer owns the codec; stages hand it decoded packets.
type ClientSender interface {
	SendToClient(sid int64, pkt *protocol.Packet) error
	CloseClient(sid int64, code route.ErrorCode)
	// BindClient marks the session authenticated and joined to the stage.
	BindClient(sid int64, accountID string, stageID int64)
}
