// Package room is the sample application shipped with the framework: a chat
// room stage with echo, broadcast and a fixed-timestep loop, plus the api
// controller that creates and fills rooms. The integration tests run against
// it, and new deployments usually start by copying it.
package room

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/playhouselab/playhouse/internal/play"
	"github.com/playhouselab/playhouse/internal/route"
)

// StageType is the name rooms register under.
const StageType = "room"

// Client-facing message vocabulary.
const (
	MsgAuth       = "room.auth"
	MsgEcho       = "EchoRequest"
	MsgEchoReply  = "EchoReply"
	MsgNoResponse = "NoResponseRequest"
	MsgSay        = "room.say"
	MsgSaid       = "room.said"
	MsgStartLoop  = "room.startLoop"
	MsgStopLoop   = "room.stopLoop"
	MsgTick       = "room.tick"
	MsgJoined     = "room.joined"
	MsgLeft       = "room.left"

	// MsgReserve is server-side vocabulary: api servers ask a room for a
	// seat before directing the client to it.
	MsgReserve = "room.reserve"
)

// CreateParams is the stage create payload.
type CreateParams struct {
	Name string `json:"name"`
	// MaxActors of 0 keeps the room unbounded.
	MaxActors int `json:"max_actors,omitempty"`
}

// CreateReply answers a successful create.
type CreateReply struct {
	Name string `json:"name"`
}

// ChatBody travels in room.say and room.said.
type ChatBody struct {
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

// PresenceBody travels in room.joined, room.left and room.reserve.
type PresenceBody struct {
	Account string `json:"account"`
}

// LoopParams configures room.startLoop.
type LoopParams struct {
	TimestepMs int `json:"timestep_ms"`
}

// ReserveReply answers a seat reservation.
type ReserveReply struct {
	Admitted bool `json:"admitted"`
	Actors   int  `json:"actors"`
}

// defaultTimestep drives rooms that start their loop without a rate.
const defaultTimestep = 50 * time.Millisecond

// Room keeps a named set of players, relays chat between them and, once the
// loop is started, notifies all of them on every tick. Disconnected players
// are dropped immediately.
type Room struct {
	link *play.StageLink

	name      string
	maxActors int
}

// New is the play.StageFactory for rooms.
func New(link *play.StageLink) play.Stage { return &Room{link: link} }

func (r *Room) OnCreate(msg *play.Message) ([]byte, error) {
	var p CreateParams
	if len(msg.Body()) > 0 {
		if err := json.Unmarshal(msg.Body(), &p); err != nil {
			return nil, route.Coded(route.DecodeFailed, fmt.Errorf("room: create params: %w", err))
		}
	}
	if p.Name == "" {
		p.Name = fmt.Sprintf("room-%d", r.link.StageID())
	}
	if p.MaxActors < 0 {
		return nil, route.Coded(route.DecodeFailed, fmt.Errorf("room: max_actors %d", p.MaxActors))
	}
	r.name = p.Name
	r.maxActors = p.MaxActors
	return json.Marshal(CreateReply{Name: r.name})
}

func (r *Room) OnPostCreate() {
	slog.Info("room created", "stage_id", r.link.StageID(), "name", r.name)
}

func (r *Room) OnJoinStage(actor play.Actor) error {
	if r.maxActors > 0 && r.link.ActorCount() >= r.maxActors {
		return route.Coded(route.Disabled, errors.New("room: full"))
	}
	return nil
}

func (r *Room) OnPostJoinStage(actor play.Actor) {
	if p, ok := actor.(*Player); ok {
		r.broadcastPresence(MsgJoined, p.link.AccountID())
	}
}

func (r *Room) OnConnectionChanged(actor play.Actor, connected bool) {
	p, ok := actor.(*Player)
	if !ok || connected {
		return
	}
	account := p.link.AccountID()
	if r.link.RemoveActor(account) {
		r.broadcastPresence(MsgLeft, account)
	}
}

func (r *Room) OnDispatch(actor play.Actor, msg *play.Message) {
	switch msg.MsgID {
	case MsgEcho:
		r.link.ReplyWith(MsgEchoReply, msg.Body())

	case MsgNoResponse:
		// Намеренно без ответа: запрос закроет кэш на стороне клиента.

	case MsgSay:
		body, err := json.Marshal(ChatBody{From: msg.AccountID, Text: chatText(msg.Body())})
		if err != nil {
			r.link.ReplyError(route.EncodeFailed)
			return
		}
		r.link.Broadcast(MsgSaid, body)
		r.link.Reply(nil)

	case MsgStartLoop:
		r.startLoop(msg)

	case MsgStopLoop:
		r.link.StopGameLoop()
		r.link.Reply(nil)

	default:
		r.link.ReplyError(route.HandlerNotFound)
	}
}

func (r *Room) OnDispatchSystem(msg *play.Message) {
	switch msg.MsgID {
	case MsgReserve:
		var p PresenceBody
		if err := json.Unmarshal(msg.Body(), &p); err != nil {
			r.link.ReplyError(route.DecodeFailed)
			return
		}
		admitted := r.maxActors == 0 || r.link.ActorCount() < r.maxActors
		body, err := json.Marshal(ReserveReply{Admitted: admitted, Actors: r.link.ActorCount()})
		if err != nil {
			r.link.ReplyError(route.EncodeFailed)
			return
		}
		r.link.Reply(body)

	default:
		r.link.ReplyError(route.HandlerNotFound)
	}
}

func (r *Room) OnTick(delta, total time.Duration) {
	r.link.Broadcast(MsgTick, EncodeTick(delta, total))
}

func (r *Room) OnDestroy() {
	slog.Info("room destroyed", "stage_id", r.link.StageID(), "name", r.name)
}

func (r *Room) startLoop(msg *play.Message) {
	var p LoopParams
	if len(msg.Body()) > 0 {
		if err := json.Unmarshal(msg.Body(), &p); err != nil {
			r.link.ReplyError(route.DecodeFailed)
			return
		}
	}
	step := defaultTimestep
	if p.TimestepMs > 0 {
		step = time.Duration(p.TimestepMs) * time.Millisecond
	}
	if err := r.link.StartGameLoop(step, 0); err != nil {
		r.link.ReplyError(route.InvalidResponse)
		return
	}
	r.link.Reply(nil)
}

func (r *Room) broadcastPresence(msgID, account string) {
	body, err := json.Marshal(PresenceBody{Account: account})
	if err != nil {
		return
	}
	r.link.Broadcast(msgID, body)
}

// chatText accepts both a bare string and a ChatBody payload, so simple
// clients can skip JSON.
func chatText(body []byte) string {
	var c ChatBody
	if err := json.Unmarshal(body, &c); err == nil && c.Text != "" {
		return c.Text
	}
	return string(body)
}

// Player is the room's per-connection actor. The account id is the
// credential itself: the sample trusts whatever name the client presents.
type Player struct {
	link *play.ActorLink
}

// NewPlayer is the play.ActorFactory for rooms.
func NewPlayer(link *play.ActorLink) play.Actor { return &Player{link: link} }

func (p *Player) OnCreate() {}

func (p *Player) OnAuthenticate(msg *play.Message) (string, []byte, error) {
	account := string(msg.Body())
	if account == "" {
		return "", nil, route.Coded(route.Unauthorized, errors.New("room: empty credential"))
	}
	reply, err := json.Marshal(PresenceBody{Account: account})
	if err != nil {
		return "", nil, err
	}
	return account, reply, nil
}

func (p *Player) OnPostAuthenticate() {}

func (p *Player) OnDestroy() {}

// EncodeTick packs a tick notification: delta then total, little-endian
// nanoseconds.
func EncodeTick(delta, total time.Duration) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b, uint64(delta))
	binary.LittleEndian.PutUint64(b[8:], uint64(total))
	return b
}

// DecodeTick unpacks a room.tick payload.
func DecodeTick(b []byte) (delta, total time.Duration, err error) {
	if len(b) != 16 {
		return 0, 0, fmt.Errorf("room: tick payload %d bytes", len(b))
	}
	delta = time.Duration(binary.LittleEndian.Uint64(b))
	total = time.Duration(binary.LittleEndian.Uint64(b[8:]))
	return delta, total, nil
}
