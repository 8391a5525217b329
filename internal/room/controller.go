package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/playhouselab/playhouse/internal/api"
	"github.com/playhouselab/playhouse/internal/route"
)

// Lobby message vocabulary, served by api servers.
const (
	MsgCreateRoom = "room.create"
	MsgJoinRoom   = "room.join"
	MsgCloseRoom  = "room.close"
)

// CreateRoomParams asks the lobby for a room. An empty ServerID lets the
// lobby place the room on any healthy play server of its own service group.
type CreateRoomParams struct {
	ServerID  string `json:"server_id,omitempty"`
	StageID   int64  `json:"stage_id"`
	Name      string `json:"name,omitempty"`
	MaxActors int    `json:"max_actors,omitempty"`
}

// CreateRoomReply reports where the room lives. Created is false when the
// stage id was already taken; Reply carries the room's own create answer
// either way.
type CreateRoomReply struct {
	Created  bool            `json:"created"`
	ServerID string          `json:"server_id"`
	StageID  int64           `json:"stage_id"`
	Reply    json.RawMessage `json:"reply,omitempty"`
}

// JoinRoomParams reserves a seat in an existing room.
type JoinRoomParams struct {
	ServerID string `json:"server_id"`
	StageID  int64  `json:"stage_id"`
	Account  string `json:"account"`
}

// CloseRoomParams tears a room down.
type CloseRoomParams struct {
	ServerID string `json:"server_id"`
	StageID  int64  `json:"stage_id"`
}

// Controller is the lobby: it owns room placement and teardown so clients
// never need to know play servers by name. One instance serves one message.
type Controller struct{}

// NewController is the api.ControllerFactory for the lobby.
func NewController() api.Controller { return &Controller{} }

func (c *Controller) Handles(r api.Registrar) {
	r.Add(MsgCreateRoom, c.create)
	r.Add(MsgJoinRoom, c.join)
	r.Add(MsgCloseRoom, c.close)
}

func (c *Controller) create(ctx context.Context, pkt *api.Packet, link *api.Link) error {
	var p CreateRoomParams
	if err := json.Unmarshal(pkt.Body(), &p); err != nil {
		return route.Coded(route.DecodeFailed, fmt.Errorf("room: create params: %w", err))
	}

	target := p.ServerID
	if target == "" {
		chosen, ok := link.ChoosePlay(link.ServiceID())
		if !ok {
			return route.Coded(route.ConnectionFailed, errors.New("room: no play server available"))
		}
		target = chosen
	}

	body, err := json.Marshal(CreateParams{Name: p.Name, MaxActors: p.MaxActors})
	if err != nil {
		return err
	}
	created, reply, err := link.CreateStage(ctx, target, p.StageID, StageType, body)
	if err != nil {
		return err
	}

	out, err := json.Marshal(CreateRoomReply{
		Created:  created,
		ServerID: target,
		StageID:  p.StageID,
		Reply:    reply,
	})
	if err != nil {
		return err
	}
	return link.Reply(out)
}

func (c *Controller) join(ctx context.Context, pkt *api.Packet, link *api.Link) error {
	var p JoinRoomParams
	if err := json.Unmarshal(pkt.Body(), &p); err != nil {
		return route.Coded(route.DecodeFailed, fmt.Errorf("room: join params: %w", err))
	}
	if p.Account == "" {
		return route.Coded(route.Unauthorized, errors.New("room: join needs an account"))
	}

	body, err := json.Marshal(PresenceBody{Account: p.Account})
	if err != nil {
		return err
	}
	r, err := link.RequestToStage(ctx, p.ServerID, p.StageID, MsgReserve, body)
	if err != nil {
		return err
	}
	if !r.OK() {
		return route.Coded(r.Code, fmt.Errorf("room: reserve seat in %d on %s", p.StageID, p.ServerID))
	}
	// Комната отвечает готовым ReserveReply - пробрасываем как есть.
	return link.Reply(r.Body)
}

func (c *Controller) close(ctx context.Context, pkt *api.Packet, link *api.Link) error {
	var p CloseRoomParams
	if err := json.Unmarshal(pkt.Body(), &p); err != nil {
		return route.Coded(route.DecodeFailed, fmt.Errorf("room: close params: %w", err))
	}
	if err := link.DestroyStage(ctx, p.ServerID, p.StageID); err != nil {
		return err
	}
	return link.Reply(nil)
}
