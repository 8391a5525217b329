package api

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/playhouselab/playhouse/internal/payload"
	"github.com/playhouselab/playhouse/internal/route"
)

// Link is the per-message framework handle an api handler receives. Unlike
// stage links it is not bound to a worker: handlers may block on its request
// methods, and Reply is safe from any goroutine the handler spawns.
type Link struct {
	d       *Dispatcher
	req     *route.Packet
	replied atomic.Bool
}

// ServerID returns this server's mesh identity.
func (l *Link) ServerID() string { return l.d.sender.SelfID() }

// ServiceID returns this server's service group.
func (l *Link) ServiceID() uint16 { return l.d.cfg.ServiceID }

// Reply answers the inbound request with a success body under the request's
// own message id. The first reply wins; a request nobody answers is settled
// on the caller's side by its cache timeout.
func (l *Link) Reply(body []byte) error {
	return l.reply(route.Success, "", body)
}

// ReplyWith answers the inbound request under a different message id, for
// reply types named apart from their request.
func (l *Link) ReplyWith(msgID string, body []byte) error {
	return l.reply(route.Success, msgID, body)
}

// ReplyError answers the inbound request with an error code.
func (l *Link) ReplyError(code route.ErrorCode) error {
	return l.reply(code, "", nil)
}

func (l *Link) reply(code route.ErrorCode, msgID string, body []byte) error {
	if !l.req.IsRequest() {
		return ErrNotRequest
	}
	if !l.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	if msgID == "" {
		msgID = l.req.Header.MsgID
	}
	l.d.sendReplyAs(l.req, msgID, code, payload.FromBytes(body))
	return nil
}

// finish answers a failed request after the handler returned, unless an
// explicit reply already went out.
func (l *Link) finish(code route.ErrorCode) {
	if l.replied.CompareAndSwap(false, true) {
		l.d.sendReply(l.req, code, nil)
	}
}

// SendToStage pushes a one-way message to a stage on a play server.
func (l *Link) SendToStage(serverID string, stageID int64, msgID string, body []byte) error {
	return l.d.send(serverID, l.d.header(msgID, stageID), payload.FromBytes(body))
}

// RequestToStage sends a request to a stage and blocks for its single
// completion. Transport failures and timeouts arrive as the reply's code;
// err is non-nil only when ctx ended first.
func (l *Link) RequestToStage(ctx context.Context, serverID string, stageID int64, msgID string, body []byte) (*Reply, error) {
	return l.d.roundTrip(ctx, serverID, l.d.header(msgID, stageID), payload.FromBytes(body))
}

// CreateStage asks a play server to create a stage and blocks for the
// outcome. created is false when the stage already existed; reply carries
// the stage's own create answer either way.
func (l *Link) CreateStage(ctx context.Context, serverID string, stageID int64, stageType string, body []byte) (created bool, reply []byte, err error) {
	env, err := route.PackCreateStage(stageType, body)
	if err != nil {
		return false, nil, err
	}
	r, err := l.d.roundTrip(ctx, serverID, l.d.header(route.MsgIDCreateStage, stageID), env)
	if err != nil {
		return false, nil, err
	}
	if !r.OK() {
		return false, nil, fmt.Errorf("api: create stage %d on %s: %w",
			stageID, serverID, route.Coded(r.Code, nil))
	}
	created, replyBody, err := route.UnpackCreateStageReply(r.Body)
	if err != nil {
		return false, nil, err
	}
	return created, replyBody, nil
}

// DestroyStage asks a play server to tear a stage down and blocks for the
// acknowledgement. Destroying an absent stage succeeds.
func (l *Link) DestroyStage(ctx context.Context, serverID string, stageID int64) error {
	r, err := l.d.roundTrip(ctx, serverID, l.d.header(route.MsgIDDestroyStage, stageID), nil)
	if err != nil {
		return err
	}
	if !r.OK() {
		return fmt.Errorf("api: destroy stage %d on %s: %w",
			stageID, serverID, route.Coded(r.Code, nil))
	}
	return nil
}

// SendToApi pushes a one-way message to a healthy api server of the service.
func (l *Link) SendToApi(serviceID uint16, msgID string, body []byte) error {
	target, ok := l.d.sender.ChooseApi(serviceID)
	if !ok {
		return route.ErrPeerUnavailable
	}
	return l.d.send(target, l.d.header(msgID, 0), payload.FromBytes(body))
}

// RequestToApi sends a request to a healthy api server of the service and
// blocks for the reply. With no healthy peer the reply carries
// ConnectionFailed, mirroring what a failed send would produce.
func (l *Link) RequestToApi(ctx context.Context, serviceID uint16, msgID string, body []byte) (*Reply, error) {
	target, ok := l.d.sender.ChooseApi(serviceID)
	if !ok {
		return &Reply{MsgID: msgID, Code: route.ConnectionFailed}, nil
	}
	return l.d.roundTrip(ctx, target, l.d.header(msgID, 0), payload.FromBytes(body))
}

// ChoosePlay picks a healthy play server of the service group, for stage
// placement decisions.
func (l *Link) ChoosePlay(serviceID uint16) (string, bool) {
	return l.d.sender.ChoosePlay(serviceID)
}
