package integration

import (
	"context"
	"encoding/json"

	"github.com/playhouselab/playhouse/internal/api"
	"github.com/playhouselab/playhouse/internal/play"
	"github.com/playhouselab/playhouse/internal/room"
)

// Тестовая лексика поверх комнаты: verbs, гоняющие трафик через api-сторону.
const (
	driverStageType = "driver"

	msgRelay  = "lobby.relay"  // one-way: запрос к api, результат придёт push-ем
	msgResult = "lobby.result" // push с результатом relay
	msgMark   = "lobby.mark"   // one-way: отметься на каком-нибудь api
	msgProbe  = "probe.mark"
)

type relayParams struct {
	MsgID string          `json:"msg_id"`
	Body  json.RawMessage `json:"body"`
}

type relayResult struct {
	MsgID string          `json:"msg_id"`
	Code  uint16          `json:"code"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// driverStage оборачивает комнату: всё штатное делегируется ей, а lobby.*
// уходит на api-сервера сервиса 1. Ответ прилетает push-ем lobby.result,
// потому что стадия не может держать клиентский запрос открытым через
// асинхронный колбэк.
type driverStage struct {
	play.Stage
	link *play.StageLink
}

func newDriver(link *play.StageLink) play.Stage {
	return &driverStage{Stage: room.New(link), link: link}
}

func (d *driverStage) OnDispatch(actor play.Actor, msg *play.Message) {
	switch msg.MsgID {
	case msgRelay:
		d.relay(msg)
	case msgMark:
		_ = d.link.SendToApi(1, msgProbe, msg.Body())
	default:
		d.Stage.OnDispatch(actor, msg)
	}
}

func (d *driverStage) relay(msg *play.Message) {
	var p relayParams
	if err := json.Unmarshal(msg.Body(), &p); err != nil {
		return
	}
	account := msg.AccountID
	d.link.RequestToApi(1, p.MsgID, p.Body, func(r *play.Reply) {
		out, err := json.Marshal(relayResult{
			MsgID: r.MsgID,
			Code:  uint16(r.Code),
			Body:  append(json.RawMessage(nil), r.Body()...),
		})
		if err != nil {
			return
		}
		_ = d.link.SendToClient(account, msgResult, out)
	})
}

// probeController отмечает, какой api-сервер обслужил сообщение.
type probeController struct {
	hits chan string
}

func probeFactory(hits chan string) api.ControllerFactory {
	return func() api.Controller { return &probeController{hits: hits} }
}

func (p *probeController) Handles(r api.Registrar) {
	r.Add(msgProbe, p.mark)
}

func (p *probeController) mark(_ context.Context, _ *api.Packet, link *api.Link) error {
	select {
	case p.hits <- link.ServerID():
	default:
	}
	return nil
}
