package api

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playhouselab/playhouse/internal/payload"
	"github.com/playhouselab/playhouse/internal/request"
	"github.com/playhouselab/playhouse/internal/route"
)

// fakeSender records mesh sends; onSend can loop replies back into the
// dispatcher.
type fakeSender struct {
	self   string
	apiID  string // ChooseApi target, "" means no api alive
	playID string // ChoosePlay target
	mu     sync.Mutex
	sent   []*route.Packet
	fail   error
	onSend func(pkt *route.Packet)
}

func (f *fakeSender) SelfID() string { return f.self }

func (f *fakeSender) Send(serverID string, pkt *route.Packet) error {
	f.mu.Lock()
	fail, onSend := f.fail, f.onSend
	if fail == nil {
		f.sent = append(f.sent, pkt)
	}
	f.mu.Unlock()
	if fail != nil {
		return fail
	}
	if onSend != nil {
		onSend(pkt)
	}
	return nil
}

func (f *fakeSender) ChooseApi(serviceID uint16) (string, bool) {
	if f.apiID == "" {
		return "", false
	}
	return f.apiID, true
}

func (f *fakeSender) ChoosePlay(serviceID uint16) (string, bool) {
	if f.playID == "" {
		return "", false
	}
	return f.playID, true
}

func (f *fakeSender) take() []*route.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

// ctrlState programs and observes the scripted controller. built counts the
// attach-time probe too.
type ctrlState struct {
	built  atomic.Int64
	closed atomic.Int64
	work   Handler
	notify Handler
}

type scriptedController struct{ st *ctrlState }

func scripted(st *ctrlState) ControllerFactory {
	return func() Controller {
		st.built.Add(1)
		return &scriptedController{st: st}
	}
}

func (c *scriptedController) Handles(r Registrar) {
	r.Add("work", c.onWork)
	r.Add("notify", c.onNotify)
}

func (c *scriptedController) Close() error {
	c.st.closed.Add(1)
	return nil
}

func (c *scriptedController) onWork(ctx context.Context, pkt *Packet, link *Link) error {
	if c.st.work != nil {
		return c.st.work(ctx, pkt, link)
	}
	return nil
}

func (c *scriptedController) onNotify(ctx context.Context, pkt *Packet, link *Link) error {
	if c.st.notify != nil {
		return c.st.notify(ctx, pkt, link)
	}
	return nil
}

// env is one api server wired to fakes inside a synctest bubble.
type env struct {
	d      *Dispatcher
	cache  *request.Cache
	sender *fakeSender
	st     *ctrlState
}

func startEnv(t *testing.T) *env {
	t.Helper()
	st := &ctrlState{}
	reg := NewRegistry()
	require.NoError(t, reg.Attach(scripted(st)))
	cache := request.NewCache(500 * time.Millisecond)
	d := NewDispatcher(Config{ServerID: "api-1", ServiceID: 2}, reg, cache)
	e := &env{d: d, cache: cache, sender: &fakeSender{self: "api-1"}, st: st}
	d.Bind(e.sender)

	ctx, cancel := context.WithCancel(context.Background())
	cacheDone := make(chan struct{})
	go func() { defer close(cacheDone); _ = cache.Run(ctx) }()
	runDone := make(chan struct{})
	go func() { defer close(runDone); _ = d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-cacheDone
		<-runDone
	})
	return e
}

func inbound(msgID string, seq uint16, body []byte) *route.Packet {
	return route.NewPacket(route.Header{
		MsgSeq:    seq,
		ServiceID: 1,
		Type:      route.ServerTypePlay,
		MsgID:     msgID,
		From:      "play-1",
		StageID:   77,
		AccountID: "alice",
		Sid:       9,
	}, payload.FromBytes(body))
}

func TestHandlerNotFound(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := startEnv(t)

		e.d.HandleRoute(inbound("ghost", 5, nil))
		synctest.Wait()

		sent := e.sender.take()
		require.Len(t, sent, 1)
		assert.True(t, sent[0].IsReply())
		assert.Equal(t, route.HandlerNotFound, sent[0].Header.ErrorCode)
		assert.Equal(t, uint16(5), sent[0].Header.MsgSeq)

		// Одностороннее сообщение без обработчика просто выбрасывается.
		e.d.HandleRoute(inbound("ghost", 0, nil))
		synctest.Wait()
		assert.Empty(t, e.sender.take())
	})
}

func TestSilentHandlerLeavesRequestToCallerTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := startEnv(t)

		// Обработчик вернул nil и не ответил - диспетчер молчит, запрос
		// закроет кэш на стороне отправителя.
		e.d.HandleRoute(inbound("work", 3, []byte("x")))
		synctest.Wait()
		assert.Empty(t, e.sender.take())
		assert.Equal(t, int64(0), e.d.InFlight())

		e.st.work = func(ctx context.Context, pkt *Packet, link *Link) error {
			return link.ReplyWith("work.done", pkt.Body())
		}
		e.d.HandleRoute(inbound("work", 4, []byte("x")))
		synctest.Wait()

		sent := e.sender.take()
		require.Len(t, sent, 1)
		assert.Equal(t, route.Success, sent[0].Header.ErrorCode)
		assert.Equal(t, "work.done", sent[0].Header.MsgID)
		assert.Equal(t, uint16(4), sent[0].Header.MsgSeq)
		assert.Equal(t, "x", string(sent[0].Body()))
	})
}

func TestPerMessageControllerScope(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := startEnv(t)

		e.d.HandleRoute(inbound("work", 1, nil))
		e.d.HandleRoute(inbound("work", 2, nil))
		synctest.Wait()

		// Проба при регистрации + по экземпляру на каждый диспатч.
		assert.Equal(t, int64(3), e.st.built.Load())
		assert.Equal(t, int64(3), e.st.closed.Load())
	})
}

func TestExplicitReplyWinsOverError(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := startEnv(t)
		e.st.work = func(ctx context.Context, pkt *Packet, link *Link) error {
			assert.NoError(t, link.Reply([]byte("done")))
			return errors.New("late failure")
		}

		e.d.HandleRoute(inbound("work", 4, nil))
		synctest.Wait()

		sent := e.sender.take()
		require.Len(t, sent, 1)
		assert.Equal(t, route.Success, sent[0].Header.ErrorCode)
		assert.Equal(t, "done", string(sent[0].Body()))
	})
}

func TestErrorAndPanicReplies(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := startEnv(t)
		e.st.work = func(context.Context, *Packet, *Link) error {
			return route.Coded(route.Disabled, errors.New("maintenance"))
		}
		e.d.HandleRoute(inbound("work", 1, nil))
		synctest.Wait()
		sent := e.sender.take()
		require.Len(t, sent, 1)
		assert.Equal(t, route.Disabled, sent[0].Header.ErrorCode)

		e.st.work = func(context.Context, *Packet, *Link) error {
			panic("handler exploded")
		}
		e.d.HandleRoute(inbound("work", 2, nil))
		synctest.Wait()
		sent = e.sender.take()
		require.Len(t, sent, 1)
		assert.Equal(t, route.InvalidResponse, sent[0].Header.ErrorCode)

		// Диспетчер пережил панику и обслуживает дальше.
		e.st.work = func(ctx context.Context, pkt *Packet, link *Link) error {
			return link.Reply([]byte("ok"))
		}
		e.d.HandleRoute(inbound("work", 3, nil))
		synctest.Wait()
		sent = e.sender.take()
		require.Len(t, sent, 1)
		assert.Equal(t, route.Success, sent[0].Header.ErrorCode)
		assert.Equal(t, "ok", string(sent[0].Body()))
	})
}

func TestReplyMisuse(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := startEnv(t)
		got := make(chan error, 1)
		e.st.notify = func(ctx context.Context, pkt *Packet, link *Link) error {
			got <- link.Reply([]byte("x"))
			return nil
		}

		e.d.HandleRoute(inbound("notify", 0, nil))
		synctest.Wait()
		assert.ErrorIs(t, <-got, ErrNotRequest)
		assert.Empty(t, e.sender.take())

		e.st.work = func(ctx context.Context, pkt *Packet, link *Link) error {
			assert.NoError(t, link.Reply([]byte("first")))
			got <- link.ReplyError(route.Disabled)
			return nil
		}
		e.d.HandleRoute(inbound("work", 1, nil))
		synctest.Wait()
		assert.ErrorIs(t, <-got, ErrAlreadyReplied)
		sent := e.sender.take()
		require.Len(t, sent, 1)
		assert.Equal(t, "first", string(sent[0].Body()))
	})
}

func TestRequestToStageRoundTrip(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := startEnv(t)
		e.sender.onSend = func(pkt *route.Packet) {
			if pkt.Header.MsgID == "join" && pkt.IsRequest() {
				body := payload.FromBytes([]byte("joined:" + string(pkt.Body())))
				e.d.HandleRoute(route.Reply(pkt, route.Success, body))
			}
		}
		e.st.work = func(ctx context.Context, pkt *Packet, link *Link) error {
			r, err := link.RequestToStage(ctx, "play-1", 42, "join", pkt.Body())
			if err != nil {
				return err
			}
			if !r.OK() {
				return route.Coded(r.Code, errors.New("join rejected"))
			}
			return link.Reply(r.Body)
		}

		e.d.HandleRoute(inbound("work", 7, []byte("alice")))
		synctest.Wait()

		var final *route.Packet
		for _, pkt := range e.sender.take() {
			if pkt.IsReply() && pkt.Header.MsgSeq == 7 {
				final = pkt
			}
		}
		require.NotNil(t, final)
		assert.Equal(t, route.Success, final.Header.ErrorCode)
		assert.Equal(t, "joined:alice", string(final.Body()))
		assert.Equal(t, 0, e.cache.Len())
	})
}

func TestRequestTimesOut(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := startEnv(t)
		got := make(chan *Reply, 1)
		e.st.work = func(ctx context.Context, pkt *Packet, link *Link) error {
			r, err := link.RequestToStage(ctx, "play-1", 42, "slow", nil)
			if err != nil {
				return err
			}
			got <- r
			return link.ReplyError(r.Code)
		}

		e.d.HandleRoute(inbound("work", 7, nil))
		time.Sleep(700 * time.Millisecond)
		synctest.Wait()

		r := <-got
		assert.Equal(t, route.RequestTimeout, r.Code)
		assert.Equal(t, route.MsgIDTimeout, r.MsgID)

		var final *route.Packet
		for _, pkt := range e.sender.take() {
			if pkt.IsReply() && pkt.Header.MsgSeq == 7 {
				final = pkt
			}
		}
		require.NotNil(t, final)
		assert.Equal(t, route.RequestTimeout, final.Header.ErrorCode)
	})
}

func TestSendFailureSurfacesAsReplyCode(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := startEnv(t)
		e.sender.fail = route.ErrPeerQueueFull
		got := make(chan *Reply, 1)
		e.st.work = func(ctx context.Context, pkt *Packet, link *Link) error {
			r, err := link.RequestToStage(ctx, "play-1", 1, "ping", nil)
			if err != nil {
				return err
			}
			got <- r
			return nil
		}

		e.d.HandleRoute(inbound("work", 0, nil))
		synctest.Wait()

		assert.Equal(t, route.BufferOverflow, (<-got).Code)
	})
}

func TestCreateStageRoundTrip(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := startEnv(t)
		var creates atomic.Int64
		e.sender.onSend = func(pkt *route.Packet) {
			if pkt.Header.MsgID != route.MsgIDCreateStage || !pkt.IsRequest() {
				return
			}
			stageType, body, err := route.UnpackCreateStage(pkt.Body())
			assert.NoError(t, err)
			assert.Equal(t, "room", stageType)
			switch creates.Add(1) {
			case 1:
				assert.Equal(t, "seed", string(body))
				reply := route.PackCreateStageReply(true, []byte("created"))
				e.d.HandleRoute(route.Reply(pkt, route.Success, reply))
			case 2:
				reply := route.PackCreateStageReply(false, nil)
				e.d.HandleRoute(route.Reply(pkt, route.Success, reply))
			default:
				e.d.HandleRoute(route.Reply(pkt, route.Disabled, nil))
			}
		}

		result := make(chan error, 1)
		e.st.work = func(ctx context.Context, pkt *Packet, link *Link) error {
			created, reply, err := link.CreateStage(ctx, "play-1", 100, "room", []byte("seed"))
			if err != nil {
				result <- err
				return err
			}
			assert.True(t, created)
			assert.Equal(t, "created", string(reply))

			// Повторное создание отвечает успехом с isCreated=false.
			created, _, err = link.CreateStage(ctx, "play-1", 100, "room", nil)
			assert.NoError(t, err)
			assert.False(t, created)

			_, _, err = link.CreateStage(ctx, "play-1", 100, "room", nil)
			result <- err
			return nil
		}

		e.d.HandleRoute(inbound("work", 1, nil))
		synctest.Wait()

		err := <-result
		require.Error(t, err)
		var coded *route.CodedError
		require.ErrorAs(t, err, &coded)
		assert.Equal(t, route.Disabled, coded.Code)
	})
}

func TestRequestToApiWithoutPeer(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := startEnv(t)
		got := make(chan *Reply, 1)
		e.st.work = func(ctx context.Context, pkt *Packet, link *Link) error {
			assert.ErrorIs(t, link.SendToApi(3, "ping", nil), route.ErrPeerUnavailable)
			r, err := link.RequestToApi(ctx, 3, "ping", nil)
			if err != nil {
				return err
			}
			got <- r
			return nil
		}

		e.d.HandleRoute(inbound("work", 0, nil))
		synctest.Wait()

		assert.Equal(t, route.ConnectionFailed, (<-got).Code)
	})
}

func TestShutdownWaitsForHandlers(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		st := &ctrlState{}
		reg := NewRegistry()
		require.NoError(t, reg.Attach(scripted(st)))
		d := NewDispatcher(Config{ServerID: "api-1", ServiceID: 2}, reg, request.NewCache(0))
		d.Bind(&fakeSender{self: "api-1"})

		ctx, cancel := context.WithCancel(context.Background())
		runDone := make(chan struct{})
		go func() { defer close(runDone); _ = d.Run(ctx) }()
		synctest.Wait()

		finished := make(chan struct{})
		st.work = func(context.Context, *Packet, *Link) error {
			time.Sleep(100 * time.Millisecond)
			close(finished)
			return nil
		}
		d.HandleRoute(inbound("work", 0, nil))
		cancel()

		// Run не возвращается, пока обработчик в полёте.
		time.Sleep(50 * time.Millisecond)
		select {
		case <-runDone:
			t.Fatal("run returned with a handler in flight")
		default:
		}

		time.Sleep(60 * time.Millisecond)
		synctest.Wait()
		<-finished
		<-runDone
		assert.Equal(t, int64(0), d.InFlight())
	})
}

func TestCtxCancelUnblocksRequest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		st := &ctrlState{}
		reg := NewRegistry()
		require.NoError(t, reg.Attach(scripted(st)))
		cache := request.NewCache(time.Hour)
		d := NewDispatcher(Config{ServerID: "api-1", ServiceID: 2}, reg, cache)
		d.Bind(&fakeSender{self: "api-1"})

		ctx, cancel := context.WithCancel(context.Background())
		runDone := make(chan struct{})
		go func() { defer close(runDone); _ = d.Run(ctx) }()
		synctest.Wait()

		got := make(chan error, 1)
		st.work = func(ctx context.Context, pkt *Packet, link *Link) error {
			_, err := link.RequestToStage(ctx, "play-1", 1, "slow", nil)
			got <- err
			return err
		}
		d.HandleRoute(inbound("work", 0, nil))
		synctest.Wait()

		cancel()
		synctest.Wait()
		assert.ErrorIs(t, <-got, context.Canceled)
		assert.Equal(t, 0, cache.Len())
		<-runDone
	})
}
