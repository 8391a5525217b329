package integration

import (
	"encoding/json"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/playhouselab/playhouse/internal/metrics"
	"github.com/playhouselab/playhouse/internal/room"
	"github.com/playhouselab/playhouse/internal/route"
)

// Fire-and-forget: seq 0 обрабатывается ровно один раз и никогда не
// отвечается; наблюдаем обработку по броадкасту и счётчику диспатчей.
func (s *ClusterSuite) TestFireAndForget() {
	cl := s.newClient(44, "s3")

	dispatched := metrics.MessagesDispatched.WithLabelValues("client")
	base := promtestutil.ToFloat64(dispatched)

	cl.Send(room.MsgSay, 44, []byte("hello"))

	push := s.awaitPush(cl, room.MsgSaid, 3*time.Second)
	s.Zero(push.MsgSeq)
	var chat room.ChatBody
	s.Require().NoError(json.Unmarshal(push.Body, &chat))
	s.Equal("s3", chat.From)
	s.Equal("hello", chat.Text)

	s.Require().Eventually(func() bool {
		return promtestutil.ToFloat64(dispatched) >= base+1
	}, 3*time.Second, 20*time.Millisecond)
	s.Equal(base+1, promtestutil.ToFloat64(dispatched), "exactly one dispatch")
}

// Запрос без ответа сервера: клиентский кэш закрывает его таймаутом, а
// соединение остаётся живым.
func (s *ClusterSuite) TestRequestTimeout() {
	cl := s.newClient(45, "s4")

	cl.Timeout = 300 * time.Millisecond
	f := cl.Request(room.MsgNoResponse, 45, nil)

	s.Equal("@Timeout@", f.MsgID)
	s.NotZero(f.MsgSeq)
	s.Equal(uint16(route.RequestTimeout), f.ErrorCode)

	cl.Timeout = 5 * time.Second
	echo := cl.Request(room.MsgEcho, 45, []byte("still alive"))
	s.Require().True(echo.OK(), "connection must survive the timeout")
	s.Equal([]byte("still alive"), echo.Body)
}
