package integration

import (
	"encoding/json"
	"time"

	"github.com/playhouselab/playhouse/internal/room"
	"github.com/playhouselab/playhouse/internal/route"
	"github.com/playhouselab/playhouse/internal/testutil"
)

// relay гонит запрос через api-сервер: стадия отправляет его RequestToApi,
// результат возвращается push-ем lobby.result.
func (s *ClusterSuite) relay(cl *testutil.Client, stageID int64, msgID string, params any) relayResult {
	body, err := json.Marshal(params)
	s.Require().NoError(err)
	req, err := json.Marshal(relayParams{MsgID: msgID, Body: body})
	s.Require().NoError(err)

	cl.Send(msgRelay, stageID, req)

	push := s.awaitPush(cl, msgResult, 5*time.Second)
	var res relayResult
	s.Require().NoError(json.Unmarshal(push.Body, &res))
	return res
}

// Создание стадии через лобби: api-сервер вызывает createStage на play,
// OnCreate отвечает своим телом, повторное создание возвращает
// isCreated=false без ошибки.
func (s *ClusterSuite) TestStageCreationThroughLobby() {
	cl := s.newClient(46, "s5")

	params := room.CreateRoomParams{ServerID: "play-a", StageID: 100, Name: "alpha"}
	res := s.relay(cl, 46, room.MsgCreateRoom, params)
	s.Require().Equal(uint16(route.Success), res.Code)

	var created room.CreateRoomReply
	s.Require().NoError(json.Unmarshal(res.Body, &created))
	s.True(created.Created)
	s.Equal("play-a", created.ServerID)
	s.Equal(int64(100), created.StageID)

	var cr room.CreateReply
	s.Require().NoError(json.Unmarshal(created.Reply, &cr))
	s.Equal("alpha", cr.Name)

	// Тот же id второй раз - не конфликт, но isCreated=false.
	res = s.relay(cl, 46, room.MsgCreateRoom, params)
	s.Require().Equal(uint16(route.Success), res.Code)

	var dup room.CreateRoomReply
	s.Require().NoError(json.Unmarshal(res.Body, &dup))
	s.False(dup.Created)
	s.Empty(dup.Reply)
}

func (s *ClusterSuite) TestLobbyJoinAndClose() {
	cl := s.newClient(47, "lobby")

	res := s.relay(cl, 47, room.MsgCreateRoom,
		room.CreateRoomParams{ServerID: "play-a", StageID: 101, Name: "beta", MaxActors: 2})
	s.Require().Equal(uint16(route.Success), res.Code)

	res = s.relay(cl, 47, room.MsgJoinRoom,
		room.JoinRoomParams{ServerID: "play-a", StageID: 101, Account: "guest"})
	s.Require().Equal(uint16(route.Success), res.Code)
	var seat room.ReserveReply
	s.Require().NoError(json.Unmarshal(res.Body, &seat))
	s.True(seat.Admitted)
	s.Zero(seat.Actors)

	// Бронь в несуществующей комнате отдаёт код стадии, не таймаут.
	res = s.relay(cl, 47, room.MsgJoinRoom,
		room.JoinRoomParams{ServerID: "play-a", StageID: 999, Account: "guest"})
	s.Equal(uint16(route.StageNotFound), res.Code)

	res = s.relay(cl, 47, room.MsgCloseRoom,
		room.CloseRoomParams{ServerID: "play-a", StageID: 101})
	s.Require().Equal(uint16(route.Success), res.Code)

	// Уничтожение идемпотентно.
	res = s.relay(cl, 47, room.MsgCloseRoom,
		room.CloseRoomParams{ServerID: "play-a", StageID: 101})
	s.Equal(uint16(route.Success), res.Code)
}
