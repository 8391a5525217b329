package integration

import (
	"encoding/json"
	"time"

	"github.com/playhouselab/playhouse/internal/room"
)

// Фиксированный шаг: секунда цикла на 50мс даёт ~20 тиков с точной дельтой
// и total, растущим ровно на шаг. Catch-up после зависаний планировщика
// держит счёт в узком коридоре.
func (s *ClusterSuite) TestGameLoopCadence() {
	const step = 50 * time.Millisecond

	cl := s.newClient(48, "s6")

	params, err := json.Marshal(room.LoopParams{TimestepMs: 50})
	s.Require().NoError(err)
	f := cl.Request(room.MsgStartLoop, 48, params)
	s.Require().True(f.OK(), "startLoop: code %d", f.ErrorCode)

	var deltas, totals []time.Duration
	stopAt := time.Now().Add(time.Second)
	for {
		remain := time.Until(stopAt)
		if remain <= 0 {
			break
		}
		p, ok := cl.NextPush(remain)
		if !ok {
			break
		}
		if p.MsgID != room.MsgTick {
			continue
		}
		delta, total, err := room.DecodeTick(p.Body)
		s.Require().NoError(err)
		deltas = append(deltas, delta)
		totals = append(totals, total)
	}

	f = cl.Request(room.MsgStopLoop, 48, nil)
	s.Require().True(f.OK(), "stopLoop: code %d", f.ErrorCode)

	s.Require().GreaterOrEqual(len(deltas), 16, "too few ticks in one second")
	s.Require().LessOrEqual(len(deltas), 24, "too many ticks in one second")

	for i, d := range deltas {
		s.Equal(step, d, "tick %d delta", i)
	}
	// Симулированное время не зависит от стенных часов: свежая стадия
	// начинает с одного шага и прибавляет ровно шаг на тик.
	for i, total := range totals {
		s.Equal(time.Duration(i+1)*step, total, "tick %d total", i)
	}
}
