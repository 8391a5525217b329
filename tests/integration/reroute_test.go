package integration

import (
	"slices"
	"time"

	"github.com/playhouselab/playhouse/internal/mesh"
)

// Отключение api-сервера через discovery: play рвёт ребро и round-robin
// сходится на оставшемся. Возврат в Running восстанавливает mesh.
func (s *ClusterSuite) TestMeshReroute() {
	cl := s.newClient(49, "s7")
	s.drainHits()

	// Разогрев: оба api живы, четыре метки делятся поровну. Фаза счётчика
	// round-robin зависит от предыдущих тестов, поэтому сверяем количества,
	// а не порядок.
	for range 4 {
		cl.Send(msgMark, 49, nil)
	}
	hits := s.collectHits(4, 5*time.Second)
	counts := map[string]int{}
	for _, id := range hits {
		counts[id]++
	}
	s.Equal(map[string]int{"api-b": 2, "api-c": 2}, counts)

	// Гасим api-b: члены меняются только через реестр, сервер не трогаем.
	disabled := slices.Clone(s.members)
	for i := range disabled {
		if disabled[i].ServerID == "api-b" {
			disabled[i].State = mesh.StateDisabled
		}
	}
	s.static.Set(disabled)

	s.Require().Eventually(func() bool {
		return !slices.Contains(s.play.Node().Peers(), "api-b")
	}, 5*time.Second, 50*time.Millisecond, "play kept its edge to api-b")
	s.drainHits()

	for range 2 {
		cl.Send(msgMark, 49, nil)
	}
	s.Equal([]string{"api-c", "api-c"}, s.collectHits(2, 5*time.Second))

	// Возвращаем всё как было, чтобы остальные сценарии видели оба api.
	s.static.Set(s.members)
	s.Require().Eventually(func() bool {
		return slices.Contains(s.play.Node().Peers(), "api-b")
	}, 5*time.Second, 50*time.Millisecond, "play did not reconnect to api-b")
}
