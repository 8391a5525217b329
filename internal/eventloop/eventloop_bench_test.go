package eventloop

import (
	"testing"
)

// noopStage runs continuations and discards messages.
type noopStage struct{}

func (noopStage) ExecuteBatch(items []WorkItem) {
	for _, it := range items {
		if it.Fn != nil {
			it.Fn()
		}
	}
}

// BenchmarkPostMessage measures the producer side under contention, spread
// over 64 stage bindings. Expected: one queue append plus a non-blocking
// wake, no allocations beyond queue growth.
func BenchmarkPostMessage(b *testing.B) {
	p := NewPool(Config{Size: 4})
	p.Start()
	defer p.Stop()

	stage := &noopStage{}
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		var id int64
		for pb.Next() {
			id++
			p.PostMessage(stage, id%64, nil)
		}
	})
}

// BenchmarkPostFunc_SingleStage - один продюсер, одна стадия, воркер
// дренирует параллельно.
func BenchmarkPostFunc_SingleStage(b *testing.B) {
	p := NewPool(Config{Size: 4})
	p.Start()
	defer p.Stop()

	stage := &noopStage{}
	nop := func() {}

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		p.PostFunc(stage, 42, nop)
	}
	b.StopTimer()

	// Дожидаемся хвоста, чтобы очередь не пережила замер.
	done := make(chan struct{})
	p.PostFunc(stage, 42, func() { close(done) })
	<-done
}

// BenchmarkPostAndDrain measures the full mailbox round trip: post, swap,
// batch, execute. The drain marker bounds the run, so queue depth stays
// honest across iterations.
func BenchmarkPostAndDrain(b *testing.B) {
	p := NewPool(Config{Size: 1})
	p.Start()
	defer p.Stop()

	stage := &noopStage{}
	nop := func() {}

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		for range 64 {
			p.PostFunc(stage, 7, nop)
		}
		done := make(chan struct{})
		p.PostFunc(stage, 7, func() { close(done) })
		<-done
	}
}

// BenchmarkWorkerIndex - splitmix64-привязка стадии к воркеру.
func BenchmarkWorkerIndex(b *testing.B) {
	p := NewPool(Config{Size: 8})

	b.ReportAllocs()
	b.ResetTimer()
	var id int64
	for b.Loop() {
		id++
		_ = p.WorkerIndex(id)
	}
}
