// Package eventloop runs stage work on a fixed pool of workers. Every stage
// is bound to one worker by its id, so all work of one stage executes on a
// single goroutine in FIFO order while different stages on the same worker
// interleave at message granularity.
package eventloop

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/playhouselab/playhouse/internal/route"
)

// Runner consumes batches of work items bound to one stage. Implemented by
// the stage runtime; called only from the owning worker goroutine.
type Runner interface {
	ExecuteBatch(items []WorkItem)
}

// WorkItem is one unit of stage work: either a routed message or a
// continuation closure. Items with the same Stage that sit next to each
// other in a worker queue are handed to ExecuteBatch as one batch.
type WorkItem struct {
	Stage  Runner
	Packet *route.Packet
	Fn     func()
}

// Config tunes the worker pool.
type Config struct {
	// Size is the number of workers. Defaults to runtime.NumCPU().
	Size int
	// DrainTimeout bounds Stop: how long to wait for workers to finish
	// their current batches. Defaults to 5s.
	DrainTimeout fn.Option[time.Duration]
}

// Pool is the fixed set of stage workers.
type Pool struct {
	workers []*worker
	drain   time.Duration

	next     atomic.Uint64 // round-robin cursor for unbound continuations
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  atomic.Bool
}

// NewPool builds a pool. Workers do not run until Start.
func NewPool(cfg Config) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &Pool{
		drain: cfg.DrainTimeout.UnwrapOr(5 * time.Second),
		stop:  make(chan struct{}),
	}
	p.workers = make([]*worker, size)
	for i := range p.workers {
		p.workers[i] = &worker{
			id:   i,
			wake: make(chan struct{}, 1),
			pool: p,
		}
	}
	return p
}

// Size reports the worker count.
func (p *Pool) Size() int { return len(p.workers) }

// Start launches the workers. Idempotent against double starts.
func (p *Pool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for _, w := range p.workers {
		p.wg.Go(w.run)
	}
	slog.Info("stage worker pool started", "workers", len(p.workers))
}

// Stop signals the workers and waits up to the drain timeout for them to
// finish their current batches. Queued-but-unstarted items are dropped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(p.drain):
			slog.Warn("stage worker pool drain timed out", "timeout", p.drain)
		}
	})
}

// WorkerIndex maps a stage id to its worker. The binding is stable for the
// lifetime of the pool: same id, same worker.
func (p *Pool) WorkerIndex(stageID int64) int {
	return int(mix(uint64(stageID)) % uint64(len(p.workers)))
}

// PostMessage enqueues a routed message for the stage.
func (p *Pool) PostMessage(stage Runner, stageID int64, pkt *route.Packet) {
	p.workers[p.WorkerIndex(stageID)].post(WorkItem{Stage: stage, Packet: pkt})
}

// PostFunc enqueues a continuation on the stage's worker, behind everything
// already queued for it. This is how suspended stage work resumes without
// breaking the single-goroutine discipline.
func (p *Pool) PostFunc(stage Runner, stageID int64, f func()) {
	p.workers[p.WorkerIndex(stageID)].post(WorkItem{Stage: stage, Fn: f})
}

// PostAny enqueues a stage-free closure on some worker, round-robin.
func (p *Pool) PostAny(f func()) {
	idx := p.next.Add(1) % uint64(len(p.workers))
	p.workers[idx].post(WorkItem{Fn: f})
}

// Depth reports the total queued items across workers. Approximate: other
// goroutines keep posting while we sum.
func (p *Pool) Depth() int {
	total := 0
	for _, w := range p.workers {
		w.mu.Lock()
		total += len(w.queue)
		w.mu.Unlock()
	}
	return total
}

// mix is splitmix64: stage ids are often sequential, the binding must not
// be.
func mix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// worker owns one queue and one goroutine.
type worker struct {
	id   int
	pool *Pool

	mu    sync.Mutex
	queue []WorkItem
	spare []WorkItem // drained backing array, reused to keep appends cheap

	wake chan struct{} // cap 1: wake-up signal, never blocks the producer
}

func (w *worker) post(it WorkItem) {
	w.mu.Lock()
	w.queue = append(w.queue, it)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) run() {
	for {
		// Обмен буферов: очередь и запасной массив никогда не делят память,
		// иначе продюсеры писали бы поверх исполняемой партии.
		w.mu.Lock()
		items := w.queue
		w.queue = w.spare[:0]
		w.mu.Unlock()
		w.spare = items[:0]

		if len(items) == 0 {
			select {
			case <-w.wake:
				continue
			case <-w.pool.stop:
				return
			}
		}

		w.execute(items)

		// Ссылки зануляем, чтобы не держать пакеты живыми до следующего
		// обмена буферов.
		for i := range items {
			items[i] = WorkItem{}
		}

		select {
		case <-w.pool.stop:
			return
		default:
		}
	}
}

// execute hands consecutive same-stage runs to ExecuteBatch and runs bare
// continuations in place. Order within the slice is arrival order.
func (w *worker) execute(items []WorkItem) {
	i := 0
	for i < len(items) {
		it := items[i]
		if it.Stage == nil {
			runSafe(it.Fn)
			i++
			continue
		}
		j := i + 1
		for j < len(items) && items[j].Stage == it.Stage {
			j++
		}
		it.Stage.ExecuteBatch(items[i:j])
		i = j
	}
}

// runSafe isolates worker goroutines from panicking closures.
func runSafe(f func()) {
	if f == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("work item panicked", "panic", r)
		}
	}()
	f()
}
