// Package timer schedules stage callbacks: repeating and counted timers on
// a shared heap, plus per-stage fixed-timestep game loops. Callbacks never
// run on the scheduler goroutine; they are posted to the owning stage's
// worker through the Poster hook.
package timer

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ID names one scheduled timer. Zero is never issued.
type ID uint64

// Callback runs on the stage worker with the timer id that fired.
type Callback func(id ID)

// Poster delivers a due callback to the stage's worker. A poster that finds
// no live stage under stageID simply drops the closure.
type Poster func(stageID int64, fn func())

type entry struct {
	id        ID
	stageID   int64
	fireAt    time.Time
	period    time.Duration
	remaining int64 // -1 бесконечный
	cb        Callback
	index     int
	cancelled atomic.Bool
}

type timerHeap []*entry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].fireAt.Before(h[j].fireAt) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Manager owns the timer heap. One instance serves all stages of a server.
type Manager struct {
	post Poster

	mu      sync.Mutex
	heap    timerHeap
	byID    map[ID]*entry
	byStage map[int64]map[ID]*entry

	nextID atomic.Uint64
	wake   chan struct{}
}

// NewManager builds a manager delivering callbacks through post.
func NewManager(post Poster) *Manager {
	return &Manager{
		post:    post,
		byID:    make(map[ID]*entry),
		byStage: make(map[int64]map[ID]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// AddRepeat schedules cb to fire after initialDelay and then every period,
// forever, on the stage's worker. Periods below a millisecond are clamped.
func (m *Manager) AddRepeat(stageID int64, initialDelay, period time.Duration, cb Callback) ID {
	return m.add(stageID, initialDelay, period, -1, cb)
}

// AddCount is AddRepeat limited to exactly count fires. A non-positive
// count schedules nothing and returns 0.
func (m *Manager) AddCount(stageID int64, initialDelay, period time.Duration, count int, cb Callback) ID {
	if count <= 0 {
		return 0
	}
	return m.add(stageID, initialDelay, period, int64(count), cb)
}

func (m *Manager) add(stageID int64, initialDelay, period time.Duration, remaining int64, cb Callback) ID {
	if period < time.Millisecond {
		slog.Warn("timer period clamped", "stageId", stageID, "period", period)
		period = time.Millisecond
	}
	if initialDelay < 0 {
		initialDelay = 0
	}
	e := &entry{
		id:        ID(m.nextID.Add(1)),
		stageID:   stageID,
		fireAt:    time.Now().Add(initialDelay),
		period:    period,
		remaining: remaining,
		cb:        cb,
	}

	m.mu.Lock()
	heap.Push(&m.heap, e)
	m.byID[e.id] = e
	stageTimers := m.byStage[stageID]
	if stageTimers == nil {
		stageTimers = make(map[ID]*entry)
		m.byStage[stageID] = stageTimers
	}
	stageTimers[e.id] = e
	m.mu.Unlock()

	m.kick()
	return e.id
}

// Cancel removes the timer. Идемпотентен: повторная отмена и отмена
// несуществующего id возвращают false. A callback already posted to its
// stage worker is suppressed by the cancelled flag.
func (m *Manager) Cancel(id ID) bool {
	m.mu.Lock()
	e, ok := m.byID[id]
	if ok {
		m.remove(e)
	}
	m.mu.Unlock()
	if ok {
		e.cancelled.Store(true)
	}
	return ok
}

// CancelStage cancels every timer bound to the stage. Returns the number
// cancelled.
func (m *Manager) CancelStage(stageID int64) int {
	m.mu.Lock()
	stageTimers := m.byStage[stageID]
	entries := make([]*entry, 0, len(stageTimers))
	for _, e := range stageTimers {
		entries = append(entries, e)
		m.remove(e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.cancelled.Store(true)
	}
	return len(entries)
}

// Len reports the number of scheduled timers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// remove expects m.mu held.
func (m *Manager) remove(e *entry) {
	if e.index >= 0 {
		heap.Remove(&m.heap, e.index)
	}
	delete(m.byID, e.id)
	if stageTimers := m.byStage[e.stageID]; stageTimers != nil {
		delete(stageTimers, e.id)
		if len(stageTimers) == 0 {
			delete(m.byStage, e.stageID)
		}
	}
}

func (m *Manager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run fires due timers until ctx is cancelled. Exactly one Run per manager.
func (m *Manager) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		now := time.Now()
		m.fireDue(now)

		m.mu.Lock()
		var wait time.Duration = time.Hour
		if len(m.heap) > 0 {
			wait = m.heap[0].fireAt.Sub(now)
			if wait < 0 {
				wait = 0
			}
		}
		m.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wake:
		case <-timer.C:
		}
	}
}

// fireDue posts every due callback and reschedules repeats at a fixed rate
// (fireAt += period, independent of callback latency).
func (m *Manager) fireDue(now time.Time) {
	for {
		m.mu.Lock()
		if len(m.heap) == 0 || m.heap[0].fireAt.After(now) {
			m.mu.Unlock()
			return
		}
		e := heap.Pop(&m.heap).(*entry)

		if e.remaining > 0 {
			e.remaining--
		}
		if e.remaining == 0 {
			delete(m.byID, e.id)
			if stageTimers := m.byStage[e.stageID]; stageTimers != nil {
				delete(stageTimers, e.id)
				if len(stageTimers) == 0 {
					delete(m.byStage, e.stageID)
				}
			}
		} else {
			e.fireAt = e.fireAt.Add(e.period)
			heap.Push(&m.heap, e)
		}
		m.mu.Unlock()

		m.post(e.stageID, func() {
			// Отмена, пришедшая между постановкой и исполнением, побеждает.
			if e.cancelled.Load() {
				return
			}
			e.cb(e.id)
		})
	}
}
