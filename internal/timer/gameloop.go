package timer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playhouselab/playhouse/internal/metrics"
)

var (
	ErrBadTimestep    = errors.New("timer: fixed timestep must be positive")
	ErrLoopRunning    = errors.New("timer: game loop already running")
	ErrLoopNotRunning = errors.New("timer: game loop not running")
)

// DefaultAccumulatorFactor caps how much wall-clock debt a stalled loop may
// repay in catch-up ticks: cap = factor × timestep.
const DefaultAccumulatorFactor = 5

// TickFunc runs on the stage worker. delta is always exactly the fixed
// timestep; total is the accumulated simulated time.
type TickFunc func(delta, total time.Duration)

// GameLoop drives one stage at a fixed timestep with an accumulator:
// wall-clock time is sliced into equal ticks, long stalls are clamped to
// the accumulator cap instead of producing an unbounded tick burst.
type GameLoop struct {
	timestep time.Duration
	cap      time.Duration
	post     func(fn func())
	tick     TickFunc

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewGameLoop validates the configuration. accCap ≤ 0 takes
// DefaultAccumulatorFactor × timestep; каким бы ни был cap, он не может
// быть меньше самого шага.
func NewGameLoop(timestep, accCap time.Duration, post func(fn func()), tick TickFunc) (*GameLoop, error) {
	if timestep <= 0 {
		return nil, fmt.Errorf("timestep %v: %w", timestep, ErrBadTimestep)
	}
	if accCap <= 0 {
		accCap = DefaultAccumulatorFactor * timestep
	}
	if accCap < timestep {
		accCap = timestep
	}
	return &GameLoop{
		timestep: timestep,
		cap:      accCap,
		post:     post,
		tick:     tick,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Timestep reports the fixed tick size.
func (g *GameLoop) Timestep() time.Duration { return g.timestep }

// Cap reports the accumulator cap.
func (g *GameLoop) Cap() time.Duration { return g.cap }

// Start launches the loop goroutine. A second Start fails.
func (g *GameLoop) Start() error {
	if !g.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	go g.loop()
	return nil
}

// Stop ends the loop. Idempotent; ticks already posted to the stage worker
// still run.
func (g *GameLoop) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
}

// Done closes when the loop goroutine has exited.
func (g *GameLoop) Done() <-chan struct{} { return g.done }

func (g *GameLoop) loop() {
	defer close(g.done)

	last := time.Now()
	var acc, total time.Duration
	timer := time.NewTimer(g.timestep)
	defer timer.Stop()

	for {
		select {
		case <-g.stop:
			return
		default:
		}

		now := time.Now()
		elapsed := now.Sub(last)
		last = now
		// Долг ограничен сверху: после зависания навёрстываем не больше
		// cap/timestep тиков.
		if elapsed > g.cap {
			elapsed = g.cap
		}
		acc += elapsed

		for acc >= g.timestep {
			acc -= g.timestep
			total += g.timestep
			t := total
			g.post(func() {
				start := time.Now()
				g.tick(g.timestep, t)
				metrics.TickDuration.Observe(time.Since(start).Seconds())
			})
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(g.timestep - acc)

		select {
		case <-g.stop:
			return
		case <-timer.C:
		}
	}
}
