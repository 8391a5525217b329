// Package request tracks outstanding request/reply pairs: sequence numbers,
// completion callbacks and timeouts. One cache instance serves a whole
// server process; stages and api handlers share it.
package request

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playhouselab/playhouse/internal/route"
)

// ExpiryTick is the timeout sweep granularity: real expiry happens within
// one tick after the deadline.
const ExpiryTick = 100 * time.Millisecond

// DefaultTimeout applies when the caller passes no explicit deadline.
const DefaultTimeout = 5 * time.Second

// Completion consumes exactly one reply: the real one, a synthesized
// timeout, or a cancellation. The callback owns the packet and must dispose
// it. Invoked on the resolver goroutine; long work must be posted away.
type Completion func(reply *route.Packet)

type entry struct {
	msgID    string
	deadline time.Time
	complete Completion
}

// Cache owns the msgSeq counter and the outstanding-request table.
// Every completion is delivered exactly once: reply, timeout and
// cancellation race through LoadAndDelete.
type Cache struct {
	timeout time.Duration
	seq     atomic.Uint32
	entries sync.Map // uint16 → *entry
	size    atomic.Int64

	// TimeoutHook, when set, observes every synthesized timeout. Wired to
	// metrics by the server bootstrap.
	TimeoutHook func(msgID string)
}

// NewCache builds a cache with the given default timeout (non-positive
// takes DefaultTimeout).
func NewCache(timeout time.Duration) *Cache {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Cache{timeout: timeout}
}

// NextSeq returns the next sequence number, wrapping uint16 and skipping
// zero: a zero on the wire means "no reply expected".
func (c *Cache) NextSeq() uint16 {
	for {
		if s := uint16(c.seq.Add(1)); s != 0 {
			return s
		}
	}
}

// Add registers an outstanding request under seq with the default timeout.
func (c *Cache) Add(seq uint16, msgID string, complete Completion) {
	c.AddWithTimeout(seq, msgID, c.timeout, complete)
}

// AddWithTimeout registers an outstanding request with an explicit timeout.
func (c *Cache) AddWithTimeout(seq uint16, msgID string, d time.Duration, complete Completion) {
	if d <= 0 {
		d = c.timeout
	}
	c.entries.Store(seq, &entry{
		msgID:    msgID,
		deadline: time.Now().Add(d),
		complete: complete,
	})
	c.size.Add(1)
}

// Register allocates a sequence number and files the completion in one step.
func (c *Cache) Register(msgID string, complete Completion) uint16 {
	seq := c.NextSeq()
	c.Add(seq, msgID, complete)
	return seq
}

// Resolve delivers a reply to its waiting completion. Returns false when no
// request is outstanding under this sequence (late reply after timeout —
// the packet is disposed here).
func (c *Cache) Resolve(reply *route.Packet) bool {
	seq := reply.Header.MsgSeq
	v, ok := c.entries.LoadAndDelete(seq)
	if !ok {
		slog.Debug("dropping reply with no outstanding request",
			"msgSeq", seq, "msgId", reply.Header.MsgID)
		reply.Dispose()
		return false
	}
	c.size.Add(-1)
	v.(*entry).complete(reply)
	return true
}

// CancelAll completes every outstanding request with the given error code.
// Used when the transport under the requests goes away.
func (c *Cache) CancelAll(code route.ErrorCode) {
	c.entries.Range(func(k, _ any) bool {
		seq := k.(uint16)
		if v, ok := c.entries.LoadAndDelete(seq); ok {
			c.size.Add(-1)
			v.(*entry).complete(route.CancelReply(seq, code))
		}
		return true
	})
}

// Len reports the number of outstanding requests.
func (c *Cache) Len() int { return int(c.size.Load()) }

// Run sweeps expired entries every ExpiryTick until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(ExpiryTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.expire(now)
		}
	}
}

// expire завершает все просроченные заявки синтетическим таймаутом.
func (c *Cache) expire(now time.Time) {
	c.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		if now.Before(e.deadline) {
			return true
		}
		seq := k.(uint16)
		if got, ok := c.entries.LoadAndDelete(seq); ok {
			c.size.Add(-1)
			e := got.(*entry)
			slog.Debug("request timed out", "msgSeq", seq, "msgId", e.msgID)
			if c.TimeoutHook != nil {
				c.TimeoutHook(e.msgID)
			}
			e.complete(route.TimeoutReply(seq))
		}
		return true
	})
}
