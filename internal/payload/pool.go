package payload

import (
	"sync"
	"sync/atomic"
	"time"
)

// Size-class pool layout: 13 octaves (128 B .. 1 MiB) subdivided in quarter
// steps, plus the final 1 MiB bucket.
const (
	MinBucketSize = 128
	MaxBucketSize = 1 << 20
	NumBuckets    = 53

	defaultL1Cap = 64
	defaultL2Cap = 1024
)

// bucketSizes перечисляет размеры всех корзин по возрастанию.
// Заполняется в init: 128, 160, 192, 224, 256, 320, ... , 1 MiB.
var bucketSizes [NumBuckets]int

func init() {
	i := 0
	for size := MinBucketSize; size < MaxBucketSize; size *= 2 {
		step := size / 4
		for q := 0; q < 4; q++ {
			bucketSizes[i] = size + q*step
			i++
		}
	}
	bucketSizes[i] = MaxBucketSize
}

// CeilToBucket returns the smallest bucket size that fits size.
// Returns size unchanged when it exceeds MaxBucketSize (pool bypass).
func CeilToBucket(size int) int {
	idx := bucketIndex(size)
	if idx < 0 {
		return size
	}
	return bucketSizes[idx]
}

// bucketIndex возвращает индекс минимальной корзины ≥ size, или -1 для oversize.
func bucketIndex(size int) int {
	if size > MaxBucketSize {
		return -1
	}
	if size <= MinBucketSize {
		return 0
	}
	// Октава = позиция старшего бита; внутри октавы ищем четверть-шаг.
	n := size - 1
	msb := 0
	for v := n; v > 1; v >>= 1 {
		msb++
	}
	base := 1 << msb // largest power of two ≤ n
	octave := msb - 7 // 128 = 1<<7 is octave 0
	step := base / 4
	q := (size - base + step - 1) / step
	idx := octave*4 + q
	if idx >= NumBuckets {
		return NumBuckets - 1
	}
	return idx
}

// bucket is one size class with a sharded L1 and a capped global L2.
// L1 шарды играют роль "per-thread" стеков: горутина привязки к потоку в Go
// не имеет, поэтому шард выбирается дешёвым атомарным счётчиком.
type bucket struct {
	size   int
	shards []l1shard
	next   atomic.Uint32 // round-robin shard cursor

	mu       sync.Mutex
	l2       [][]byte
	l2cap    int
	lastRent atomic.Int64 // unix nano of the last Rent, used by Trim
}

type l1shard struct {
	mu    sync.Mutex
	bufs  [][]byte
	limit int
	_     [32]byte // padding against false sharing of adjacent shards
}

func (b *bucket) rent() []byte {
	b.lastRent.Store(time.Now().UnixNano())

	n := uint32(len(b.shards))
	start := b.next.Add(1)
	for i := uint32(0); i < n; i++ {
		s := &b.shards[(start+i)%n]
		s.mu.Lock()
		if len(s.bufs) > 0 {
			buf := s.bufs[len(s.bufs)-1]
			s.bufs = s.bufs[:len(s.bufs)-1]
			s.mu.Unlock()
			return buf
		}
		s.mu.Unlock()
	}

	b.mu.Lock()
	if len(b.l2) > 0 {
		buf := b.l2[len(b.l2)-1]
		b.l2 = b.l2[:len(b.l2)-1]
		b.mu.Unlock()
		return buf
	}
	b.mu.Unlock()
	return nil
}

// put returns buf to L1; on a full shard falls through to L2; on a full L2
// the buffer is dropped for the GC to collect.
func (b *bucket) put(buf []byte) bool {
	s := &b.shards[b.next.Add(1)%uint32(len(b.shards))]
	s.mu.Lock()
	if len(s.bufs) < s.limit {
		s.bufs = append(s.bufs, buf)
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.l2) < b.l2cap {
		b.l2 = append(b.l2, buf)
		return true
	}
	return false
}

// trim drops the L2 contents if the bucket has been idle since cutoff.
func (b *bucket) trim(cutoff time.Time) int {
	if b.lastRent.Load() > cutoff.UnixNano() {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.l2)
	b.l2 = nil
	return n
}

// PoolConfig tunes the size-class pool. Zero values take defaults.
type PoolConfig struct {
	// L1Shards is the number of L1 stacks per bucket. Defaults to 8.
	L1Shards int
	// L1Cap is the per-shard stack capacity. Defaults to 64.
	L1Cap int
	// L2Cap is the per-bucket global stack capacity. Defaults to 1024.
	L2Cap int
}

// Pool is a size-classed buffer allocator: 53 buckets from 128 B to 1 MiB.
// Oversize requests bypass the pool entirely.
//
// Rent returns a buffer whose capacity is at least CeilToBucket(size);
// Return pushes it back for reuse. Both are O(1).
type Pool struct {
	buckets [NumBuckets]bucket

	rents  atomic.Uint64
	hits   atomic.Uint64
	drops  atomic.Uint64
	remote atomic.Uint64 // oversize bypasses
}

// NewPool builds a pool with the given configuration.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.L1Shards <= 0 {
		cfg.L1Shards = 8
	}
	if cfg.L1Cap <= 0 {
		cfg.L1Cap = defaultL1Cap
	}
	if cfg.L2Cap <= 0 {
		cfg.L2Cap = defaultL2Cap
	}
	p := &Pool{}
	for i := range p.buckets {
		b := &p.buckets[i]
		b.size = bucketSizes[i]
		b.l2cap = cfg.L2Cap
		b.shards = make([]l1shard, cfg.L1Shards)
		for s := range b.shards {
			b.shards[s].limit = cfg.L1Cap
		}
	}
	return p
}

// Rent returns a buffer of length size with capacity ≥ CeilToBucket(size).
// OWNERSHIP: the caller owns the buffer until it calls Return (or hands the
// buffer to a Payload that will).
func (p *Pool) Rent(size int) []byte {
	p.rents.Add(1)
	idx := bucketIndex(size)
	if idx < 0 {
		p.remote.Add(1)
		return make([]byte, size)
	}
	b := &p.buckets[idx]
	if buf := b.rent(); buf != nil {
		p.hits.Add(1)
		return buf[:size]
	}
	return make([]byte, size, b.size)
}

// Return pushes buf back into its bucket. Buffers that were never rented
// from the pool (wrong capacity, oversize) are dropped silently.
func (p *Pool) Return(buf []byte) {
	if buf == nil {
		return
	}
	c := cap(buf)
	if c < MinBucketSize || c > MaxBucketSize {
		return
	}
	// Корзина определяется по ёмкости: берём наибольшую корзину ≤ cap,
	// чтобы повторная аренда никогда не получила буфер меньше заявленного.
	idx := bucketIndex(c)
	if bucketSizes[idx] > c {
		idx--
	}
	if idx < 0 {
		return
	}
	if !p.buckets[idx].put(buf[:cap(buf)]) {
		p.drops.Add(1)
	}
}

// Trim drops L2 stacks of every bucket idle for at least maxIdle.
// Returns the number of buffers released.
func (p *Pool) Trim(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	released := 0
	for i := range p.buckets {
		released += p.buckets[i].trim(cutoff)
	}
	return released
}

// PoolStats is a point-in-time snapshot of pool counters.
type PoolStats struct {
	Rents    uint64
	Hits     uint64
	Drops    uint64
	Oversize uint64
}

// Stats returns current counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Rents:    p.rents.Load(),
		Hits:     p.hits.Load(),
		Drops:    p.drops.Load(),
		Oversize: p.remote.Load(),
	}
}

// global is the process-wide pool. Init-before-first-use; package-level
// Rent/Return delegate here.
var global = NewPool(PoolConfig{})

// Rent rents from the process-global pool.
func Rent(size int) []byte { return global.Rent(size) }

// Return returns buf to the process-global pool.
func Return(buf []byte) { global.Return(buf) }

// TrimGlobal trims the process-global pool.
func TrimGlobal(maxIdle time.Duration) int { return global.Trim(maxIdle) }

// GlobalStats reports counters of the process-global pool.
func GlobalStats() PoolStats { return global.Stats() }
