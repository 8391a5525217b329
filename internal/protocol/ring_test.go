package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRingCapacityRoundsToPowerOfTwo(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 16, NewRingBuffer(3).Capacity())
	assert.Equal(t, 64, NewRingBuffer(64).Capacity())
	assert.Equal(t, 128, NewRingBuffer(65).Capacity())
}

func TestRingWriteReadWrapAround(t *testing.T) {
	t.Parallel()

	r := NewRingBuffer(16)

	// Сдвигаем head к границе, чтобы следующая запись перехлестнулась.
	require.NoError(t, r.Write(make([]byte, 12)))
	out := make([]byte, 12)
	require.Equal(t, 12, r.Read(out))

	data := []byte("abcdefgh")
	require.NoError(t, r.Write(data))
	assert.Equal(t, 8, r.Count())

	got := make([]byte, 8)
	require.Equal(t, 8, r.Read(got))
	assert.Equal(t, data, got)
	assert.Zero(t, r.Count())
}

func TestRingWriteRefusesOverflow(t *testing.T) {
	t.Parallel()

	r := NewRingBuffer(16)
	require.NoError(t, r.Write(make([]byte, 10)))

	err := r.Write(make([]byte, 7))
	require.ErrorIs(t, err, ErrRingFull)

	// Отказ не должен портить содержимое.
	assert.Equal(t, 10, r.Count())
	assert.Equal(t, 6, r.Free())
}

func TestRingPeekDoesNotConsume(t *testing.T) {
	t.Parallel()

	r := NewRingBuffer(16)
	require.NoError(t, r.Write([]byte{1, 2, 3, 4, 5}))

	p := make([]byte, 3)
	assert.Equal(t, 3, r.Peek(1, p))
	assert.Equal(t, []byte{2, 3, 4}, p)
	assert.Equal(t, 5, r.Count())

	assert.Zero(t, r.Peek(5, p), "offset beyond count")
	assert.Zero(t, r.Peek(-1, p))
}

func TestRingPeekInt32AcrossBoundary(t *testing.T) {
	t.Parallel()

	r := NewRingBuffer(16)
	require.NoError(t, r.Write(make([]byte, 14)))
	r.Consume(14)

	// Четыре байта лягут через границу кольца.
	require.NoError(t, r.Write([]byte{0x78, 0x56, 0x34, 0x12}))
	v, ok := r.PeekInt32LE(0)
	require.True(t, ok)
	assert.Equal(t, int32(0x12345678), v)

	_, ok = r.PeekInt32LE(1)
	assert.False(t, ok, "only 3 bytes past offset 1")
}

func TestRingConsumeAndClear(t *testing.T) {
	t.Parallel()

	r := NewRingBuffer(16)
	require.NoError(t, r.Write([]byte{1, 2, 3, 4}))

	assert.Equal(t, 2, r.Consume(2))
	assert.Equal(t, 2, r.Consume(10), "consume is capped at count")
	assert.Zero(t, r.Consume(1))

	require.NoError(t, r.Write([]byte{9}))
	r.Clear()
	assert.Zero(t, r.Count())
	assert.Equal(t, 16, r.Free())
}

func TestRingReadFrom(t *testing.T) {
	t.Parallel()

	r := NewRingBuffer(16)
	src := bytes.NewReader([]byte("0123456789abcdef"))

	n, err := r.ReadFrom(src)
	require.NoError(t, err)
	require.Equal(t, 16, n)

	_, err = r.ReadFrom(src)
	assert.ErrorIs(t, err, ErrRingFull)

	out := make([]byte, 16)
	r.Read(out)
	assert.Equal(t, []byte("0123456789abcdef"), out)
}

func TestRingRapidMatchesQueue(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		ring := NewRingBuffer(64)
		capacity := ring.Capacity()
		var model []byte

		rt.Repeat(map[string]func(*rapid.T){
			"write": func(rt *rapid.T) {
				chunk := rapid.SliceOfN(rapid.Byte(), 0, 80).Draw(rt, "chunk")
				err := ring.Write(chunk)
				if len(chunk) <= capacity-len(model) {
					if err != nil {
						rt.Fatalf("write of %d rejected with %d free", len(chunk), capacity-len(model))
					}
					model = append(model, chunk...)
				} else if err == nil {
					rt.Fatalf("write of %d accepted with %d free", len(chunk), capacity-len(model))
				}
			},
			"read": func(rt *rapid.T) {
				n := rapid.IntRange(0, 80).Draw(rt, "n")
				out := make([]byte, n)
				got := ring.Read(out)
				want := n
				if want > len(model) {
					want = len(model)
				}
				if got != want {
					rt.Fatalf("read returned %d, want %d", got, want)
				}
				if !bytes.Equal(out[:got], model[:got]) {
					rt.Fatalf("read bytes diverge from model")
				}
				model = model[got:]
			},
			"consume": func(rt *rapid.T) {
				n := rapid.IntRange(0, 80).Draw(rt, "n")
				got := ring.Consume(n)
				want := n
				if want > len(model) {
					want = len(model)
				}
				if got != want {
					rt.Fatalf("consume returned %d, want %d", got, want)
				}
				model = model[got:]
			},
			"": func(rt *rapid.T) {
				if ring.Count() != len(model) {
					rt.Fatalf("count %d, model %d", ring.Count(), len(model))
				}
			},
		})
	})
}
