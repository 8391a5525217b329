package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playhouselab/playhouse/internal/mesh"
	"github.com/playhouselab/playhouse/internal/route"
)

func play(id, addr string) mesh.ServerInfo {
	return mesh.ServerInfo{
		ServerID:  id,
		Type:      route.ServerTypePlay,
		ServiceID: 1,
		Address:   addr,
		State:     mesh.StateRunning,
		Weight:    1,
	}
}

func TestStaticMergesSelf(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStatic([]mesh.ServerInfo{play("play-1", "10.0.0.1:7601")})

	// Свой элемент списка замещается живыми данными.
	self := play("play-1", "10.0.0.9:7601")
	list, err := s.UpdateServerInfo(ctx, self)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "10.0.0.9:7601", list[0].Address)

	stranger := play("play-2", "10.0.0.2:7601")
	list, err = s.UpdateServerInfo(ctx, stranger)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "play-1", list[0].ServerID)
	assert.Equal(t, "play-2", list[1].ServerID)
}

func TestStaticSetSwapsList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStatic([]mesh.ServerInfo{play("play-1", "a:1"), play("play-2", "b:2")})

	disabled := play("play-2", "b:2")
	disabled.State = mesh.StateDisabled
	s.Set([]mesh.ServerInfo{play("play-1", "a:1"), disabled})

	list, err := s.UpdateServerInfo(ctx, play("play-1", "a:1"))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, mesh.StateDisabled, list[1].State)
}

func TestStaticCopiesInput(t *testing.T) {
	t.Parallel()

	src := []mesh.ServerInfo{play("play-1", "a:1")}
	s := NewStatic(src)
	src[0].Address = "mutated:1"

	list, err := s.UpdateServerInfo(context.Background(), play("play-2", "b:2"))
	require.NoError(t, err)
	assert.Equal(t, "a:1", list[0].Address)
}
