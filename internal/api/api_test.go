package api

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handlesFunc adapts a plain function to Controller for registry tests.
type handlesFunc func(r Registrar)

func (f handlesFunc) Handles(r Registrar) { f(r) }

func nop(context.Context, *Packet, *Link) error { return nil }

// binder builds a controller factory registering the given ids in order.
func binder(ids ...string) ControllerFactory {
	return func() Controller {
		return handlesFunc(func(r Registrar) {
			for _, id := range ids {
				r.Add(id, nop)
			}
		})
	}
}

func TestRegistryRejectsBadRegistrations(t *testing.T) {
	cases := []struct {
		name    string
		factory ControllerFactory
	}{
		{"empty msg id", binder("")},
		{"reserved namespace", binder("@Create@Stage@")},
		{"msg id too long", binder(strings.Repeat("x", 256))},
		{"duplicate within controller", binder("a", "a")},
		{"no handlers", binder()},
		{"nil handler", func() Controller {
			return handlesFunc(func(r Registrar) { r.Add("a", nil) })
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := NewRegistry()
			require.Error(t, reg.Attach(tc.factory))
			assert.Empty(t, reg.MsgIDs())
		})
	}
	require.Error(t, NewRegistry().Attach(nil))
}

func TestRegistryDuplicateAcrossControllers(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Attach(binder("room:create", "room:list")))

	err := reg.Attach(binder("room:join", "room:create"))
	require.ErrorIs(t, err, ErrDuplicateMsgID)

	// Неудавшийся attach не оставляет за собой частичной регистрации.
	assert.Equal(t, []string{"room:create", "room:list"}, reg.MsgIDs())
}

func TestRegistryBuildsPerMessageScope(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Attach(binder("a", "b")))

	h, closer, ok := reg.handlerFor("a")
	require.True(t, ok)
	require.NotNil(t, h)
	assert.Nil(t, closer)

	_, _, ok = reg.handlerFor("ghost")
	assert.False(t, ok)
}
