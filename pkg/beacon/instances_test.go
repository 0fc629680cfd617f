package beacon

import (
	"context"
	"testing"

	"github.com/randalmurphal/beacon/pkg/beacon/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstances_Lifecycle(t *testing.T) {
	in := NewInstances()
	opts := []Option{WithSettings(testSettings(10, 100)), WithTransport(&recordingTransport{})}

	a, err := in.Create("acme", opts...)
	require.NoError(t, err)
	assert.Equal(t, "acme", a.Name())

	_, err = in.Create("acme", opts...)
	assert.ErrorIs(t, err, ErrInstanceExists)

	b, err := in.Create("beta", opts...)
	require.NoError(t, err)

	got, ok := in.Get("acme")
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, []string{"acme", "beta"}, in.Names())
	assert.Equal(t, 2, in.Len())

	require.NoError(t, in.Destroy("acme"))
	_, ok = in.Get("acme")
	assert.False(t, ok)
	_, err = a.Track(context.Background(), "evt", dispatch.Fields{})
	assert.ErrorIs(t, err, ErrPipelineClosed)

	assert.ErrorIs(t, in.Destroy("acme"), ErrInstanceNotFound)

	require.NoError(t, in.DestroyAll())
	assert.Zero(t, in.Len())
	_, err = b.Track(context.Background(), "evt", dispatch.Fields{})
	assert.ErrorIs(t, err, ErrPipelineClosed)
}

func TestInstances_CreateFailureNotRegistered(t *testing.T) {
	in := NewInstances()

	_, err := in.Create("broken", WithSettings(testSettings(10, 100)))
	assert.ErrorIs(t, err, ErrNoTransport)
	assert.Zero(t, in.Len())

	// the name is still free
	_, err = in.Create("broken", WithSettings(testSettings(10, 100)), WithTransport(&recordingTransport{}))
	require.NoError(t, err)
	require.NoError(t, in.DestroyAll())
}
