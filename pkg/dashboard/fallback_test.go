package dashboard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackWhenPushIsRefused(t *testing.T) {
	assert := assert.New(t)
	st := newStack(t, time.Hour)
	st.wsMode.Store(wsRefuse)
	st.join("s1", 2)

	s, err := Connect(context.Background(), st.config(), "s1", nil)
	require.NoError(t, err)
	defer s.Close()

	assert.Eventually(func() bool {
		state := s.State()
		return state.Mode == ModePoll && state.IsConnected && state.Snapshot.CurrentViewers == 2
	}, 3*time.Second, 10*time.Millisecond)

	// the poll channel keeps the dashboard current with advancing timestamps
	before := s.State().LastUpdated
	time.Sleep(5 * time.Millisecond)
	st.join("s1", 1)
	assert.Eventually(func() bool {
		state := s.State()
		return state.Snapshot.CurrentViewers == 3 && state.LastUpdated.After(before)
	}, 3*time.Second, 10*time.Millisecond)

	// once fallen back, push does not come back for this session
	st.wsMode.Store(wsServe)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(ModePoll, s.State().Mode)
}

func TestFallbackAfterRepeatedDrops(t *testing.T) {
	assert := assert.New(t)
	st := newStack(t, time.Hour)
	st.wsMode.Store(wsDrop)
	st.join("s1", 5)

	s, err := Connect(context.Background(), st.config(), "s1", nil)
	require.NoError(t, err)
	defer s.Close()

	assert.Eventually(func() bool {
		state := s.State()
		return state.Mode == ModePoll && state.Snapshot.CurrentViewers == 5
	}, 3*time.Second, 10*time.Millisecond)
}

func TestFallbackStaysOnHealthyPush(t *testing.T) {
	assert := assert.New(t)
	st := newStack(t, 30*time.Millisecond)
	st.join("s1", 1)

	s, err := Connect(context.Background(), st.config(), "s1", nil)
	require.NoError(t, err)
	defer s.Close()

	assert.Eventually(func() bool {
		state := s.State()
		return state.Mode == ModePush && state.IsConnected && state.Snapshot.CurrentViewers == 1
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(ModePush, s.State().Mode)
}
