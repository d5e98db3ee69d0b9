package dashboard

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushEndpoint(t *testing.T) {
	assert := assert.New(t)

	p := NewPushFeed(Config{BaseURL: "http://metrics.local:8080/"}, nil)
	u, err := p.endpoint("live 1")
	assert.Nil(err)
	assert.Equal("ws://metrics.local:8080/ws/stream-metrics?stream_id=live+1", u)

	p = NewPushFeed(Config{BaseURL: "https://metrics.example.com/api"}, nil)
	u, err = p.endpoint("s1")
	assert.Nil(err)
	assert.Equal("wss://metrics.example.com/api/ws/stream-metrics?stream_id=s1", u)
}

func TestPushBackoffSchedule(t *testing.T) {
	assert := assert.New(t)
	p := NewPushFeed(Config{ReconnectBase: 5 * time.Second, ReconnectMax: 30 * time.Second}, nil)
	b := p.newBackOff()
	for _, want := range []time.Duration{5, 10, 20, 30, 30} {
		assert.Equal(want*time.Second, b.NextBackOff())
	}
}

func TestPushExhaustsAfterMaxAttempts(t *testing.T) {
	assert := assert.New(t)
	dead := httptest.NewServer(nil)
	dead.Close()

	p := NewPushFeed(Config{
		BaseURL:       dead.URL,
		ReconnectBase: time.Millisecond,
		ReconnectMax:  5 * time.Millisecond,
		MaxAttempts:   4,
	}, nil)
	ch, err := p.Stream(context.Background(), "s1")
	require.NoError(t, err)

	got := collect(ch, 5*time.Second)
	require.Len(t, got, 4)
	for _, d := range got[:3] {
		assert.False(d.Connected)
		assert.NotNil(d.Err)
		assert.False(errors.Is(d.Err, ErrPushExhausted))
	}
	assert.True(errors.Is(got[3].Err, ErrPushExhausted))
	assert.Equal(ModePush, got[3].Mode)
}

func TestPushReceivesUpdates(t *testing.T) {
	assert := assert.New(t)
	st := newStack(t, 40*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := NewPushFeed(st.config(), nil).Stream(ctx, "s1")
	require.NoError(t, err)

	// connected, then the initial empty snapshot
	d := <-ch
	assert.True(d.Connected)
	assert.Nil(d.Update)
	d = <-ch
	require.NotNil(t, d.Update)
	assert.Equal("s1", d.Update.Snapshot.StreamID)
	assert.Equal(0, d.Update.Snapshot.CurrentViewers)

	st.join("s1", 3)
	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case d := <-ch:
			if d.Update != nil && d.Update.Snapshot.CurrentViewers == 3 {
				done = true
			}
		case <-deadline:
			t.Fatal("update not delivered")
		}
	}

	cancel()
	collect(ch, 2*time.Second)
	_, open := <-ch
	assert.False(open)
}
