package dashboard

import (
	"context"
	"sync"
)

// Session ties a feed to a reconciler for one stream.
type Session struct {
	feed     Feed
	streamID string
	rec      *Reconciler

	mu       sync.Mutex
	onChange func(State)
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSession creates a session. Call Start to begin receiving.
func NewSession(feed Feed, streamID string, timelineCapacity int) *Session {
	return &Session{
		feed:     feed,
		streamID: streamID,
		rec:      NewReconciler(streamID, timelineCapacity),
	}
}

// OnChange registers a callback invoked with the new state after every visible change.
// It runs on the session goroutine and must not block.
func (s *Session) OnChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Start opens the feed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	ch, err := s.feed.Stream(ctx, s.streamID)
	if err != nil {
		cancel()
		return err
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ch, s.done)
	return nil
}

func (s *Session) run(ch <-chan Delivery, done chan struct{}) {
	defer close(done)
	for d := range ch {
		if !s.rec.Apply(d) {
			continue
		}
		s.mu.Lock()
		fn := s.onChange
		s.mu.Unlock()
		if fn != nil {
			fn(s.rec.State())
		}
	}
}

// State returns the reconciled state.
func (s *Session) State() State { return s.rec.State() }

// Done is closed once the feed has fully stopped.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Close releases the channel and any poll timer and waits for them to stop.
func (s *Session) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
