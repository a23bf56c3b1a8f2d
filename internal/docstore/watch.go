package docstore

import (
	"sync"

	"go.uber.org/zap"
)

// subscriptionBuffer bounds the batches queued for a slow consumer.
// Once full, the hub's delivery goroutine for that subscriber waits.
const subscriptionBuffer = 16

// Subscription delivers change batches for one document or collection.
type Subscription struct {
	topic   string
	changes chan []Change
	done    chan struct{}
	unsub   func()
	once    sync.Once
}

// Changes returns the channel of change batches. It is never closed;
// select on it together with your own stop signal.
func (s *Subscription) Changes() <-chan []Change {
	return s.changes
}

// Done is closed once the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close cancels the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.unsub != nil {
			s.unsub()
		}
	})
}

func (s *Subscription) deliver(batch []Change) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.changes <- batch:
	case <-s.done:
	}
}

// watch registers a subscription and queues the initial batch before any
// later write can publish, so consumers always see the current state first.
func (s *Store) watch(topic string, initial func() ([]Change, error)) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first, err := initial()
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		topic:   topic,
		changes: make(chan []Change, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	sub.changes <- first
	sub.unsub = s.hub.Subscribe(topic, func(_ string, data interface{}) {
		batch, ok := data.([]Change)
		if !ok {
			s.logger.Warn("unexpected notification payload", zap.String("topic", topic))
			return
		}
		sub.deliver(batch)
	})
	s.logger.Debug("watch registered", zap.String("topic", topic))
	return sub, nil
}
