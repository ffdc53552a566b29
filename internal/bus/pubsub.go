package bus

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// TopicBufferSize is the per-receiver ring capacity of every topic.
const TopicBufferSize = 100

var (
	ErrAlreadySubscribed = errors.New("already subscribed to symbol")
	ErrNotSubscribed     = errors.New("not subscribed to symbol")
)

// Bus is the topic layer: one Fanout per symbol, created lazily on
// first subscribe, plus a per-session index of held subscriptions.
// Topics persist once created; publishing to an unknown symbol is a
// no-op.
type Bus struct {
	log zerolog.Logger

	mu       sync.Mutex
	topics   map[string]*Fanout[[]byte]
	sessions map[string]map[string]struct{}
}

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:      log.With().Str("component", "pubsub").Logger(),
		topics:   make(map[string]*Fanout[[]byte]),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Subscribe attaches a session to a symbol and returns the receiver for
// its stream. A session holds at most one subscription per symbol.
func (b *Bus) Subscribe(sessionID, symbol string) (*Receiver[[]byte], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	held := b.sessions[sessionID]
	if held == nil {
		held = make(map[string]struct{})
		b.sessions[sessionID] = held
	}
	if _, ok := held[symbol]; ok {
		return nil, ErrAlreadySubscribed
	}

	topic := b.topics[symbol]
	if topic == nil {
		topic = NewFanout[[]byte](TopicBufferSize)
		b.topics[symbol] = topic
		b.log.Debug().Str("symbol", symbol).Msg("topic created")
	}

	held[symbol] = struct{}{}
	b.log.Info().
		Str("session_id", sessionID).
		Str("symbol", symbol).
		Msg("session subscribed")
	return topic.Subscribe(), nil
}

// Unsubscribe removes one symbol from a session's held set. The caller
// is responsible for closing the receiver it obtained from Subscribe.
func (b *Bus) Unsubscribe(sessionID, symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	held := b.sessions[sessionID]
	if held == nil {
		return ErrNotSubscribed
	}
	if _, ok := held[symbol]; !ok {
		return ErrNotSubscribed
	}
	delete(held, symbol)
	if len(held) == 0 {
		delete(b.sessions, sessionID)
	}
	b.log.Info().
		Str("session_id", sessionID).
		Str("symbol", symbol).
		Msg("session unsubscribed")
	return nil
}

// UnsubscribeAll clears a session's subscriptions and returns the
// symbols it held, sorted. A session with no subscriptions yields an
// empty slice, not an error.
func (b *Bus) UnsubscribeAll(sessionID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	held := b.sessions[sessionID]
	if held == nil {
		return nil
	}
	symbols := make([]string, 0, len(held))
	for symbol := range held {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	delete(b.sessions, sessionID)
	b.log.Info().
		Str("session_id", sessionID).
		Strs("symbols", symbols).
		Msg("session unsubscribed from all symbols")
	return symbols
}

// CleanupSession drops all subscription state for a disconnecting
// session.
func (b *Bus) CleanupSession(sessionID string) {
	b.UnsubscribeAll(sessionID)
}

// Publish sends payload to every receiver of symbol and returns the
// delivered count. Unknown symbols deliver to nobody.
func (b *Bus) Publish(symbol string, payload []byte) int {
	b.mu.Lock()
	topic := b.topics[symbol]
	b.mu.Unlock()

	if topic == nil {
		return 0
	}
	return topic.Publish(payload)
}

// SubscriberCount reports the active receivers on a symbol's topic.
func (b *Bus) SubscriberCount(symbol string) int {
	b.mu.Lock()
	topic := b.topics[symbol]
	b.mu.Unlock()

	if topic == nil {
		return 0
	}
	return topic.Receivers()
}

// Stats reports topic count and sessions holding at least one
// subscription.
func (b *Bus) Stats() (topics, sessions int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics), len(b.sessions)
}
