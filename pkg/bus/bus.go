// Package bus implements the Subscriber Bus: fan-out of transfer events,
// named pub/sub channels, and server console streams, each delivered
// through bounded per-subscriber channels that drop the oldest buffered
// item rather than block a slow reader.
//
// Per-topic publish limiting uses lazily-created, map-keyed
// golang.org/x/time/rate limiters, generalized from a per-client-IP HTTP
// throttling idiom to a per-topic publish limiter guarding channel
// pub/sub against a runaway publisher; subscriber bookkeeping is a plain
// map+mutex registry.
package bus

import (
	"sync"

	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultBufferSize bounds every subscriber channel unless overridden.
const DefaultBufferSize = 64

// ChannelPublishLimit bounds how fast a single named channel accepts
// publishes before messages are rejected outright (distinct from the
// per-subscriber drop-oldest behavior, which protects slow readers
// rather than the publish path).
const ChannelPublishLimit = rate.Limit(200)

// Bus owns every live subscription across the three kinds spec.md §4.7
// describes.
type Bus struct {
	log zerolog.Logger

	mu         sync.Mutex
	transfers  map[uuid.UUID]*subscriber[types.TransferMessage]
	screens    map[uuid.UUID]map[int]*subscriber[types.ScreenLines]
	screenSeq  int
	channels   map[string]map[int]*subscriber[types.ChannelMessage]
	channelSeq int
	limiters   map[string]*rate.Limiter
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{
		log:       log.WithComponent("bus"),
		transfers: make(map[uuid.UUID]*subscriber[types.TransferMessage]),
		screens:   make(map[uuid.UUID]map[int]*subscriber[types.ScreenLines]),
		channels:  make(map[string]map[int]*subscriber[types.ChannelMessage]),
		limiters:  make(map[string]*rate.Limiter),
	}
}

type subscriber[T any] struct {
	ch     chan T
	closed bool
}

func newSubscriber[T any](size int) *subscriber[T] {
	return &subscriber[T]{ch: make(chan T, size)}
}

// send delivers v, dropping the oldest buffered item first if the
// channel is saturated, so a slow reader never blocks the publisher.
func (s *subscriber[T]) send(v T) {
	select {
	case s.ch <- v:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- v:
	default:
	}
}

// --- Transfer stream ---------------------------------------------------

// SubscribeTransfer registers the sole transfer subscriber for server.
// A later call replaces any previous one (the server's own connection is
// expected to resubscribe at most once).
func (b *Bus) SubscribeTransfer(server uuid.UUID) <-chan types.TransferMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := newSubscriber[types.TransferMessage](DefaultBufferSize)
	b.transfers[server] = sub
	return sub.ch
}

// PushTransfer delivers msg to server's transfer subscription, if any.
func (b *Bus) PushTransfer(server uuid.UUID, msg types.TransferMessage) {
	b.mu.Lock()
	sub, ok := b.transfers[server]
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.send(msg)
}

// --- Channel pub/sub -----------------------------------------------------

// SubscribeChannel registers a new subscriber on the named channel,
// returning a read-only stream and an unsubscribe function.
func (b *Bus) SubscribeChannel(topic string) (<-chan types.ChannelMessage, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.channels[topic] == nil {
		b.channels[topic] = make(map[int]*subscriber[types.ChannelMessage])
	}
	b.channelSeq++
	id := b.channelSeq
	sub := newSubscriber[types.ChannelMessage](DefaultBufferSize)
	b.channels[topic][id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.channels[topic], id)
		if len(b.channels[topic]) == 0 {
			delete(b.channels, topic)
		}
	}
	return sub.ch, unsubscribe
}

// PublishChannel delivers bytes to every live subscriber of topic,
// returning the count that accepted it. Publishes exceeding
// ChannelPublishLimit on a topic are rejected with ok=false.
func (b *Bus) PublishChannel(topic string, data []byte) (accepted int, ok bool) {
	b.mu.Lock()
	limiter, exists := b.limiters[topic]
	if !exists {
		limiter = rate.NewLimiter(ChannelPublishLimit, int(ChannelPublishLimit))
		b.limiters[topic] = limiter
	}
	if !limiter.Allow() {
		b.mu.Unlock()
		b.log.Warn().Str("topic", topic).Msg("rejecting channel publish, rate limit exceeded")
		return 0, false
	}
	subs := make([]*subscriber[types.ChannelMessage], 0, len(b.channels[topic]))
	for _, s := range b.channels[topic] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	msg := types.ChannelMessage{Topic: topic, Bytes: data}
	for _, s := range subs {
		s.send(msg)
	}
	return len(subs), true
}

// --- Screen stream -------------------------------------------------------

// SubscribeScreen registers an operator's console-output subscription
// for server, returning a read-only stream and an unsubscribe function.
func (b *Bus) SubscribeScreen(server uuid.UUID) (<-chan types.ScreenLines, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.screens[server] == nil {
		b.screens[server] = make(map[int]*subscriber[types.ScreenLines])
	}
	b.screenSeq++
	id := b.screenSeq
	sub := newSubscriber[types.ScreenLines](DefaultBufferSize)
	b.screens[server][id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.screens[server], id)
	}
	return sub.ch, unsubscribe
}

// PublishScreen implements server.Bus: delivers a batch of console lines
// to every current subscriber of server.
func (b *Bus) PublishScreen(server uuid.UUID, lines [][]byte) {
	b.mu.Lock()
	subs := make([]*subscriber[types.ScreenLines], 0, len(b.screens[server]))
	for _, s := range b.screens[server] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	msg := types.ScreenLines{Server: server, Lines: lines}
	for _, s := range subs {
		s.send(msg)
	}
}

// CloseServer implements server.Bus: tears down server's transfer
// subscription and every screen subscriber once it is destroyed (§4.7's
// cleanup rule). Channel subscriptions are not server-scoped and are
// left to their own unsubscribe calls.
func (b *Bus) CloseServer(server uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.transfers, server)
	delete(b.screens, server)
}
