package fanout

import (
	"context"
	"sync"
)

// LocalBus is an in-process Bus for single-node deployments and tests.
// Events still round-trip through Decode so the two implementations reject
// the same malformed payloads.
type LocalBus struct {
	mu     sync.Mutex
	subs   map[int]*localSub
	nextID int
	closed bool
}

type localSub struct {
	channels map[Channel]struct{}
	out      chan Payload
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]*localSub)}
}

func (b *LocalBus) Publish(ctx context.Context, p Payload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, sub := range b.subs {
		if _, ok := sub.channels[p.Channel()]; !ok {
			continue
		}
		select {
		case sub.out <- p:
		default:
			// Slow subscriber; dropping matches pub/sub semantics.
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, channels ...Channel) (<-chan Payload, error) {
	sub := &localSub{
		channels: make(map[Channel]struct{}, len(channels)),
		out:      make(chan Payload, 64),
	}
	for _, ch := range channels {
		sub.channels[ch] = struct{}{}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.out)
		}
		b.mu.Unlock()
	}()
	return sub.out, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.out)
	}
	return nil
}
