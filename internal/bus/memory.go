package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"marketpipe/internal/subject"
	"marketpipe/logger"
)

const memoryBufferSize = 4096

// maxRedeliveries bounds redelivery of a message whose handler keeps
// failing; the handler side is responsible for dead-lettering before that.
const maxRedeliveries = 5

// MemoryBus is an in-process Bus used by tests and the single-process
// embedded mode. Messages published before a subscription exists are not
// replayed to it, so subscribers must be wired before publishers start.
type MemoryBus struct {
	mu      sync.RWMutex
	streams map[string][]string
	subs    []*memorySub
	seq     uint64
	closed  bool
	log     *logger.Log
}

type memorySub struct {
	pattern string
	handler Handler
	ch      chan *Message
	done    chan struct{}
	drained uint32
	wg      sync.WaitGroup
	log     *logger.Log
}

func NewMemory() *MemoryBus {
	return &MemoryBus{
		streams: make(map[string][]string),
		log:     logger.GetLogger(),
	}
}

func (b *MemoryBus) EnsureStream(ctx context.Context, name string, subjects []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.streams[name] = subjects
	return nil
}

func (b *MemoryBus) Publish(ctx context.Context, subj string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	seq := atomic.AddUint64(&b.seq, 1)
	targets := make([]*memorySub, 0, len(b.subs))
	for _, s := range b.subs {
		if subject.Match(s.pattern, subj) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	msg := &Message{Subject: subj, Data: data, Seq: seq}
	for _, s := range targets {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, pattern, durable string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &memorySub{
		pattern: pattern,
		handler: h,
		ch:      make(chan *Message, memoryBufferSize),
		done:    make(chan struct{}),
		log:     b.log,
	}
	b.subs = append(b.subs, s)
	s.wg.Add(1)
	go s.loop(ctx)
	return s, nil
}

// loop delivers messages one at a time, preserving per-subject order.
func (s *memorySub) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg := <-s.ch:
			s.deliver(ctx, msg)
		}
	}
}

func (s *memorySub) deliver(ctx context.Context, msg *Message) {
	for attempt := 0; attempt <= maxRedeliveries; attempt++ {
		if err := s.handler(ctx, msg); err == nil {
			return
		} else if ctx.Err() != nil {
			return
		} else if attempt == maxRedeliveries {
			s.log.WithComponent("memory_bus").WithError(err).WithFields(logger.Fields{
				"subject": msg.Subject,
			}).Error("message dropped after redelivery budget")
		}
	}
}

func (s *memorySub) Drain() error {
	if atomic.CompareAndSwapUint32(&s.drained, 0, 1) {
		close(s.done)
	}
	s.wg.Wait()
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Drain()
	}
	return nil
}
