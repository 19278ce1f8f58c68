package publish

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/cornelk/hashmap"
)

// MemoryPublisher keeps the last retained message per topic in process.
// It backs the memory:// bus and one-shot queries.
type MemoryPublisher struct {
	retained  *hashmap.Map[string, Message]
	published atomic.Int64
	closed    atomic.Bool
}

var _ Publisher = (*MemoryPublisher)(nil)

// NewMemory creates an empty in-process publisher
func NewMemory() *MemoryPublisher {
	return &MemoryPublisher{retained: hashmap.New[string, Message]()}
}

func (p *MemoryPublisher) Publish(ctx context.Context, msgs []Message) error {
	if p.closed.Load() {
		return ErrClosed
	}
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.Retained {
			m.Payload = append([]byte(nil), m.Payload...)
			p.retained.Set(m.Topic, m)
		}
		p.published.Add(1)
	}
	return nil
}

// Get returns the retained message on topic
func (p *MemoryPublisher) Get(topic string) (Message, bool) {
	return p.retained.Get(topic)
}

// Topics lists retained topics in lexical order
func (p *MemoryPublisher) Topics() []string {
	topics := make([]string, 0, p.retained.Len())
	p.retained.Range(func(topic string, _ Message) bool {
		topics = append(topics, topic)
		return true
	})
	sort.Strings(topics)
	return topics
}

// Published counts every message accepted so far
func (p *MemoryPublisher) Published() int64 {
	return p.published.Load()
}

func (p *MemoryPublisher) Close() error {
	p.closed.Store(true)
	return nil
}
