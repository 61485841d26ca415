// Package memory provides in-process implementations of the cache
// interfaces for single-node deployments without Redis.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

const streamMaxLen = 10000

// SignalBus implements domain.SignalBus inside one process. Subscribers that
// fall behind by more than their buffer lose messages.
type SignalBus struct {
	mu      sync.Mutex
	subs    map[string]map[chan []byte]struct{}
	streams map[string]*stream
}

type stream struct {
	seq     uint64
	entries []domain.StreamMessage
}

// NewSignalBus creates an empty SignalBus.
func NewSignalBus() *SignalBus {
	return &SignalBus{
		subs:    make(map[string]map[chan []byte]struct{}),
		streams: make(map[string]*stream),
	}
}

// Publish delivers payload to every current subscriber of channel.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[channel] {
		data := append([]byte(nil), payload...)
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Subscribe returns payloads published to channel until ctx is done, when
// the returned channel is closed.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// StreamAppend adds payload to stream, dropping the oldest entries past the
// length cap.
func (b *SignalBus) StreamAppend(_ context.Context, name string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.streams[name]
	if s == nil {
		s = &stream{}
		b.streams[name] = s
	}
	s.seq++
	s.entries = append(s.entries, domain.StreamMessage{
		ID:      strconv.FormatUint(s.seq, 10) + "-0",
		Payload: append([]byte(nil), payload...),
	})
	if over := len(s.entries) - streamMaxLen; over > 0 {
		s.entries = append([]domain.StreamMessage(nil), s.entries[over:]...)
	}
	return nil
}

// StreamRead returns up to count entries after lastID ("0" reads from the
// start). count <= 0 returns every remaining entry.
func (b *SignalBus) StreamRead(_ context.Context, name string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := parseID(lastID)
	if err != nil {
		return nil, fmt.Errorf("memory: stream read %s: %w", name, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.streams[name]
	if s == nil {
		return nil, nil
	}
	var out []domain.StreamMessage
	for _, m := range s.entries {
		id, _ := parseID(m.ID)
		if id <= after {
			continue
		}
		out = append(out, domain.StreamMessage{ID: m.ID, Payload: append([]byte(nil), m.Payload...)})
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func parseID(id string) (uint64, error) {
	seq, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stream id %q", id)
	}
	return n, nil
}
