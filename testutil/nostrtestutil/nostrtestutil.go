package nostrtestutil

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/benthecarman/lnurl-spark/relay"
)

// GetKeysOrFail creates a fresh random Nostr key pair
func GetKeysOrFail(t *testing.T) *relay.Keys {
	keys, err := relay.NewKeys(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	return keys
}

// MockPublisher records every published event instead of talking to relays.
// When Failures is set, that many leading Publish calls return Err before
// publishing starts succeeding.
type MockPublisher struct {
	mu        sync.Mutex
	Published []nostr.Event
	Failures  int
	Err       error
}

func (p *MockPublisher) Publish(ctx context.Context, event nostr.Event) (
	string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Failures > 0 {
		p.Failures--
		return "", p.Err
	}
	if p.Failures < 0 {
		// fail forever
		return "", p.Err
	}

	p.Published = append(p.Published, event)
	return event.ID, nil
}

// PublishedEvents returns a copy of everything published so far
func (p *MockPublisher) PublishedEvents() []nostr.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]nostr.Event{}, p.Published...)
}

// ZapRequestOrFail builds a signed zap request from a random sender to the
// given recipient pubkey and returns its JSON encoding
func ZapRequestOrFail(t *testing.T, recipient string) string {
	senderKey := nostr.GeneratePrivateKey()

	event := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindZapRequest,
		Tags: nostr.Tags{
			nostr.Tag{"p", recipient},
			nostr.Tag{"relays", "wss://relay.damus.io"},
		},
	}
	require.NoError(t, event.Sign(senderKey))

	raw, err := json.Marshal(event)
	require.NoError(t, err)
	return string(raw)
}
