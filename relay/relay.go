// Package relay holds the service's Nostr key and publishes events to a set
// of relays.
package relay

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/pkg/errors"

	"github.com/benthecarman/lnurl-spark/build"
)

var log = build.AddSubLogger("NSTR")

// Keys holds the service's Nostr signing key
type Keys struct {
	privateKey string
	publicKey  string
}

// NewKeys parses the given secret key, either hex encoded or bech32 (nsec)
func NewKeys(secret string) (*Keys, error) {
	privateKey := secret
	if prefix, value, err := nip19.Decode(secret); err == nil {
		if prefix != "nsec" {
			return nil, errors.Errorf("unexpected key prefix %s", prefix)
		}
		privateKey = value.(string)
	}

	publicKey, err := nostr.GetPublicKey(privateKey)
	if err != nil {
		return nil, errors.Wrap(err, "invalid nostr secret key")
	}

	return &Keys{
		privateKey: privateKey,
		publicKey:  publicKey,
	}, nil
}

// PublicKey is the x-only hex encoded public key matching the signing key
func (k *Keys) PublicKey() string {
	return k.publicKey
}

// Sign signs the given event, filling in its pubkey and id
func (k *Keys) Sign(event *nostr.Event) error {
	return event.Sign(k.privateKey)
}

// Client publishes events to a fixed set of relays
type Client struct {
	relays []*nostr.Relay
}

// Connect dials all the given relay URLs. At least one connection must
// succeed.
func Connect(ctx context.Context, urls []string) (*Client, error) {
	if len(urls) == 0 {
		return nil, errors.New("must provide at least one relay")
	}

	relays := make([]*nostr.Relay, 0, len(urls))
	for _, url := range urls {
		relay, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			log.WithError(err).WithField("relay", url).
				Error("Could not connect to relay")
			continue
		}
		relays = append(relays, relay)
	}
	if len(relays) == 0 {
		return nil, errors.New("could not connect to any relay")
	}

	return &Client{relays: relays}, nil
}

// Publish submits the signed event to every connected relay. It succeeds if
// at least one relay accepted the event, and returns the event id.
func (c *Client) Publish(ctx context.Context, event nostr.Event) (string, error) {
	published := false
	for _, relay := range c.relays {
		if err := c.publishOne(ctx, relay, event); err != nil {
			log.WithError(err).WithField("relay", relay.URL).
				Error("Could not publish event")
			continue
		}
		published = true
	}
	if !published {
		return "", errors.Errorf("no relay accepted event %s", event.ID)
	}

	log.WithField("eventId", event.ID).Debug("Published event")

	return event.ID, nil
}

func (c *Client) publishOne(ctx context.Context, relay *nostr.Relay,
	event nostr.Event) error {
	withTimeout, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return relay.Publish(withTimeout, event)
}

const publishTimeout = 10 * time.Second
