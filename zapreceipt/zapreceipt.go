// Package zapreceipt builds and publishes zap receipts for settled invoices.
// A receipt is published at least once, but its event id is recorded on the
// zap row at most once, so a receipt can never be correlated twice.
package zapreceipt

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"

	"github.com/benthecarman/lnurl-spark/async"
	"github.com/benthecarman/lnurl-spark/build"
	"github.com/benthecarman/lnurl-spark/db"
	"github.com/benthecarman/lnurl-spark/models/invoices"
	"github.com/benthecarman/lnurl-spark/models/users"
	"github.com/benthecarman/lnurl-spark/models/zaps"
)

var log = build.AddSubLogger("ZPRC")

// Exported errors
var (
	ErrInvalidZapRequest = errors.New("invalid zap request")
	// ErrPublishFailure means publishing gave up after the bounded retries.
	// The invoice stays PAID with a null receipt event id and can be
	// re-driven by enqueueing it again.
	ErrPublishFailure = errors.New("could not publish zap receipt")
)

// Signer signs a receipt event with the service key. Key handling is
// delegated entirely, this package never sees private key material.
type Signer interface {
	Sign(event *nostr.Event) error
}

// Publisher submits a signed event for publication and returns the id it was
// published under
type Publisher interface {
	Publish(ctx context.Context, event nostr.Event) (string, error)
}

const (
	defaultPublishAttempts = 5
	defaultPublishBackoff  = time.Second
)

// Emitter publishes zap receipts for invoices that transitioned to PAID
type Emitter struct {
	db        *db.DB
	signer    Signer
	publisher Publisher

	attempts int
	backoff  time.Duration

	errCh chan error
}

// NewEmitter creates an emitter with the default bounded retry policy
func NewEmitter(d *db.DB, signer Signer, publisher Publisher) *Emitter {
	return &Emitter{
		db:        d,
		signer:    signer,
		publisher: publisher,
		attempts:  defaultPublishAttempts,
		backoff:   defaultPublishBackoff,
		errCh:     make(chan error, 16),
	}
}

// Errors is the operator visible channel of permanent publish failures
func (e *Emitter) Errors() <-chan error {
	return e.errCh
}

// Run consumes settled invoice ids until the channel closes. Emissions for
// different invoices are independent and run concurrently.
func (e *Emitter) Run(settled <-chan int) {
	for invoiceID := range settled {
		id := invoiceID
		go func() {
			if err := e.Emit(id); err != nil {
				log.WithError(err).WithField("invoiceId", id).
					Error("Could not emit zap receipt")
			}
		}()
	}
}

// Emit builds, signs and publishes the zap receipt for the given invoice,
// then records the receipt event id. Invoices without a zap row and invoices
// owned by users with zaps disabled are skipped.
func (e *Emitter) Emit(invoiceID int) error {
	invoice, err := invoices.GetByID(e.db, invoiceID)
	if err != nil {
		return err
	}

	zap, err := zaps.GetByInvoiceID(e.db, invoiceID)
	if err != nil {
		if errors.Is(err, zaps.ErrZapNotFound) {
			log.WithField("invoiceId", invoiceID).
				Debug("Invoice has no zap request, nothing to emit")
			return nil
		}
		return err
	}
	if zap.EventID != nil {
		log.WithField("invoiceId", invoiceID).
			WithField("eventId", *zap.EventID).
			Debug("Receipt already published")
		return nil
	}

	user, err := users.GetByID(e.db, invoice.UserID)
	if err != nil {
		return err
	}
	if user.DisabledZaps {
		log.WithField("invoiceId", invoiceID).
			WithField("userId", user.ID).
			Info("User has zaps disabled, not emitting receipt")
		return nil
	}

	receipt, err := NewZapReceipt(invoice, zap.Request)
	if err != nil {
		return err
	}

	if err := e.signer.Sign(&receipt); err != nil {
		return errors.Wrap(err, "could not sign zap receipt")
	}

	var eventID string
	publish := func() error {
		id, err := e.publisher.Publish(context.Background(), receipt)
		eventID = id
		return err
	}
	if err := async.Retry(e.attempts, e.backoff, publish); err != nil {
		wrapped := errors.Wrapf(ErrPublishFailure, "invoice %d: %s", invoiceID, err)
		select {
		case e.errCh <- wrapped:
		default:
			log.Warn("Operator error channel is full, dropping publish failure")
		}
		return wrapped
	}

	won, err := zaps.CompareAndSetEventID(e.db, invoiceID, eventID)
	if err != nil {
		return err
	}
	if !won {
		// a concurrent run beat us to it, the extra receipt on the relays
		// is harmless
		log.WithField("invoiceId", invoiceID).
			WithField("eventId", eventID).
			Info("Receipt was already recorded, discarding duplicate publish")
		return nil
	}

	log.WithField("invoiceId", invoiceID).
		WithField("eventId", eventID).
		Info("Published zap receipt")

	return nil
}

// ParseZapRequest parses and validates a raw zap request event. The event
// must be kind 9734, carry a valid signature, and point at a recipient
// through a p tag.
func ParseZapRequest(raw string) (*nostr.Event, error) {
	var event nostr.Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return nil, ErrInvalidZapRequest
	}
	if event.Kind != nostr.KindZapRequest {
		return nil, ErrInvalidZapRequest
	}
	if ok, err := event.CheckSignature(); err != nil || !ok {
		return nil, ErrInvalidZapRequest
	}
	if event.Tags.GetFirst([]string{"p"}) == nil {
		return nil, ErrInvalidZapRequest
	}

	return &event, nil
}

// NewZapReceipt assembles the unsigned zap receipt for a settled invoice.
// The receipt embeds the zap request verbatim, the payment preimage as proof
// of payment, the settled amount and the optional payer comment.
func NewZapReceipt(invoice invoices.Invoice, zapRequest string) (nostr.Event, error) {
	request, err := ParseZapRequest(zapRequest)
	if err != nil {
		return nostr.Event{}, err
	}

	tags := nostr.Tags{
		*request.Tags.GetFirst([]string{"p"}),
		nostr.Tag{"P", request.PubKey},
	}
	if eTag := request.Tags.GetFirst([]string{"e"}); eTag != nil {
		tags = append(tags, *eTag)
	}
	tags = append(tags,
		nostr.Tag{"bolt11", invoice.Bolt11},
		nostr.Tag{"description", zapRequest},
		nostr.Tag{"preimage", invoice.Preimage},
		nostr.Tag{"amount", strconv.FormatInt(invoice.AmountMSat, 10)},
	)

	receipt := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindZap,
		Tags:      tags,
	}
	if invoice.LnurlpComment != nil {
		receipt.Content = *invoice.LnurlpComment
	}

	return receipt, nil
}
