// Package settlement drives invoice state transitions. It consumes the
// settlement notification stream from lnd and moves invoices from PENDING to
// PAID, and it sweeps invoices past their expiry to EXPIRED. All transitions
// go through the store's compare-and-set, so duplicated or concurrent
// notifications can never settle an invoice twice. Workers may run in
// multiple processes at once, the database is the only coordinator.
package settlement

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/pkg/errors"

	"github.com/benthecarman/lnurl-spark/build"
	"github.com/benthecarman/lnurl-spark/db"
	"github.com/benthecarman/lnurl-spark/ln"
	"github.com/benthecarman/lnurl-spark/models/invoices"
)

var log = build.AddSubLogger("STLM")

// Watcher consumes settlement notifications and performs the PENDING to PAID
// transition for each settled invoice exactly once. Invoice ids that won the
// transition are put on the emit channel for the receipt emitter.
type Watcher struct {
	db     *db.DB
	emitCh chan int
}

// NewWatcher creates a watcher writing settled invoice ids to its emit
// channel
func NewWatcher(d *db.DB) *Watcher {
	return &Watcher{
		db: d,
		// buffered so a slow receipt emitter doesn't block settlement
		// processing
		emitCh: make(chan int, 64),
	}
}

// Settled is the channel of invoice ids that transitioned to PAID. Each id
// appears at most once per transition, regardless of how many times the
// settlement notification was delivered.
func (w *Watcher) Settled() <-chan int {
	return w.emitCh
}

// Listen consumes invoice updates from lnd, typically fed by
// ln.ListenInvoices. Each settled invoice is handled on its own goroutine,
// notifications carry no ordering guarantee anyway.
func (w *Watcher) Listen(invoiceCh chan *lnrpc.Invoice) {
	for invoice := range invoiceCh {
		if invoice == nil {
			log.Error("got invoice <nil> from invoice update channel")
			return
		}
		if invoice.State != lnrpc.Invoice_SETTLED {
			continue
		}

		preimage := hex.EncodeToString(invoice.RPreimage)
		go func() {
			if err := w.HandleSettlement(preimage); err != nil {
				log.WithError(err).WithField("preimage", preimage).
					Error("Could not handle settlement")
			}
		}()
	}
}

// HandleSettlement processes a single settlement notification. The
// notification asserts that a payment matching the preimage has been
// irrevocably settled, so there is nothing to cancel here, only a transition
// to perform or skip.
func (w *Watcher) HandleSettlement(preimage string) error {
	invoice, err := invoices.GetByPreimage(w.db, preimage)
	if err != nil {
		if errors.Is(err, invoices.ErrInvoiceNotFound) {
			// settlement for an invoice we don't own, or a replay after
			// the row was purged
			log.WithField("preimage", preimage).
				Warn("Got settlement for unknown invoice, discarding")
			return nil
		}
		return err
	}

	won, err := invoices.MarkPaid(w.db, invoice.ID)
	if err != nil {
		return err
	}
	if !won {
		// duplicate or out of order delivery, another worker already moved
		// the invoice out of PENDING
		log.WithField("id", invoice.ID).
			WithField("state", invoice.State.String()).
			Debug("Invoice was not PENDING, ignoring settlement")
		return nil
	}

	log.WithField("id", invoice.ID).
		WithField("amountMsat", invoice.AmountMSat).
		Info("Invoice settled")

	w.emitCh <- invoice.ID
	return nil
}

// ExpireInvoices transitions every PENDING invoice whose payment request has
// expired to EXPIRED. Expiry metadata comes from lnd by decoding the stored
// bolt11, the invoice table deliberately doesn't duplicate it.
func ExpireInvoices(d *db.DB, lncli ln.DecodePayReqClient, now time.Time) error {
	pending, err := invoices.GetByState(d, invoices.StatePending)
	if err != nil {
		return err
	}

	for _, invoice := range pending {
		payReq, err := lncli.DecodePayReq(context.Background(),
			&lnrpc.PayReqString{PayReq: invoice.Bolt11})
		if err != nil {
			log.WithError(err).WithField("id", invoice.ID).
				Error("Could not decode payment request")
			continue
		}

		if now.Unix() < payReq.Timestamp+payReq.Expiry {
			continue
		}

		won, err := invoices.MarkExpired(d, invoice.ID)
		if err != nil {
			log.WithError(err).WithField("id", invoice.ID).
				Error("Could not mark invoice as expired")
			continue
		}
		if won {
			log.WithField("id", invoice.ID).Info("Invoice expired")
		}
	}

	return nil
}

// RunExpiryLoop runs ExpireInvoices on a ticker until the context is
// cancelled
func RunExpiryLoop(ctx context.Context, d *db.DB, lncli ln.DecodePayReqClient,
	interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := ExpireInvoices(d, lncli, time.Now()); err != nil {
				log.WithError(err).Error("Expiry sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Cancel explicitly cancels a PENDING invoice. Returns whether the invoice
// actually transitioned.
func Cancel(d *db.DB, id int) (bool, error) {
	won, err := invoices.MarkCancelled(d, id)
	if err != nil {
		return false, err
	}
	if won {
		log.WithField("id", id).Info("Invoice cancelled")
	}
	return won, nil
}
