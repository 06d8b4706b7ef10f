package invoices

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/pkg/errors"

	"github.com/benthecarman/lnurl-spark/db"
	"github.com/benthecarman/lnurl-spark/ln"
	"github.com/benthecarman/lnurl-spark/models/users"
	"github.com/benthecarman/lnurl-spark/models/zaps"
)

// NewInvoiceOpts are the different options that dictate creation of a new
// invoice
type NewInvoiceOpts struct {
	UserID     int
	AmountMSat int64
	// Comment is the optional LNURL-pay comment the payer supplied
	Comment string
	// ZapRequest is the raw zap request event this invoice was created for,
	// empty when the payment is a plain LNURL-pay
	ZapRequest string
	// DescriptionHash commits the invoice to the LNURL metadata or the zap
	// request
	DescriptionHash []byte
	// Expiry is the invoice expiry in seconds. lnd's default is used when 0.
	Expiry int64
}

// ErrZapsDisabled means a zap request was supplied for a user that has
// disabled zaps
var ErrZapsDisabled = errors.New("zaps are disabled for this user")

// NewInvoice creates a new invoice by generating a fresh preimage, asking lnd
// for a payment request held against it, and then persisting the invoice row
// together with the optional zap row in a single transaction. The lnd call
// happens before anything touches the database, so a backend failure leaves
// no orphan invoice behind.
func NewInvoice(d *db.DB, lncli ln.AddInvoiceClient, opts NewInvoiceOpts) (
	Invoice, error) {
	if opts.AmountMSat < 0 {
		return Invoice{}, ErrNegativeAmount
	}
	if opts.AmountMSat > ln.MaxAmountMsatPerInvoice {
		return Invoice{}, errors.Errorf(
			"amount (%d msat) was too large, max: %d",
			opts.AmountMSat, ln.MaxAmountMsatPerInvoice)
	}
	if len(opts.Comment) > 100 {
		return Invoice{}, ErrCommentTooLong
	}

	user, err := users.GetByID(d, opts.UserID)
	if err != nil {
		return Invoice{}, err
	}
	if opts.ZapRequest != "" && user.DisabledZaps {
		return Invoice{}, ErrZapsDisabled
	}

	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return Invoice{}, errors.Wrap(err, "could not generate preimage")
	}

	lndInvoice, err := lncli.AddInvoice(context.Background(), &lnrpc.Invoice{
		RPreimage:       preimage[:],
		ValueMsat:       opts.AmountMSat,
		DescriptionHash: opts.DescriptionHash,
		Expiry:          opts.Expiry,
	})
	if err != nil {
		log.WithError(err).Error("Could not add invoice to lnd")
		return Invoice{}, ErrBackendUnavailable
	}

	invoice := Invoice{
		UserID:     user.ID,
		Bolt11:     lndInvoice.PaymentRequest,
		AmountMSat: opts.AmountMSat,
		Preimage:   hex.EncodeToString(preimage[:]),
		State:      StatePending,
	}
	if opts.Comment != "" {
		invoice.LnurlpComment = &opts.Comment
	}

	tx := d.MustBegin()

	invoice, err = insert(tx, invoice)
	if err != nil {
		_ = tx.Rollback()
		return Invoice{}, err
	}

	if opts.ZapRequest != "" {
		if _, err := zaps.Insert(tx, zaps.Zap{
			ID:      invoice.ID,
			Request: opts.ZapRequest,
		}); err != nil {
			_ = tx.Rollback()
			return Invoice{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		log.WithError(err).Error("Could not commit invoice TX")
		_ = tx.Rollback()
		return Invoice{}, err
	}

	log.WithField("id", invoice.ID).
		WithField("amountMsat", invoice.AmountMSat).
		WithField("zap", opts.ZapRequest != "").
		Info("Created invoice")

	return invoice, nil
}
