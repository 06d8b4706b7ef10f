package invoices

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/benthecarman/lnurl-spark/build"
	"github.com/benthecarman/lnurl-spark/db"
)

var log = build.AddSubLogger("INVC")

// InvoiceState is the lifecycle state of an invoice. The integer values are
// persisted and must never change.
type InvoiceState int32

const (
	// StatePending is the initial state, the invoice has not been paid yet
	StatePending InvoiceState = 0
	// StatePaid means the invoice has been irrevocably settled
	StatePaid InvoiceState = 1
	// StateExpired means the invoice passed its expiry without being paid
	StateExpired InvoiceState = 2
	// StateCancelled means the invoice was explicitly cancelled
	StateCancelled InvoiceState = 3
)

func (s InvoiceState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StatePaid:
		return "PAID"
	case StateExpired:
		return "EXPIRED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further state transitions are possible
func (s InvoiceState) IsTerminal() bool {
	return s != StatePending
}

// Invoice is a database table
type Invoice struct {
	ID     int `db:"id"`
	UserID int `db:"user_id"`

	// Bolt11 is the encoded payment request
	Bolt11 string `db:"bolt11"`
	// AmountMSat is the requested amount in millisatoshis
	AmountMSat int64 `db:"amount_msats"`
	// Preimage is the hex encoded payment preimage. We generate it before
	// asking lnd to hold the invoice, so it is known at creation time and
	// never changes.
	Preimage string `db:"preimage"`
	// LnurlpComment is the optional comment the payer attached via LNURL-pay
	LnurlpComment *string      `db:"lnurlp_comment"`
	State         InvoiceState `db:"state"`
}

// Exported errors
var (
	// ErrInvoiceNotFound means no invoice matched the lookup
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrBackendUnavailable means lnd could not issue a payment request.
	// No invoice row is persisted when this is returned.
	ErrBackendUnavailable = errors.New("lightning backend could not issue payment request")
	ErrNegativeAmount     = errors.New("invoice amount cannot be negative")
	ErrCommentTooLong     = errors.New("comment cannot be longer than 100 characters")
)

// insert persists the supplied invoice. Runs inside the transaction that
// optionally also inserts the zap row, so both appear atomically.
func insert(tx *sqlx.Tx, invoice Invoice) (Invoice, error) {
	if invoice.LnurlpComment != nil && *invoice.LnurlpComment == "" {
		invoice.LnurlpComment = nil
	}

	createInvoiceQuery := `INSERT INTO
	invoice (user_id, bolt11, amount_msats, preimage, lnurlp_comment, state)
	VALUES (:user_id, :bolt11, :amount_msats, :preimage, :lnurlp_comment, :state)
	RETURNING id, user_id, bolt11, amount_msats, preimage, lnurlp_comment, state`

	rows, err := tx.NamedQuery(createInvoiceQuery, invoice)
	if err != nil {
		log.WithError(err).Error("Could not insert invoice")
		return Invoice{}, err
	}
	defer func() { _ = rows.Close() }()

	var inserted Invoice
	if rows.Next() {
		if err = rows.Scan(
			&inserted.ID,
			&inserted.UserID,
			&inserted.Bolt11,
			&inserted.AmountMSat,
			&inserted.Preimage,
			&inserted.LnurlpComment,
			&inserted.State,
		); err != nil {
			return inserted, errors.Wrapf(err,
				"insert->rows.Scan(), problem row = %+v", inserted)
		}
	}

	return inserted, nil
}

// GetByID selects the invoice with the given id
func GetByID(d *db.DB, id int) (Invoice, error) {
	var invoice Invoice
	query := `SELECT * FROM invoice WHERE id=$1 LIMIT 1`

	if err := d.Get(&invoice, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Invoice{}, ErrInvoiceNotFound
		}
		return Invoice{}, errors.Wrapf(err, "GetByID(db, %d)", id)
	}

	return invoice, nil
}

// GetByPreimage selects the invoice with the given hex encoded preimage.
// Preimages are unique, so this returns at most one invoice.
func GetByPreimage(d *db.DB, preimage string) (Invoice, error) {
	var invoice Invoice
	query := `SELECT * FROM invoice WHERE preimage=$1 LIMIT 1`

	if err := d.Get(&invoice, query, preimage); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Invoice{}, ErrInvoiceNotFound
		}
		return Invoice{}, errors.Wrapf(err, "GetByPreimage(db, %s)", preimage)
	}

	return invoice, nil
}

// GetByState selects all invoices in the given state
func GetByState(d *db.DB, state InvoiceState) ([]Invoice, error) {
	result := []Invoice{}
	query := `SELECT * FROM invoice WHERE state=$1 ORDER BY id`

	if err := d.Select(&result, query, state); err != nil {
		return nil, errors.Wrapf(err, "GetByState(db, %s)", state)
	}

	return result, nil
}

// GetAll selects all invoices for the given user
func GetAll(d *db.DB, userID int, limit int, offset int) ([]Invoice, error) {
	// Using OFFSET is not ideal, but until we start seeing
	// performance problems it's fine
	query := `SELECT *
		FROM invoice
		WHERE user_id=$1
		ORDER BY id
		LIMIT $2
		OFFSET $3`

	result := []Invoice{}
	if err := d.Select(&result, query, userID, limit, offset); err != nil {
		return nil, errors.Wrapf(err, "GetAll(db, %d)", userID)
	}

	return result, nil
}

// CompareAndSetState transitions the invoice to the next state, but only if
// its stored state still equals the expected one. Returns whether this caller
// won the transition. Concurrent workers race on this single conditional
// update, so at most one of them ever observes true for a given transition.
func CompareAndSetState(d *db.DB, id int, expected, next InvoiceState) (bool, error) {
	if expected.IsTerminal() {
		return false, errors.Errorf(
			"cannot transition out of terminal state %s", expected)
	}

	result, err := d.Exec(
		`UPDATE invoice SET state = $1 WHERE id = $2 AND state = $3`,
		next, id, expected)
	if err != nil {
		return false, errors.Wrapf(err,
			"CompareAndSetState(db, %d, %s, %s)", id, expected, next)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows == 1, nil
}

// MarkPaid transitions the invoice from PENDING to PAID. Returns whether this
// caller performed the transition.
func MarkPaid(d *db.DB, id int) (bool, error) {
	return CompareAndSetState(d, id, StatePending, StatePaid)
}

// MarkExpired transitions the invoice from PENDING to EXPIRED
func MarkExpired(d *db.DB, id int) (bool, error) {
	return CompareAndSetState(d, id, StatePending, StateExpired)
}

// MarkCancelled transitions the invoice from PENDING to CANCELLED
func MarkCancelled(d *db.DB, id int) (bool, error) {
	return CompareAndSetState(d, id, StatePending, StateCancelled)
}
