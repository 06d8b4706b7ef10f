package zaps

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/benthecarman/lnurl-spark/build"
	"github.com/benthecarman/lnurl-spark/db"
)

var log = build.AddSubLogger("ZAPS")

// Zap is a database table. A row is present for an invoice exactly when that
// invoice was created to satisfy a Nostr zap request. The row shares its
// primary key with the invoice it belongs to.
type Zap struct {
	// ID is the id of the invoice this zap belongs to
	ID int `db:"id"`
	// Request is the original zap request event, stored verbatim
	Request string `db:"request"`
	// EventID is the id of the published zap receipt. It is null until the
	// receipt has been published, and is never changed afterwards.
	EventID *string `db:"event_id"`
}

// Exported errors
var (
	// ErrZapNotFound means the invoice has no zap row
	ErrZapNotFound = errors.New("no zap found for invoice")
)

// Insert persists the given zap. It is meant to run in the same transaction
// that inserts the corresponding invoice row.
func Insert(tx db.Inserter, zap Zap) (Zap, error) {
	createZapQuery := `INSERT INTO zaps (id, request)
		VALUES (:id, :request)
		RETURNING id, request, event_id`

	rows, err := tx.NamedQuery(createZapQuery, zap)
	if err != nil {
		return Zap{}, errors.Wrap(err, "could not insert zap")
	}
	defer func() { _ = rows.Close() }()

	var inserted Zap
	if rows.Next() {
		if err := rows.Scan(
			&inserted.ID,
			&inserted.Request,
			&inserted.EventID,
		); err != nil {
			return Zap{}, errors.Wrap(err, "could not scan inserted zap")
		}
	}

	return inserted, nil
}

// GetByInvoiceID selects the zap belonging to the given invoice
func GetByInvoiceID(d db.Getter, invoiceID int) (Zap, error) {
	zap := Zap{}
	query := `SELECT * FROM zaps WHERE id=$1 LIMIT 1`

	if err := d.Get(&zap, query, invoiceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Zap{}, ErrZapNotFound
		}
		return Zap{}, errors.Wrapf(err, "GetByInvoiceID(db, %d)", invoiceID)
	}

	return zap, nil
}

// GetByEventID selects the zap whose receipt was published with the given
// event id
func GetByEventID(d db.Getter, eventID string) (Zap, error) {
	zap := Zap{}
	query := `SELECT * FROM zaps WHERE event_id=$1 LIMIT 1`

	if err := d.Get(&zap, query, eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Zap{}, ErrZapNotFound
		}
		return Zap{}, errors.Wrapf(err, "GetByEventID(db, %s)", eventID)
	}

	return zap, nil
}

// CompareAndSetEventID records the published receipt event id for the given
// invoice, but only if no event id has been recorded yet. Returns whether
// this caller won the update. A false return with a nil error means another
// worker already recorded a receipt, which is never fatal.
func CompareAndSetEventID(d *db.DB, invoiceID int, eventID string) (bool, error) {
	result, err := d.Exec(
		`UPDATE zaps SET event_id = $1 WHERE id = $2 AND event_id IS NULL`,
		eventID, invoiceID)
	if err != nil {
		return false, errors.Wrapf(err,
			"CompareAndSetEventID(db, %d, %s)", invoiceID, eventID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	if rows == 0 {
		log.WithField("invoiceId", invoiceID).
			Debug("Receipt event id was already set")
		return false, nil
	}

	return true, nil
}
