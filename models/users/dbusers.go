package users

import (
	"database/sql"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/benthecarman/lnurl-spark/build"
	"github.com/benthecarman/lnurl-spark/db"
)

var log = build.AddSubLogger("USER")

// User is a database table
type User struct {
	ID int `db:"id"`

	// Pubkey is the users 33 byte compressed public key, hex encoded
	Pubkey string `db:"pubkey"`
	// Name is the local part of the users lightning address
	Name string `db:"name"`
	// DisabledZaps is whether or not we emit zap receipts for this user
	DisabledZaps bool `db:"disabled_zaps"`
}

// SQL related constants
const (
	// returningFromUsersTable is a SQL snippet that returns all the rows
	// needed to scan a user struct
	returningFromUsersTable = "RETURNING id, pubkey, name, disabled_zaps"

	uniqueNameKey   = "users_name_key"
	uniquePubkeyKey = "users_pubkey_key"
)

// Exported errors
var (
	// ErrUserNotFound means no user with the given id, name or pubkey exists
	ErrUserNotFound = errors.New("user not found")
	// ErrNameMustBeUnique is used to signify that an already existing user
	// has the desired name
	ErrNameMustBeUnique = errors.New("user names must be unique")
	// ErrPubkeyMustBeUnique is used to signify that an already existing user
	// has the desired pubkey
	ErrPubkeyMustBeUnique = errors.New("user pubkeys must be unique")
	ErrInvalidPubkey      = errors.New("pubkey is not a valid compressed public key")
)

// GetByID selects all columns for user where id=id
func GetByID(d *db.DB, id int) (User, error) {
	userResult := User{}
	uQuery := `SELECT * FROM users WHERE id=$1 LIMIT 1`

	if err := d.Get(&userResult, uQuery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, errors.Wrapf(err, "GetByID(db, %d)", id)
	}

	return userResult, nil
}

// GetByName selects all columns for user where name=name
func GetByName(d *db.DB, name string) (User, error) {
	userResult := User{}
	uQuery := `SELECT * FROM users WHERE name=$1 LIMIT 1`

	if err := d.Get(&userResult, uQuery, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, errors.Wrapf(err, "GetByName(db, %s)", name)
	}

	return userResult, nil
}

// GetByPubkey selects all columns for user where pubkey=pubkey
func GetByPubkey(d *db.DB, pubkey string) (User, error) {
	userResult := User{}
	uQuery := `SELECT * FROM users WHERE pubkey=$1 LIMIT 1`

	if err := d.Get(&userResult, uQuery, pubkey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, errors.Wrapf(err, "GetByPubkey(db, %s)", pubkey)
	}

	return userResult, nil
}

// CreateUserArgs is the struct required to create a new user using
// the Create method
type CreateUserArgs struct {
	Pubkey string
	Name   string
}

// Create inserts a user with the given pubkey and name into the db.
// The pubkey must be a valid hex encoded compressed public key.
func Create(d *db.DB, args CreateUserArgs) (User, error) {
	if err := validatePubkey(args.Pubkey); err != nil {
		return User{}, err
	}
	if args.Name == "" {
		return User{}, errors.New("property Name on user must be defined")
	}

	user := User{
		Pubkey: args.Pubkey,
		Name:   args.Name,
	}

	userCreateQuery := `INSERT INTO users (pubkey, name)
		VALUES (:pubkey, :name) ` + returningFromUsersTable

	rows, err := d.NamedQuery(userCreateQuery, user)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			switch pqErr.Constraint {
			case uniqueNameKey:
				return User{}, ErrNameMustBeUnique
			case uniquePubkeyKey:
				return User{}, ErrPubkeyMustBeUnique
			}
		}
		return User{}, errors.Wrap(err, "could not insert user")
	}
	defer func() { _ = rows.Close() }()

	userResp := User{}
	if rows.Next() {
		if err := rows.Scan(
			&userResp.ID,
			&userResp.Pubkey,
			&userResp.Name,
			&userResp.DisabledZaps,
		); err != nil {
			return User{}, errors.Wrap(err, "could not scan inserted user")
		}
	}

	log.WithField("name", userResp.Name).Info("Created user")

	return userResp, nil
}

// DisableZaps turns off zap receipt emission for the given user
func DisableZaps(d *db.DB, id int) error {
	result, err := d.Exec(
		`UPDATE users SET disabled_zaps = true WHERE id = $1`, id)
	if err != nil {
		return errors.Wrapf(err, "DisableZaps(db, %d)", id)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}

	return nil
}

// validatePubkey checks that the given string is a valid hex encoded
// compressed secp256k1 public key
func validatePubkey(pubkey string) error {
	raw, err := hex.DecodeString(pubkey)
	if err != nil {
		return ErrInvalidPubkey
	}
	if len(raw) != btcec.PubKeyBytesLenCompressed {
		return ErrInvalidPubkey
	}
	if _, err := btcec.ParsePubKey(raw); err != nil {
		return ErrInvalidPubkey
	}
	return nil
}
