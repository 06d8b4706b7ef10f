package userstestutil

import (
	"encoding/hex"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/benthecarman/lnurl-spark/db"
	"github.com/benthecarman/lnurl-spark/models/users"
)

func init() {
	gofakeit.Seed(time.Now().UnixNano())
}

// RandomPubkey returns a hex encoded compressed secp256k1 public key
func RandomPubkey(t *testing.T) string {
	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return hex.EncodeToString(privKey.PubKey().SerializeCompressed())
}

// RandomName returns a name that fits the lightning address local part
func RandomName() string {
	return strings.ToLower(gofakeit.FirstName()) +
		strconv.Itoa(gofakeit.Number(10000, 99999))
}

// CreateUserOrFail creates a user with a random name and pubkey
func CreateUserOrFail(t *testing.T, d *db.DB) users.User {
	u, err := users.Create(d, users.CreateUserArgs{
		Name:   RandomName(),
		Pubkey: RandomPubkey(t),
	})
	require.NoError(t, err)
	return u
}

// CreateUserWithZapsDisabledOrFail creates a user and turns their zaps off
func CreateUserWithZapsDisabledOrFail(t *testing.T, d *db.DB) users.User {
	u := CreateUserOrFail(t, d)
	require.NoError(t, users.DisableZaps(d, u.ID))

	u, err := users.GetByID(d, u.ID)
	require.NoError(t, err)
	require.True(t, u.DisabledZaps)
	return u
}
