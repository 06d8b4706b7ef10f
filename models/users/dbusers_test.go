package users_test

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benthecarman/lnurl-spark/build"
	"github.com/benthecarman/lnurl-spark/db"
	"github.com/benthecarman/lnurl-spark/models/users"
	"github.com/benthecarman/lnurl-spark/testutil"
	"github.com/benthecarman/lnurl-spark/testutil/userstestutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("users")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	build.SetLogLevel(logrus.ErrorLevel)

	testDB = testutil.InitDatabase(databaseConfig)

	result := m.Run()

	if err := testDB.Close(); err != nil {
		panic(err.Error())
	}

	os.Exit(result)
}

func TestCreateUser(t *testing.T) {
	t.Parallel()

	t.Run("can create user", func(t *testing.T) {
		name := userstestutil.RandomName()
		pubkey := userstestutil.RandomPubkey(t)

		user, err := users.Create(testDB, users.CreateUserArgs{
			Name:   name,
			Pubkey: pubkey,
		})
		require.NoError(t, err)

		assert.NotZero(t, user.ID)
		assert.Equal(t, name, user.Name)
		assert.Equal(t, pubkey, user.Pubkey)
		assert.False(t, user.DisabledZaps)
	})

	t.Run("rejects an invalid pubkey", func(t *testing.T) {
		_, err := users.Create(testDB, users.CreateUserArgs{
			Name:   userstestutil.RandomName(),
			Pubkey: "not-a-pubkey",
		})
		require.ErrorIs(t, err, users.ErrInvalidPubkey)
	})

	t.Run("rejects an uncompressed pubkey", func(t *testing.T) {
		// 65 byte uncompressed keys don't fit the pubkey column
		_, err := users.Create(testDB, users.CreateUserArgs{
			Name: userstestutil.RandomName(),
			Pubkey: "04" +
				"79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798" +
				"483ada7726a3c4655da4fbfc0e1108a8fd17b448a68554199c47d08ffb10d4b8",
		})
		require.ErrorIs(t, err, users.ErrInvalidPubkey)
	})

	t.Run("rejects an empty name", func(t *testing.T) {
		_, err := users.Create(testDB, users.CreateUserArgs{
			Name:   "",
			Pubkey: userstestutil.RandomPubkey(t),
		})
		require.Error(t, err)
	})

	t.Run("names must be unique", func(t *testing.T) {
		user := userstestutil.CreateUserOrFail(t, testDB)

		_, err := users.Create(testDB, users.CreateUserArgs{
			Name:   user.Name,
			Pubkey: userstestutil.RandomPubkey(t),
		})
		require.ErrorIs(t, err, users.ErrNameMustBeUnique)
	})

	t.Run("pubkeys must be unique", func(t *testing.T) {
		user := userstestutil.CreateUserOrFail(t, testDB)

		_, err := users.Create(testDB, users.CreateUserArgs{
			Name:   userstestutil.RandomName(),
			Pubkey: user.Pubkey,
		})
		require.ErrorIs(t, err, users.ErrPubkeyMustBeUnique)
	})
}

func TestGetUser(t *testing.T) {
	t.Parallel()

	user := userstestutil.CreateUserOrFail(t, testDB)

	t.Run("by ID", func(t *testing.T) {
		found, err := users.GetByID(testDB, user.ID)
		require.NoError(t, err)
		assert.Equal(t, user, found)
	})

	t.Run("by name", func(t *testing.T) {
		found, err := users.GetByName(testDB, user.Name)
		require.NoError(t, err)
		assert.Equal(t, user, found)
	})

	t.Run("by pubkey", func(t *testing.T) {
		found, err := users.GetByPubkey(testDB, user.Pubkey)
		require.NoError(t, err)
		assert.Equal(t, user, found)
	})

	t.Run("not found by ID", func(t *testing.T) {
		_, err := users.GetByID(testDB, 99999999)
		require.ErrorIs(t, err, users.ErrUserNotFound)
	})

	t.Run("not found by name", func(t *testing.T) {
		_, err := users.GetByName(testDB, "no-such-user")
		require.ErrorIs(t, err, users.ErrUserNotFound)
	})
}

func TestDisableZaps(t *testing.T) {
	t.Parallel()

	t.Run("disables zaps for an existing user", func(t *testing.T) {
		user := userstestutil.CreateUserOrFail(t, testDB)
		require.False(t, user.DisabledZaps)

		require.NoError(t, users.DisableZaps(testDB, user.ID))

		updated, err := users.GetByID(testDB, user.ID)
		require.NoError(t, err)
		assert.True(t, updated.DisabledZaps)
	})

	t.Run("unknown user", func(t *testing.T) {
		err := users.DisableZaps(testDB, 99999999)
		require.ErrorIs(t, err, users.ErrUserNotFound)
	})
}
