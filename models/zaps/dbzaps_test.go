package zaps_test

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benthecarman/lnurl-spark/build"
	"github.com/benthecarman/lnurl-spark/db"
	"github.com/benthecarman/lnurl-spark/models/invoices"
	"github.com/benthecarman/lnurl-spark/models/zaps"
	"github.com/benthecarman/lnurl-spark/testutil"
	"github.com/benthecarman/lnurl-spark/testutil/lntestutil"
	"github.com/benthecarman/lnurl-spark/testutil/nostrtestutil"
	"github.com/benthecarman/lnurl-spark/testutil/userstestutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("zaps")
	testDB         *db.DB

	mockLn = lntestutil.GetLightningMockClient()
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

// createZapOrFail creates a user, an invoice and its zap row
func createZapOrFail(t *testing.T) (invoices.Invoice, zaps.Zap) {
	user := userstestutil.CreateUserOrFail(t, testDB)

	invoice, err := invoices.NewInvoice(testDB, mockLn, invoices.NewInvoiceOpts{
		UserID:     user.ID,
		AmountMSat: 21000,
		ZapRequest: nostrtestutil.ZapRequestOrFail(t, user.Pubkey),
	})
	require.NoError(t, err)

	zap, err := zaps.GetByInvoiceID(testDB, invoice.ID)
	require.NoError(t, err)

	return invoice, zap
}

func TestGetZap(t *testing.T) {
	t.Parallel()

	invoice, zap := createZapOrFail(t)

	t.Run("by invoice ID", func(t *testing.T) {
		found, err := zaps.GetByInvoiceID(testDB, invoice.ID)
		require.NoError(t, err)
		assert.Equal(t, zap, found)
		assert.Nil(t, found.EventID)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := zaps.GetByInvoiceID(testDB, 99999999)
		require.ErrorIs(t, err, zaps.ErrZapNotFound)
	})
}

func TestCompareAndSetEventID(t *testing.T) {
	t.Parallel()

	t.Run("records the event id once", func(t *testing.T) {
		invoice, _ := createZapOrFail(t)
		const eventID = "5bc84c5e29734b29d4e5d4cd4fda8f57e0b6c0cbfa4eb2f94b4e5eb8c8b08e4e"

		won, err := zaps.CompareAndSetEventID(testDB, invoice.ID, eventID)
		require.NoError(t, err)
		assert.True(t, won)

		zap, err := zaps.GetByInvoiceID(testDB, invoice.ID)
		require.NoError(t, err)
		require.NotNil(t, zap.EventID)
		assert.Equal(t, eventID, *zap.EventID)

		// a second publisher loses and the stored id is untouched
		won, err = zaps.CompareAndSetEventID(testDB, invoice.ID, "another-id")
		require.NoError(t, err)
		assert.False(t, won)

		zap, err = zaps.GetByInvoiceID(testDB, invoice.ID)
		require.NoError(t, err)
		require.NotNil(t, zap.EventID)
		assert.Equal(t, eventID, *zap.EventID)
	})

	t.Run("lookup by event id", func(t *testing.T) {
		invoice, _ := createZapOrFail(t)
		const eventID = "e9d6c29e4a5b4fd3a0cbb49e12c7b34cf3b8e78cfebd2a7d70b4a4e8b4c989aa"

		won, err := zaps.CompareAndSetEventID(testDB, invoice.ID, eventID)
		require.NoError(t, err)
		require.True(t, won)

		zap, err := zaps.GetByEventID(testDB, eventID)
		require.NoError(t, err)
		assert.Equal(t, invoice.ID, zap.ID)
	})

	t.Run("unknown invoice never wins", func(t *testing.T) {
		won, err := zaps.CompareAndSetEventID(testDB, 99999999, "abc")
		require.NoError(t, err)
		assert.False(t, won)
	})
}
