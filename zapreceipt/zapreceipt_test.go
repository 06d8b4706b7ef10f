package zapreceipt

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benthecarman/lnurl-spark/build"
	"github.com/benthecarman/lnurl-spark/db"
	"github.com/benthecarman/lnurl-spark/models/invoices"
	"github.com/benthecarman/lnurl-spark/models/users"
	"github.com/benthecarman/lnurl-spark/models/zaps"
	"github.com/benthecarman/lnurl-spark/testutil"
	"github.com/benthecarman/lnurl-spark/testutil/lntestutil"
	"github.com/benthecarman/lnurl-spark/testutil/nostrtestutil"
	"github.com/benthecarman/lnurl-spark/testutil/userstestutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("zapreceipt")
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

// newTestEmitter returns an emitter with a retry policy tight enough for
// tests
func newTestEmitter(t *testing.T, publisher Publisher) *Emitter {
	emitter := NewEmitter(testDB, nostrtestutil.GetKeysOrFail(t), publisher)
	emitter.attempts = 2
	emitter.backoff = time.Millisecond
	return emitter
}

func createZappedInvoiceOrFail(t *testing.T, user users.User) invoices.Invoice {
	invoice, err := invoices.NewInvoice(testDB, mockLn, invoices.NewInvoiceOpts{
		UserID:     user.ID,
		AmountMSat: 21000,
		Comment:    "great post",
		ZapRequest: nostrtestutil.ZapRequestOrFail(t, user.Pubkey),
	})
	require.NoError(t, err)
	return invoice
}

func TestParseZapRequest(t *testing.T) {
	t.Parallel()

	recipient := nostrtestutil.GetKeysOrFail(t).PublicKey()

	t.Run("accepts a valid request", func(t *testing.T) {
		raw := nostrtestutil.ZapRequestOrFail(t, recipient)

		event, err := ParseZapRequest(raw)
		require.NoError(t, err)
		assert.Equal(t, nostr.KindZapRequest, event.Kind)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := ParseZapRequest("not json")
		require.ErrorIs(t, err, ErrInvalidZapRequest)
	})

	t.Run("rejects the wrong kind", func(t *testing.T) {
		event := nostr.Event{
			CreatedAt: nostr.Now(),
			Kind:      nostr.KindTextNote,
			Tags:      nostr.Tags{nostr.Tag{"p", recipient}},
		}
		require.NoError(t, event.Sign(nostr.GeneratePrivateKey()))
		raw, err := json.Marshal(event)
		require.NoError(t, err)

		_, err = ParseZapRequest(string(raw))
		require.ErrorIs(t, err, ErrInvalidZapRequest)
	})

	t.Run("rejects a tampered signature", func(t *testing.T) {
		raw := nostrtestutil.ZapRequestOrFail(t, recipient)

		var event nostr.Event
		require.NoError(t, json.Unmarshal([]byte(raw), &event))
		event.Content = "tampered"
		tampered, err := json.Marshal(event)
		require.NoError(t, err)

		_, err = ParseZapRequest(string(tampered))
		require.ErrorIs(t, err, ErrInvalidZapRequest)
	})

	t.Run("rejects a missing p tag", func(t *testing.T) {
		event := nostr.Event{
			CreatedAt: nostr.Now(),
			Kind:      nostr.KindZapRequest,
			Tags:      nostr.Tags{},
		}
		require.NoError(t, event.Sign(nostr.GeneratePrivateKey()))
		raw, err := json.Marshal(event)
		require.NoError(t, err)

		_, err = ParseZapRequest(string(raw))
		require.ErrorIs(t, err, ErrInvalidZapRequest)
	})
}

func TestNewZapReceipt(t *testing.T) {
	t.Parallel()

	recipient := nostrtestutil.GetKeysOrFail(t).PublicKey()
	zapRequest := nostrtestutil.ZapRequestOrFail(t, recipient)

	comment := "great post"
	invoice := invoices.Invoice{
		ID:            1,
		Bolt11:        lntestutil.MockPaymentRequest(),
		AmountMSat:    21000,
		Preimage:      "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
		LnurlpComment: &comment,
	}

	receipt, err := NewZapReceipt(invoice, zapRequest)
	require.NoError(t, err)

	assert.Equal(t, nostr.KindZap, receipt.Kind)
	assert.Equal(t, comment, receipt.Content)

	pTag := receipt.Tags.GetFirst([]string{"p"})
	require.NotNil(t, pTag)
	assert.Equal(t, recipient, pTag.Value())

	bolt11 := receipt.Tags.GetFirst([]string{"bolt11"})
	require.NotNil(t, bolt11)
	assert.Equal(t, invoice.Bolt11, bolt11.Value())

	preimage := receipt.Tags.GetFirst([]string{"preimage"})
	require.NotNil(t, preimage)
	assert.Equal(t, invoice.Preimage, preimage.Value())

	amount := receipt.Tags.GetFirst([]string{"amount"})
	require.NotNil(t, amount)
	assert.Equal(t, "21000", amount.Value())

	// the zap request is embedded verbatim so payers can verify what they
	// signed
	description := receipt.Tags.GetFirst([]string{"description"})
	require.NotNil(t, description)
	assert.Equal(t, zapRequest, description.Value())

	senderTag := receipt.Tags.GetFirst([]string{"P"})
	require.NotNil(t, senderTag)

	var request nostr.Event
	require.NoError(t, json.Unmarshal([]byte(zapRequest), &request))
	assert.Equal(t, request.PubKey, senderTag.Value())
}

func TestEmit(t *testing.T) {
	t.Parallel()

	t.Run("publishes and records the receipt", func(t *testing.T) {
		user := userstestutil.CreateUserOrFail(t, testDB)
		invoice := createZappedInvoiceOrFail(t, user)

		publisher := &nostrtestutil.MockPublisher{}
		emitter := newTestEmitter(t, publisher)

		require.NoError(t, emitter.Emit(invoice.ID))

		published := publisher.PublishedEvents()
		require.Len(t, published, 1)
		assert.Equal(t, nostr.KindZap, published[0].Kind)

		ok, err := published[0].CheckSignature()
		require.NoError(t, err)
		assert.True(t, ok)

		zap, err := zaps.GetByInvoiceID(testDB, invoice.ID)
		require.NoError(t, err)
		require.NotNil(t, zap.EventID)
		assert.Equal(t, published[0].ID, *zap.EventID)
	})

	t.Run("does not publish twice", func(t *testing.T) {
		user := userstestutil.CreateUserOrFail(t, testDB)
		invoice := createZappedInvoiceOrFail(t, user)

		publisher := &nostrtestutil.MockPublisher{}
		emitter := newTestEmitter(t, publisher)

		require.NoError(t, emitter.Emit(invoice.ID))
		require.NoError(t, emitter.Emit(invoice.ID))

		assert.Len(t, publisher.PublishedEvents(), 1)
	})

	t.Run("skips invoices without a zap request", func(t *testing.T) {
		user := userstestutil.CreateUserOrFail(t, testDB)
		invoice, err := invoices.NewInvoice(testDB, mockLn, invoices.NewInvoiceOpts{
			UserID:     user.ID,
			AmountMSat: 1000,
		})
		require.NoError(t, err)

		publisher := &nostrtestutil.MockPublisher{}
		emitter := newTestEmitter(t, publisher)

		require.NoError(t, emitter.Emit(invoice.ID))
		assert.Empty(t, publisher.PublishedEvents())
	})

	t.Run("skips users that disabled zaps after invoice creation", func(t *testing.T) {
		user := userstestutil.CreateUserOrFail(t, testDB)
		invoice := createZappedInvoiceOrFail(t, user)

		require.NoError(t, users.DisableZaps(testDB, user.ID))

		publisher := &nostrtestutil.MockPublisher{}
		emitter := newTestEmitter(t, publisher)

		require.NoError(t, emitter.Emit(invoice.ID))
		assert.Empty(t, publisher.PublishedEvents())

		zap, err := zaps.GetByInvoiceID(testDB, invoice.ID)
		require.NoError(t, err)
		assert.Nil(t, zap.EventID)
	})

	t.Run("retries transient publish failures", func(t *testing.T) {
		user := userstestutil.CreateUserOrFail(t, testDB)
		invoice := createZappedInvoiceOrFail(t, user)

		publisher := &nostrtestutil.MockPublisher{
			Failures: 1,
			Err:      errors.New("relay closed the connection"),
		}
		emitter := newTestEmitter(t, publisher)

		require.NoError(t, emitter.Emit(invoice.ID))
		assert.Len(t, publisher.PublishedEvents(), 1)
	})

	t.Run("reports permanent publish failures", func(t *testing.T) {
		user := userstestutil.CreateUserOrFail(t, testDB)
		invoice := createZappedInvoiceOrFail(t, user)

		publisher := &nostrtestutil.MockPublisher{
			Failures: -1,
			Err:      errors.New("relay unreachable"),
		}
		emitter := newTestEmitter(t, publisher)

		err := emitter.Emit(invoice.ID)
		require.ErrorIs(t, err, ErrPublishFailure)

		select {
		case reported := <-emitter.Errors():
			require.ErrorIs(t, reported, ErrPublishFailure)
		case <-time.After(time.Second):
			testutil.FatalMsg(t, "no error showed up on the operator channel")
		}

		// the invoice can be re-driven later
		zap, err := zaps.GetByInvoiceID(testDB, invoice.ID)
		require.NoError(t, err)
		assert.Nil(t, zap.EventID)
	})

	t.Run("unknown invoice", func(t *testing.T) {
		emitter := newTestEmitter(t, &nostrtestutil.MockPublisher{})
		require.ErrorIs(t, emitter.Emit(99999999), invoices.ErrInvoiceNotFound)
	})
}

func TestRun(t *testing.T) {
	t.Parallel()

	user := userstestutil.CreateUserOrFail(t, testDB)
	invoice := createZappedInvoiceOrFail(t, user)

	publisher := &nostrtestutil.MockPublisher{}
	emitter := newTestEmitter(t, publisher)

	settled := make(chan int)
	go emitter.Run(settled)

	settled <- invoice.ID
	close(settled)

	// emission happens on its own goroutine
	err := waitFor(func() bool {
		zap, err := zaps.GetByInvoiceID(testDB, invoice.ID)
		return err == nil && zap.EventID != nil
	})
	require.NoError(t, err)
}

func waitFor(cond func() bool) error {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return errors.New("condition was not met before the deadline")
}
