package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/set-night/shopbot/internal/repository"
	"github.com/set-night/shopbot/internal/repository/storetest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set MONGO_TEST_URI to run against a live server, e.g. mongodb://localhost:27017.
func TestStoreContract(t *testing.T) {
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := Connect(ctx, uri, "shopbot_test_"+uuid.NewString()[:8])
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() {
		_ = s.db.Drop(context.Background())
		_ = s.Close(context.Background())
	})

	storetest.Run(t, func(*testing.T) repository.Store { return s })
}

func TestDecimal128RoundTrip(t *testing.T) {
	for _, v := range []string{"0", "12.5", "0.00000001", "10000", "-3.75"} {
		d := decimal.RequireFromString(v)
		enc, err := toDecimal128(d)
		require.NoError(t, err)
		dec, err := fromDecimal128(enc)
		require.NoError(t, err)
		assert.True(t, d.Equal(dec), "%s != %s", d, dec)
	}
}

func TestHasCredit(t *testing.T) {
	m := &accountModel{Credits: []creditModel{{InvoiceID: "a"}, {InvoiceID: "b"}}}
	assert.True(t, m.hasCredit("b"))
	assert.False(t, m.hasCredit("c"))
}
