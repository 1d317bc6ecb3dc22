package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPosition = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("/pair/good", func(w http.ResponseWriter, r *http.Request) {
		write(w, PairInfo{Address: "good", CurrentPrice: 148.25, BinStep: 25})
	})
	mux.HandleFunc("/pair/dead", func(w http.ResponseWriter, r *http.Request) {
		write(w, PairInfo{Address: "dead"})
	})
	mux.HandleFunc("/position/"+testPosition, func(w http.ResponseWriter, r *http.Request) {
		write(w, PositionWithApy{Address: testPosition, TotalFeeUSDClaimed: 12.5})
	})
	mux.HandleFunc("/position/"+testPosition+"/deposits", func(w http.ResponseWriter, r *http.Request) {
		write(w, []DepositWithdraw{
			{TokenXAmount: 3_000_000_000, TokenYAmount: 200_000_000},
			{TokenXAmount: 1_000_000_000, TokenYAmount: 0},
		})
	})
	mux.HandleFunc("/position/"+testPosition+"/withdraws", func(w http.ResponseWriter, r *http.Request) {
		write(w, []DepositWithdraw{{TokenXAmount: 500_000_000, TokenYAmount: 250_000_000}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPairPrice(t *testing.T) {
	srv := newTestAPI(t)
	client := NewMeteoraPubClient(srv.URL, zerolog.Nop())

	price, err := client.PairPrice(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, 148.25, price)

	_, err = client.PairPrice(context.Background(), "dead")
	assert.ErrorIs(t, err, ErrNoPrice)

	_, err = client.PairPrice(context.Background(), "missing")
	assert.Error(t, err)
}

func TestQuotePosition(t *testing.T) {
	srv := newTestAPI(t)
	client := NewMeteoraPubClient(srv.URL, zerolog.Nop())

	quote, err := client.QuotePosition(context.Background(), testPosition, 9, 6)
	require.NoError(t, err)
	assert.InDelta(t, 3.5, quote.AmountX, 1e-9)
	// more Y withdrawn than deposited clamps to zero
	assert.Zero(t, quote.AmountY)
	assert.Equal(t, 12.5, quote.ClaimedFeesUSD)
	assert.False(t, quote.HasPendingFees)
}

func TestQuotePositionUpstreamFailure(t *testing.T) {
	srv := newTestAPI(t)
	client := NewMeteoraPubClient(srv.URL, zerolog.Nop())

	_, err := client.QuotePosition(context.Background(), "unknown", 9, 6)
	assert.Error(t, err)
}
