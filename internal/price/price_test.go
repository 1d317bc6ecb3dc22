package price

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/rebin/internal/cache"
	"github.com/wnt/rebin/internal/retry"
)

const (
	solMint  = "So11111111111111111111111111111111111111112"
	usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

var testPair = Pair{MintA: solMint, MintB: usdcMint}

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	results []map[string]float64
	errs    []error
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(_ context.Context, _ []string) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return nil, errors.New("upstream down")
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func TestFetchPricesSuccess(t *testing.T) {
	source := &fakeSource{results: []map[string]float64{{solMint: 150, usdcMint: 1}}}
	client := NewClient(source, zerolog.Nop(), WithSleep(retry.NoSleep))

	prices, err := client.FetchPrices(context.Background(), testPair, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 150.0, prices.PriceA)
	assert.Equal(t, 1.0, prices.PriceB)
	assert.False(t, prices.Estimated)
	assert.Equal(t, "fake", prices.Source)
	assert.Equal(t, 1, source.calls)
}

func TestFetchPricesZeroIsRetried(t *testing.T) {
	source := &fakeSource{results: []map[string]float64{
		{solMint: 0, usdcMint: 1},
		{solMint: 151, usdcMint: 1},
	}}
	recorder := &sleepRecorder{}
	client := NewClient(source, zerolog.Nop(), WithSleep(recorder.sleep))

	prices, err := client.FetchPrices(context.Background(), testPair, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 151.0, prices.PriceA)
	assert.Equal(t, 2, source.calls)
	assert.Equal(t, []time.Duration{time.Second}, recorder.delays)
}

func TestFetchPricesFallback(t *testing.T) {
	source := &fakeSource{}
	client := NewClient(source, zerolog.Nop(), WithSleep(retry.NoSleep))
	fallback := 148.2

	prices, err := client.FetchPrices(context.Background(), testPair, 3, &fallback)
	require.NoError(t, err)
	assert.True(t, prices.Estimated)
	assert.Equal(t, SourcePoolRatio, prices.Source)
	assert.Equal(t, 148.2, prices.PriceA)
	assert.Equal(t, 1.0, prices.PriceB)
	assert.Equal(t, 3, source.calls)
}

func TestFetchPricesUnavailable(t *testing.T) {
	source := &fakeSource{}
	recorder := &sleepRecorder{}
	client := NewClient(source, zerolog.Nop(), WithSleep(recorder.sleep))

	_, err := client.FetchPrices(context.Background(), testPair, 4, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPriceUnavailable)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, 4, source.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, recorder.delays)
}

func TestFetchPricesZeroFallbackIsIgnored(t *testing.T) {
	source := &fakeSource{}
	client := NewClient(source, zerolog.Nop(), WithSleep(retry.NoSleep))
	zero := 0.0

	_, err := client.FetchPrices(context.Background(), testPair, 0, &zero)
	assert.ErrorIs(t, err, ErrPriceUnavailable)
	// attempts below one are treated as one
	assert.Equal(t, 1, source.calls)
}

func TestFetchPricesInvalidPair(t *testing.T) {
	source := &fakeSource{}
	client := NewClient(source, zerolog.Nop())

	_, err := client.FetchPrices(context.Background(), Pair{MintA: solMint}, 3, nil)
	assert.ErrorIs(t, err, ErrInvalidPair)
	assert.Zero(t, source.calls)
}

func TestFetchPricesCache(t *testing.T) {
	source := &fakeSource{results: []map[string]float64{{solMint: 150, usdcMint: 1}}}
	client := NewClient(source, zerolog.Nop(), WithSleep(retry.NoSleep), WithCache(cache.NewMemory(), time.Minute))

	first, err := client.FetchPrices(context.Background(), testPair, 3, nil)
	require.NoError(t, err)
	second, err := client.FetchPrices(context.Background(), testPair, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, first.PriceA, second.PriceA)
	assert.Equal(t, 1, source.calls)
}

func TestFetchPricesEstimatedNotCached(t *testing.T) {
	store := cache.NewMemory()
	client := NewClient(&fakeSource{}, zerolog.Nop(), WithSleep(retry.NoSleep), WithCache(store, time.Minute))
	fallback := 10.0

	_, err := client.FetchPrices(context.Background(), testPair, 1, &fallback)
	require.NoError(t, err)
	assert.Zero(t, store.Len())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "network", classify(context.DeadlineExceeded))
	assert.Equal(t, "network", classify(fmt.Errorf("get: %w", &netTimeout{})))
	assert.Equal(t, "other", classify(errors.New("HTTP error 500")))
}

type netTimeout struct{}

func (netTimeout) Error() string   { return "i/o timeout" }
func (netTimeout) Timeout() bool   { return true }
func (netTimeout) Temporary() bool { return true }

func TestJupiterSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, solMint+","+usdcMint, r.URL.Query().Get("ids"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"data":{"%s":{"id":"%s","type":"derivedPrice","price":"151.2345"},"%s":null},"timeTaken":0.003}`,
			solMint, solMint, usdcMint)
	}))
	defer srv.Close()

	source := NewJupiter(srv.URL, 100)
	prices, err := source.Fetch(context.Background(), []string{solMint, usdcMint})
	require.NoError(t, err)
	assert.InDelta(t, 151.2345, prices[solMint], 1e-9)
	assert.Zero(t, prices[usdcMint])

	// an unquoted token is a bad read for the client
	client := NewClient(source, zerolog.Nop(), WithSleep(retry.NoSleep))
	_, err = client.FetchPrices(context.Background(), testPair, 2, nil)
	assert.ErrorIs(t, err, ErrZeroPrice)
}

func TestJupiterSourceHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewJupiter(srv.URL, 100).Fetch(context.Background(), []string{solMint})
	assert.Error(t, err)
}
