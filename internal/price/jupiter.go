package price

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wnt/rebin/internal/utils"
	"golang.org/x/time/rate"
)

// DefaultJupiterURL is the Jupiter price API v2
const DefaultJupiterURL = "https://api.jup.ag/price/v2"

// Jupiter is a Source backed by the Jupiter price API. Prices are quoted
// in USD.
type Jupiter struct {
	httpClient *utils.HTTPClient
	limiter    *rate.Limiter
}

type jupiterResponse struct {
	Data map[string]*struct {
		ID    string          `json:"id"`
		Type  string          `json:"type"`
		Price decimal.Decimal `json:"price"`
	} `json:"data"`
}

// NewJupiter creates a Jupiter source. rps bounds outbound requests.
func NewJupiter(baseURL string, rps float64, opts ...utils.HTTPClientOption) *Jupiter {
	if baseURL == "" {
		baseURL = DefaultJupiterURL
	}
	if rps <= 0 {
		rps = 10
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	options := append([]utils.HTTPClientOption{
		utils.WithBaseURL(baseURL),
		utils.WithTimeout(10 * time.Second),
		// the price client owns retries
		utils.WithRetries(0, 0),
	}, opts...)

	return &Jupiter{
		httpClient: utils.NewHTTPClient(options...),
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (j *Jupiter) Name() string {
	return "jupiter"
}

// Fetch returns the USD price of each mint. Mints without a quote are
// reported as zero.
func (j *Jupiter) Fetch(ctx context.Context, mints []string) (map[string]float64, error) {
	if err := j.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	response, err := j.httpClient.Get(ctx, "", map[string]string{"ids": strings.Join(mints, ",")}, nil)
	if err != nil {
		return nil, err
	}

	var body jupiterResponse
	if err := response.DecodeJSON(&body); err != nil {
		return nil, fmt.Errorf("decoding price response: %w", err)
	}

	prices := make(map[string]float64, len(mints))
	for _, mint := range mints {
		entry := body.Data[mint]
		if entry == nil {
			prices[mint] = 0
			continue
		}
		prices[mint] = entry.Price.InexactFloat64()
	}
	return prices, nil
}
