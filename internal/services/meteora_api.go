// Package services holds clients for third-party HTTP APIs.
package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/wnt/rebin/internal/chain"
	"github.com/wnt/rebin/internal/utils"
	"golang.org/x/sync/errgroup"
)

// DefaultMeteoraAPIURL is the public Meteora DLMM API
const DefaultMeteoraAPIURL = "https://dlmm-api.meteora.ag"

var ErrNoPrice = errors.New("pair has no current price")

// MeteoraPubClient is a client for the Meteora public DLMM API. It serves
// as the pool quote capability for the chain reader.
type MeteoraPubClient struct {
	httpClient *utils.HTTPClient
	logger     zerolog.Logger
}

var _ chain.Quoter = (*MeteoraPubClient)(nil)

// NewMeteoraPubClient creates a new client for the Meteora public API
func NewMeteoraPubClient(baseURL string, logger zerolog.Logger, opts ...utils.HTTPClientOption) *MeteoraPubClient {
	if baseURL == "" {
		baseURL = DefaultMeteoraAPIURL
	}
	options := append([]utils.HTTPClientOption{
		utils.WithBaseURL(baseURL),
		utils.WithDefaultHeaders(map[string]string{
			"Content-Type": "application/json",
		}),
	}, opts...)

	return &MeteoraPubClient{
		httpClient: utils.NewHTTPClient(options...),
		logger:     logger.With().Str("component", "meteora_api").Logger(),
	}
}

// PositionWithApy represents a position with APY in the Meteora protocol
type PositionWithApy struct {
	Address               string  `json:"address"`
	PairAddress           string  `json:"pair_address"`
	Owner                 string  `json:"owner"`
	TotalFeeXClaimed      int64   `json:"total_fee_x_claimed"`
	TotalFeeYClaimed      int64   `json:"total_fee_y_claimed"`
	TotalRewardXClaimed   int64   `json:"total_reward_x_claimed"`
	TotalRewardYClaimed   int64   `json:"total_reward_y_claimed"`
	TotalFeeUSDClaimed    float64 `json:"total_fee_usd_claimed"`
	TotalRewardUSDClaimed float64 `json:"total_reward_usd_claimed"`
	FeeApy24h             float64 `json:"fee_apy_24h"`
	FeeApr24h             float64 `json:"fee_apr_24h"`
	DailyFeeYield         float64 `json:"daily_fee_yield"`
}

// DepositWithdraw represents a deposit or withdraw transaction
type DepositWithdraw struct {
	TxID             string  `json:"tx_id"`
	PositionAddress  string  `json:"position_address"`
	PairAddress      string  `json:"pair_address"`
	ActiveBinID      int64   `json:"active_bin_id"`
	TokenXAmount     int64   `json:"token_x_amount"`
	TokenYAmount     int64   `json:"token_y_amount"`
	Price            float64 `json:"price"`
	TokenXUSDAmount  float64 `json:"token_x_usd_amount"`
	TokenYUSDAmount  float64 `json:"token_y_usd_amount"`
	OnchainTimestamp int64   `json:"onchain_timestamp"`
}

// PairInfo represents a liquidity pair info
type PairInfo struct {
	Address        string  `json:"address"`
	Name           string  `json:"name"`
	MintX          string  `json:"mint_x"`
	MintY          string  `json:"mint_y"`
	ReserveX       string  `json:"reserve_x"`
	ReserveY       string  `json:"reserve_y"`
	ReserveXAmount int64   `json:"reserve_x_amount"`
	ReserveYAmount int64   `json:"reserve_y_amount"`
	BinStep        int32   `json:"bin_step"`
	Liquidity      string  `json:"liquidity"`
	Fees24h        float64 `json:"fees_24h"`
	TradeVolume24h float64 `json:"trade_volume_24h"`
	CurrentPrice   float64 `json:"current_price"`
	Apr            float64 `json:"apr"`
	Hide           bool    `json:"hide"`
	IsBlacklisted  bool    `json:"is_blacklisted"`
}

func (c *MeteoraPubClient) get(ctx context.Context, path string, target interface{}) error {
	response, err := c.httpClient.Get(ctx, path, nil, nil)
	if err != nil {
		return err
	}
	if err := response.DecodeJSON(target); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// GetPosition fetches a position by address with APY information
func (c *MeteoraPubClient) GetPosition(ctx context.Context, positionAddress string) (*PositionWithApy, error) {
	var position PositionWithApy
	if err := c.get(ctx, "/position/"+url.PathEscape(positionAddress), &position); err != nil {
		return nil, err
	}
	return &position, nil
}

// GetWithdraws fetches the withdraws for a position
func (c *MeteoraPubClient) GetWithdraws(ctx context.Context, positionAddress string) ([]DepositWithdraw, error) {
	var withdraws []DepositWithdraw
	if err := c.get(ctx, fmt.Sprintf("/position/%s/withdraws", url.PathEscape(positionAddress)), &withdraws); err != nil {
		return nil, err
	}
	return withdraws, nil
}

// GetDeposits fetches the deposits for a position
func (c *MeteoraPubClient) GetDeposits(ctx context.Context, positionAddress string) ([]DepositWithdraw, error) {
	var deposits []DepositWithdraw
	if err := c.get(ctx, fmt.Sprintf("/position/%s/deposits", url.PathEscape(positionAddress)), &deposits); err != nil {
		return nil, err
	}
	return deposits, nil
}

// GetPair fetches a single pair by address
func (c *MeteoraPubClient) GetPair(ctx context.Context, pairAddress string) (*PairInfo, error) {
	var pair PairInfo
	if err := c.get(ctx, "/pair/"+url.PathEscape(pairAddress), &pair); err != nil {
		return nil, err
	}
	return &pair, nil
}

// PairPrice returns the pair's current price in token Y per token X
func (c *MeteoraPubClient) PairPrice(ctx context.Context, pool string) (float64, error) {
	pair, err := c.GetPair(ctx, pool)
	if err != nil {
		return 0, err
	}
	if pair.CurrentPrice <= 0 {
		return 0, fmt.Errorf("%s: %w", pool, ErrNoPrice)
	}
	return pair.CurrentPrice, nil
}

// QuotePosition estimates the tokens held by a position as deposits net of
// withdrawals. The API does not report unclaimed fees, so the on-chain
// checkpoints are kept.
func (c *MeteoraPubClient) QuotePosition(ctx context.Context, position string, decimalsX, decimalsY uint8) (*chain.PositionQuote, error) {
	var (
		info      *PositionWithApy
		deposits  []DepositWithdraw
		withdraws []DepositWithdraw
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		info, err = c.GetPosition(gctx, position)
		return err
	})
	g.Go(func() (err error) {
		deposits, err = c.GetDeposits(gctx, position)
		return err
	})
	g.Go(func() (err error) {
		withdraws, err = c.GetWithdraws(gctx, position)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("quoting position %s: %w", position, err)
	}

	var netX, netY int64
	for _, d := range deposits {
		netX += d.TokenXAmount
		netY += d.TokenYAmount
	}
	for _, w := range withdraws {
		netX -= w.TokenXAmount
		netY -= w.TokenYAmount
	}

	c.logger.Debug().
		Str("position", position).
		Int("deposits", len(deposits)).
		Int("withdraws", len(withdraws)).
		Msg("Quoted position")

	return &chain.PositionQuote{
		AmountX:        toUI(netX, decimalsX),
		AmountY:        toUI(netY, decimalsY),
		ClaimedFeesUSD: info.TotalFeeUSDClaimed,
	}, nil
}

func toUI(raw int64, decimals uint8) float64 {
	if raw <= 0 {
		return 0
	}
	return float64(raw) / math.Pow10(int(decimals))
}
