package reposition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/wnt/rebin/internal/chain"
	"github.com/wnt/rebin/internal/dlmm"
	"github.com/wnt/rebin/internal/logger"
	"github.com/wnt/rebin/internal/metrics"
	"github.com/wnt/rebin/internal/models"
	"github.com/wnt/rebin/internal/price"
	"github.com/wnt/rebin/internal/settings"
)

const (
	DefaultSlippageBps = 100
	MaxSlippageBps     = 5000

	// maxFutureSkew tolerates clocks slightly ahead of ours
	maxFutureSkew = 30 * time.Second
)

var (
	ErrStaleRequest         = errors.New("request timestamp is missing or outside the freshness window")
	ErrInvalidSlippage      = errors.New("slippage must be between 1 and 5000 bps")
	ErrInvalidStrategy      = errors.New("unknown strategy")
	ErrInvalidRange         = errors.New("invalid bin range")
	ErrNotOwner             = errors.New("position is not owned by wallet")
	ErrGasTooHigh           = errors.New("estimated gas exceeds maximum")
	ErrPositionClosed       = errors.New("position is closed on chain")
	ErrAmountsUnavailable   = errors.New("position token amounts unavailable")
	ErrPoolPriceUnavailable = errors.New("pool price unavailable")
)

var bpsDenominator = decimal.NewFromInt(10_000)

// PrepareInput is a request for an unsigned reposition transaction
type PrepareInput struct {
	PositionAddress string
	WalletAddress   string
	PoolAddress     string
	Strategy        string
	BinRange        *BinRange
	SlippageBps     int
	// WalletSignature accompanies Timestamp; it is verified elsewhere
	WalletSignature string
	Timestamp       *time.Time
	MaxGasCostSOL   *float64
}

// Recovered is the estimated liquidity returned by closing the position
type Recovered struct {
	AmountX float64 `json:"amountX"`
	AmountY float64 `json:"amountY"`
	USD     float64 `json:"usd"`
}

// Proposal is an unsigned transaction plus what the signer needs to judge it
type Proposal struct {
	Transaction          string          `json:"transaction"`
	PositionAddress      string          `json:"positionAddress"`
	NewPositionAddress   string          `json:"newPositionAddress"`
	PoolAddress          string          `json:"poolAddress"`
	WalletAddress        string          `json:"walletAddress"`
	Strategy             string          `json:"strategy"`
	CurrentRange         BinRange        `json:"currentRange"`
	NewRange             BinRange        `json:"newRange"`
	ActiveBinID          int32           `json:"activeBinId"`
	SlippageBps          int             `json:"slippageBps"`
	MinPrice             decimal.Decimal `json:"minPrice"`
	MaxPrice             decimal.Decimal `json:"maxPrice"`
	MinimumOutputX       decimal.Decimal `json:"minimumOutputX"`
	MinimumOutputY       decimal.Decimal `json:"minimumOutputY"`
	MaxActiveBinSlippage int32           `json:"maxActiveBinSlippage"`
	LiquidityRecovered   Recovered       `json:"estimatedLiquidityRecovered"`
	PriceEstimated       bool            `json:"priceEstimated"`
	EstimatedGasSOL      float64         `json:"estimatedGasSol"`
	RecentBlockhash      string          `json:"recentBlockhash"`
	RequiredSigners      int             `json:"requiredSigners"`
	ExpiresAt            time.Time       `json:"expiresAt"`
}

// PrepareTransaction builds an unsigned close-and-reopen transaction for a
// position owned by the requesting wallet
func (e *Engine) PrepareTransaction(ctx context.Context, in PrepareInput) (*Proposal, error) {
	log := logger.WithPosition(logger.WithWallet(e.logger, in.WalletAddress), in.PositionAddress)
	proposal, err := e.prepare(ctx, in)
	if err != nil {
		metrics.RecordProposal("rejected")
		log.Warn().Err(err).Msg("Reposition proposal rejected")
		return nil, err
	}
	metrics.RecordProposal("created")
	log.Info().
		Str("new_position", proposal.NewPositionAddress).
		Str("strategy", proposal.Strategy).
		Msg("Prepared reposition proposal")
	return proposal, nil
}

func (e *Engine) prepare(ctx context.Context, in PrepareInput) (*Proposal, error) {
	wallet, err := chain.ParseAddress(in.WalletAddress)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if err := e.checkFreshness(in.Timestamp, now); err != nil {
		return nil, err
	}

	bps := in.SlippageBps
	if bps == 0 {
		bps = DefaultSlippageBps
	}
	if bps < 1 || bps > MaxSlippageBps {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlippage, bps)
	}
	if in.Strategy != "" && !slices.Contains(models.AllStrategies, in.Strategy) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, in.Strategy)
	}

	t, err := e.load(ctx, in.PositionAddress, in.PoolAddress)
	if err != nil {
		return nil, err
	}
	if t.snap == nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionClosed, in.PositionAddress)
	}
	if t.owner != in.WalletAddress {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, in.PositionAddress)
	}
	if !t.snap.QuoteAvailable {
		return nil, ErrAmountsUnavailable
	}

	analysis := e.evaluate(in.PositionAddress, t, 0)
	strategy := in.Strategy
	if strategy == "" {
		strategy = analysis.Strategy
	}
	newRange := analysis.NewRange
	if in.BinRange != nil {
		newRange = *in.BinRange
	}
	if newRange.Lower > newRange.Upper || newRange.Upper-newRange.Lower > dlmm.MaxPositionBins-1 {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, newRange.Lower, newRange.Upper)
	}

	gas := dlmm.EstimateRepositionFeeSOL()
	maxGas, err := e.maxGas(ctx, in)
	if err != nil {
		return nil, err
	}
	if gas > maxGas {
		return nil, fmt.Errorf("%w: %.6f SOL > %.6f SOL", ErrGasTooHigh, gas, maxGas)
	}

	pool := t.pool
	valued, estimated := e.value(ctx, t)
	poolPrice := pool.Price
	if !pool.PriceAvailable {
		if valued == nil || valued.PriceB == 0 {
			return nil, ErrPoolPriceUnavailable
		}
		poolPrice = valued.PriceA / valued.PriceB
	}

	slip := decimal.NewFromInt(int64(bps)).Div(bpsDenominator)
	p := decimal.NewFromFloat(poolPrice)
	amountX := decimal.NewFromFloat(t.snap.AmountX)
	amountY := decimal.NewFromFloat(t.snap.AmountY)
	minOutX := amountX.Mul(decimal.NewFromInt(1).Sub(slip))
	minOutY := amountY.Mul(decimal.NewFromInt(1).Sub(slip))

	deposit := dlmm.AddLiquidityParams{
		ActiveID:             pool.ActiveBinID,
		MaxActiveBinSlippage: binSlippage(bps, pool.BinStep),
		MinBinID:             newRange.Lower,
		MaxBinID:             newRange.Upper,
	}
	rawX := toRaw(minOutX, pool.DecimalsX)
	rawY := toRaw(minOutY, pool.DecimalsY)
	switch strategy {
	case models.StrategyOneSidedX:
		deposit.AmountX, deposit.Strategy = rawX, dlmm.StrategySpotOneSide
	case models.StrategyOneSidedY:
		deposit.AmountY, deposit.Strategy = rawY, dlmm.StrategySpotOneSide
	default:
		deposit.AmountX, deposit.AmountY, deposit.Strategy = rawX, rawY, dlmm.StrategySpotBalanced
	}

	pair, err := pairAccounts(pool)
	if err != nil {
		return nil, err
	}
	oldPosition, err := chain.ParseAddress(in.PositionAddress)
	if err != nil {
		return nil, err
	}
	blockhash, err := e.reader.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := dlmm.BuildRepositionTransaction(dlmm.RepositionParams{
		Wallet:          wallet,
		Pair:            pair,
		OldPosition:     oldPosition,
		OldLowerBinID:   t.position.Lower,
		OldUpperBinID:   t.position.Upper,
		NewLowerBinID:   newRange.Lower,
		NewUpperBinID:   newRange.Upper,
		Deposit:         deposit,
		RecentBlockhash: blockhash,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRange, err)
	}

	recovered := Recovered{AmountX: t.snap.AmountX, AmountY: t.snap.AmountY}
	if valued != nil {
		recovered.USD = t.snap.AmountX*valued.PriceA + t.snap.AmountY*valued.PriceB
	}

	return &Proposal{
		Transaction:          tx.Base64,
		PositionAddress:      in.PositionAddress,
		NewPositionAddress:   tx.NewPosition.String(),
		PoolAddress:          pool.Address,
		WalletAddress:        in.WalletAddress,
		Strategy:             strategy,
		CurrentRange:         t.position,
		NewRange:             newRange,
		ActiveBinID:          pool.ActiveBinID,
		SlippageBps:          bps,
		MinPrice:             p.Mul(decimal.NewFromInt(1).Sub(slip)),
		MaxPrice:             p.Mul(decimal.NewFromInt(1).Add(slip)),
		MinimumOutputX:       minOutX,
		MinimumOutputY:       minOutY,
		MaxActiveBinSlippage: deposit.MaxActiveBinSlippage,
		LiquidityRecovered:   recovered,
		PriceEstimated:       estimated,
		EstimatedGasSOL:      dlmm.LamportsToSOL(tx.FeeLamports),
		RecentBlockhash:      blockhash.String(),
		RequiredSigners:      tx.Signers,
		ExpiresAt:            now.Add(e.opts.ProposalTTL).UTC(),
	}, nil
}

func (e *Engine) checkFreshness(ts *time.Time, now time.Time) error {
	if ts == nil || ts.IsZero() {
		return fmt.Errorf("%w: timestamp required", ErrStaleRequest)
	}
	age := now.Sub(*ts)
	if age > e.opts.FreshnessWindow {
		return fmt.Errorf("%w: %s old", ErrStaleRequest, age.Round(time.Second))
	}
	if -age > maxFutureSkew {
		return fmt.Errorf("%w: %s in the future", ErrStaleRequest, (-age).Round(time.Second))
	}
	return nil
}

func (e *Engine) maxGas(ctx context.Context, in PrepareInput) (float64, error) {
	if in.MaxGasCostSOL != nil {
		return *in.MaxGasCostSOL, nil
	}
	if e.settings == nil {
		return settings.DefaultMaxGasCostSOL, nil
	}
	prefs, err := e.settings.Get(ctx, settings.Identity{WalletAddress: &in.WalletAddress})
	if err != nil {
		return 0, err
	}
	return prefs.MaxGasCostSOL, nil
}

// value prices both tokens, falling back to the pool ratio. A nil result
// means the position could not be valued.
func (e *Engine) value(ctx context.Context, t *target) (*price.Prices, bool) {
	if e.prices == nil {
		return nil, false
	}
	var fallback *float64
	if t.pool.PriceAvailable {
		p := t.pool.Price
		fallback = &p
	}
	pair := price.Pair{MintA: t.pool.TokenXMint, MintB: t.pool.TokenYMint}
	prices, err := e.prices.FetchPrices(ctx, pair, e.opts.PriceAttempts, fallback)
	if err != nil {
		e.logger.Warn().Err(err).Str("pool", t.pool.Address).Msg("Could not value recovered liquidity")
		return nil, false
	}
	return prices, prices.Estimated
}

// binSlippage converts a price tolerance into a number of bins
func binSlippage(bps int, binStep uint16) int32 {
	if binStep == 0 {
		return 1
	}
	bins := math.Ceil(math.Log1p(float64(bps)/10_000) / math.Log1p(float64(binStep)/10_000))
	if bins < 1 {
		return 1
	}
	return int32(bins)
}

func toRaw(amount decimal.Decimal, decimals uint8) uint64 {
	raw := amount.Shift(int32(decimals)).Floor()
	if raw.Sign() <= 0 {
		return 0
	}
	return raw.BigInt().Uint64()
}

func pairAccounts(pool *chain.PoolState) (dlmm.PairAccounts, error) {
	keys := make([]solana.PublicKey, 5)
	for i, s := range []string{pool.Address, pool.TokenXMint, pool.TokenYMint, pool.ReserveX, pool.ReserveY} {
		pk, err := chain.ParseAddress(s)
		if err != nil {
			return dlmm.PairAccounts{}, err
		}
		keys[i] = pk
	}
	return dlmm.PairAccounts{
		LbPair:     keys[0],
		TokenXMint: keys[1],
		TokenYMint: keys[2],
		ReserveX:   keys[3],
		ReserveY:   keys[4],
	}, nil
}
