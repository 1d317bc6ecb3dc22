package tools

import (
	"context"
	"errors"

	"github.com/wnt/rebin/internal/access"
	"github.com/wnt/rebin/internal/apperr"
	"github.com/wnt/rebin/internal/chain"
	"github.com/wnt/rebin/internal/credits"
	"github.com/wnt/rebin/internal/dlmm"
	"github.com/wnt/rebin/internal/price"
	"github.com/wnt/rebin/internal/reconcile"
	"github.com/wnt/rebin/internal/reposition"
	"github.com/wnt/rebin/internal/retry"
	"github.com/wnt/rebin/internal/rpc"
	"github.com/wnt/rebin/internal/settings"
	"github.com/wnt/rebin/internal/store"
)

var validationErrors = []error{
	ErrInvalidArguments,
	chain.ErrInvalidAddress,
	settings.ErrNoIdentity,
	settings.ErrInvalidUrgency,
	settings.ErrInvalidStrategy,
	settings.ErrInvalidSource,
	settings.ErrInvalidThreshold,
	settings.ErrNoStrategies,
	reposition.ErrStaleRequest,
	reposition.ErrInvalidSlippage,
	reposition.ErrInvalidStrategy,
	reposition.ErrInvalidRange,
	reposition.ErrGasTooHigh,
	reposition.ErrPositionClosed,
	reposition.ErrAmountsUnavailable,
	reposition.ErrPoolMismatch,
	dlmm.ErrInvalidRange,
	price.ErrInvalidPair,
	credits.ErrInvalidAmount,
	credits.ErrReferenceUsed,
	credits.ErrInvalidEntry,
	store.ErrImmutable,
}

var notFoundErrors = []error{
	store.ErrNotFound,
	chain.ErrAccountNotFound,
	reposition.ErrPositionNotFound,
}

// classify maps component errors onto the kinds callers see. Errors that
// are already classified pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var classified *apperr.Error
	if errors.As(err, &classified) {
		return err
	}

	var denied *access.DeniedError
	if errors.As(err, &denied) {
		return apperr.New(apperr.KindAccessDenied, denied.Decision.Reason).WithDetails(denied.Decision)
	}

	switch {
	case isAny(err, validationErrors):
		return apperr.Wrap(apperr.KindValidation, err.Error(), err)
	case isAny(err, notFoundErrors):
		return apperr.Wrap(apperr.KindNotFound, err.Error(), err)
	case errors.Is(err, reposition.ErrNotOwner), errors.Is(err, credits.ErrPaymentUnverified):
		return apperr.Wrap(apperr.KindAccessDenied, err.Error(), err)
	case errors.Is(err, credits.ErrInsufficientCredits):
		return apperr.Wrap(apperr.KindInsufficientCredits, err.Error(), err)
	case errors.Is(err, price.ErrPriceUnavailable), errors.Is(err, reposition.ErrPoolPriceUnavailable):
		return apperr.Wrap(apperr.KindPriceUnavailable, "token prices are unavailable", err)
	case errors.Is(err, reconcile.ErrLiveUnavailable), errors.Is(err, rpc.ErrNoEndpoints),
		errors.Is(err, retry.ErrExhausted), errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.KindRPC, "on-chain data is unavailable", err)
	case errors.Is(err, reconcile.ErrHistoryUnavailable):
		return apperr.Wrap(apperr.KindDatabase, "position history is unavailable", err)
	default:
		return apperr.Wrap(apperr.KindInternal, "internal error", err)
	}
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
