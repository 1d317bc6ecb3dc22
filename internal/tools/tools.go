// Package tools exposes the engine as named tool calls taking and returning
// JSON. Every call passes through the access gate and every failure leaves
// as a classified *apperr.Error.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/rebin/internal/access"
	"github.com/wnt/rebin/internal/apperr"
	"github.com/wnt/rebin/internal/credits"
	"github.com/wnt/rebin/internal/metrics"
	"github.com/wnt/rebin/internal/monitor"
	"github.com/wnt/rebin/internal/reconcile"
	"github.com/wnt/rebin/internal/reposition"
	"github.com/wnt/rebin/internal/settings"
)

// ErrInvalidArguments is returned when a call's arguments do not decode
var ErrInvalidArguments = errors.New("invalid arguments")

// Deps are the components the tools call into
type Deps struct {
	Reconciler *reconcile.Reconciler
	Engine     *reposition.Engine
	Settings   *settings.Service
	Gate       *access.Gate
	Ledger     *credits.Ledger
	History    *credits.History
	// Pending holds monitor proposals; nil when the monitor is off
	Pending *monitor.Pending
	// Now stamps server-side requests; defaults to time.Now
	Now func() time.Time
}

// Handler runs one tool against its raw JSON arguments
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Registry dispatches tool calls by name
type Registry struct {
	deps     Deps
	handlers map[string]Handler
	logger   zerolog.Logger
}

// NewRegistry creates a registry with every tool registered
func NewRegistry(deps Deps, logger zerolog.Logger) *Registry {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	r := &Registry{
		deps:   deps,
		logger: logger.With().Str("component", "tools").Logger(),
	}
	r.handlers = map[string]Handler{
		"get_user_positions_with_sync": r.getUserPositions,
		"analyze_reposition":           r.analyzeReposition,
		"prepare_reposition":           r.prepareReposition,
		"execute_auto_reposition":      r.executeAutoReposition,
		"get_reposition_settings":      r.getSettings,
		"update_reposition_settings":   r.updateSettings,
		"use_credits":                  r.useCredits,
		"purchase_credits":             r.purchaseCredits,
		"get_credit_balance":           r.getCreditBalance,
		"get_credit_usage":             r.getCreditUsage,
		"get_subscription_status":      r.getSubscriptionStatus,
		"get_reposition_history":       r.getHistory,
		"record_reposition_execution":  r.recordExecution,
		"get_pending_proposals":        r.getPendingProposals,
	}
	return r
}

// Names returns the registered tool names in order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call runs the named tool behind the access gate
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	start := time.Now()
	log := r.logger.With().Str("tool", name).Logger()

	result, err := r.call(ctx, name, args)
	status := "success"
	if err != nil {
		kind := apperr.KindOf(err)
		status = strings.ToLower(string(kind))
		if kind == apperr.KindInternal || kind == apperr.KindDatabase {
			log.Error().Err(err).Msg("Tool call failed")
		} else {
			log.Warn().Err(err).Str("kind", string(kind)).Msg("Tool call rejected")
		}
	}
	metrics.RecordToolCall(name, status, time.Since(start).Seconds())
	return result, err
}

func (r *Registry) call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	handler, ok := r.handlers[name]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, fmt.Sprintf("unknown tool %q", name))
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}

	var gateArgs access.Args
	if err := json.Unmarshal(args, &gateArgs); err != nil {
		return nil, classify(fmt.Errorf("%w: %v", ErrInvalidArguments, err))
	}

	result, err := r.deps.Gate.WithAccessCheck(ctx, name, gateArgs, func(ctx context.Context) (any, error) {
		return handler(ctx, args)
	})
	if err != nil {
		return nil, classify(err)
	}
	return result, nil
}

// decode strictly unmarshals args into v
func decode(args json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}
