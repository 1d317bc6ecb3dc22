package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	solrpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/wnt/rebin/internal/credits"
)

var maxTransactionVersion uint64

// Settlement verifies credit payments as confirmed SOL transfers from the
// buying wallet to a treasury account
type Settlement struct {
	ledger            *Ledger
	treasury          solana.PublicKey
	lamportsPerCredit uint64
}

var _ credits.Settlement = (*Settlement)(nil)

// NewSettlement creates a verifier paying into treasury at lamportsPerCredit
func NewSettlement(ledger *Ledger, treasury solana.PublicKey, lamportsPerCredit uint64) *Settlement {
	return &Settlement{
		ledger:            ledger,
		treasury:          treasury,
		lamportsPerCredit: lamportsPerCredit,
	}
}

// VerifyPayment checks that reference is a successful transaction signed by
// wallet that raised the treasury balance by at least the credits' price
func (s *Settlement) VerifyPayment(ctx context.Context, wallet, reference string, amount int64) error {
	payer, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return fmt.Errorf("%w: invalid wallet %s", credits.ErrPaymentUnverified, wallet)
	}
	sig, err := solana.SignatureFromBase58(reference)
	if err != nil {
		return fmt.Errorf("%w: reference is not a transaction signature", credits.ErrPaymentUnverified)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: amount %d", credits.ErrPaymentUnverified, amount)
	}

	var out *solrpc.GetTransactionResult
	err = s.ledger.call(ctx, "getTransaction", func(ctx context.Context, client *solrpc.Client) error {
		res, err := client.GetTransaction(ctx, sig, &solrpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     solrpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &maxTransactionVersion,
		})
		if errors.Is(err, solrpc.ErrNotFound) {
			return nil
		}
		out = res
		return err
	})
	if err != nil {
		return err
	}
	return s.check(out, payer, uint64(amount)*s.lamportsPerCredit)
}

func (s *Settlement) check(out *solrpc.GetTransactionResult, payer solana.PublicKey, price uint64) error {
	if out == nil || out.Meta == nil || out.Transaction == nil {
		return fmt.Errorf("%w: transaction not found", credits.ErrPaymentUnverified)
	}
	if out.Meta.Err != nil {
		return fmt.Errorf("%w: transaction failed", credits.ErrPaymentUnverified)
	}
	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return fmt.Errorf("%w: undecodable transaction: %v", credits.ErrPaymentUnverified, err)
	}
	if !tx.IsSigner(payer) {
		return fmt.Errorf("%w: not signed by %s", credits.ErrPaymentUnverified, payer)
	}

	idx := -1
	for i, key := range tx.Message.AccountKeys {
		if key.Equals(s.treasury) {
			idx = i
			break
		}
	}
	if idx < 0 || idx >= len(out.Meta.PreBalances) || idx >= len(out.Meta.PostBalances) {
		return fmt.Errorf("%w: no transfer to treasury", credits.ErrPaymentUnverified)
	}
	pre, post := out.Meta.PreBalances[idx], out.Meta.PostBalances[idx]
	if post < pre || post-pre < price {
		return fmt.Errorf("%w: treasury received less than %d lamports", credits.ErrPaymentUnverified, price)
	}
	return nil
}
