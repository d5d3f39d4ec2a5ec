// Package approval makes sure a bridge contract may pull the sender's tokens
// before the source transaction is submitted.
package approval

import (
	"context"
	"errors"
	"math/big"

	"github.com/rs/zerolog"

	"goxbridge/EVMRPC"
	"goxbridge/chain"
	"goxbridge/logger"
	"goxbridge/types"
)

type Request struct {
	Token   string
	Owner   string
	Spender string
	Amount  *big.Int
}

type Result struct {
	AlreadyApproved bool
	TxHash          string
}

type Manager struct {
	log zerolog.Logger
}

func New() *Manager {
	return &Manager{log: logger.Component("approval")}
}

// EnsureApproval submits approve(spender, amount) unless the current allowance
// already covers the amount, then waits for one confirmation. Cancelling ctx
// aborts the wait.
func (m *Manager) EnsureApproval(ctx context.Context, conn chain.Connector, req Request) (Result, error) {
	ch := conn.Chain()
	if !ch.IsEVM() || req.Token == "" {
		return Result{AlreadyApproved: true}, nil
	}

	allowance, err := conn.Allowance(ctx, req.Token, req.Owner, req.Spender)
	if errors.Is(err, chain.ErrUnsupported) {
		return Result{AlreadyApproved: true}, nil
	}
	if err != nil {
		return Result{}, types.WrapError(types.CodeApprovalFailed, err, "cannot read allowance on %s", ch.Key)
	}
	if allowance.Cmp(req.Amount) >= 0 {
		m.log.Debug().Str("chain", ch.Key).Str("owner", req.Owner).Str("allowance", allowance.String()).Msg("allowance sufficient")
		return Result{AlreadyApproved: true}, nil
	}

	data, err := EVMRPC.PackApprove(req.Spender, req.Amount)
	if err != nil {
		return Result{}, types.WrapError(types.CodeApprovalFailed, err, "cannot encode approve")
	}
	txHash, err := conn.Submit(ctx, req.Owner, chain.Call{To: req.Token, Data: data})
	if err != nil {
		return Result{}, types.WrapError(types.CodeApprovalFailed, err, "approve submission rejected on %s", ch.Key)
	}
	m.log.Info().Str("chain", ch.Key).Str("tx", txHash).Str("spender", req.Spender).Msg("approval sent")

	receipt, err := conn.WaitReceipt(ctx, txHash, 1)
	if err != nil {
		if ctx.Err() != nil {
			return Result{TxHash: txHash}, ctx.Err()
		}
		return Result{TxHash: txHash}, types.WrapError(types.CodeApprovalFailed, err, "approval %s not confirmed", txHash)
	}
	if !receipt.Success {
		return Result{TxHash: txHash}, types.NewError(types.CodeApprovalFailed, "approval %s reverted", txHash)
	}
	return Result{TxHash: txHash}, nil
}
