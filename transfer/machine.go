package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"goxbridge/approval"
	"goxbridge/chain"
	"goxbridge/ledger"
	"goxbridge/metrics"
	"goxbridge/protocols"
	"goxbridge/types"
)

var errOutcomeUnknown = errors.New("submission was attempted but its transaction hash was never recorded")

// env is what every machine shares with the service
type env struct {
	ledger       ledger.Ledger
	approvals    *approval.Manager
	publishers   []Publisher
	windowFactor int
	now          func() time.Time
	log          zerolog.Logger
	// called once a transfer reaches a terminal state
	done func(id string)

	// bounds each update on the optional broker emitters
	publishTimeout time.Duration
}

// Machine drives one transfer. Steps are serialized by mu; the committed
// state is readable at any time without it.
type Machine struct {
	env   *env
	route types.BridgeRoute
	proc  protocols.Procedure
	src   protocols.Leg
	dst   protocols.Leg
	srcC  chain.Connector
	dstC  chain.Connector
	log   zerolog.Logger

	mu  sync.Mutex
	cur atomic.Pointer[types.Transfer]

	// step-local memory, lost on restart and rebuilt from the chain
	approved   bool
	srcReceipt *chain.Receipt
	pendingTx  string

	cancelMu        sync.Mutex
	cancelRequested bool
	approvalCancel  context.CancelFunc
}

func (m *Machine) ID() string {
	return m.cur.Load().ID
}

// Snapshot returns a copy of the last committed state
func (m *Machine) Snapshot() *types.Transfer {
	return m.cur.Load().Clone()
}

func (m *Machine) ActiveChain() string {
	return m.cur.Load().ActiveChain()
}

func (m *Machine) Terminal() bool {
	return m.cur.Load().Status.Terminal()
}

// Advance performs at most one step of the pipeline. Errors from read-only
// checks are returned without changing state so the next head retries them.
func (m *Machine) Advance(ctx context.Context, head chain.Head) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.cur.Load()
	switch t.Status {
	case types.StatusCreated:
		return m.update(ctx, t, func(n *types.Transfer) { n.Status = types.StatusApproving })
	case types.StatusApproving:
		if !m.approved {
			return m.approve(ctx, t)
		}
		return m.submitSource(ctx, t)
	case types.StatusSourceSubmitted:
		return m.confirmSource(ctx, t)
	case types.StatusAwaitingAttestation:
		return m.awaitAttestation(ctx, t, head)
	case types.StatusAttested:
		return m.submitDestination(ctx, t)
	case types.StatusDestinationSubmitted:
		return m.confirmDestination(ctx, t, head)
	}
	return false, nil
}

func (m *Machine) approve(ctx context.Context, t *types.Transfer) (bool, error) {
	if m.src.Native || !m.src.Chain.IsEVM() {
		m.approved = true
		return true, nil
	}
	amount, err := protocols.BaseAmount(t, m.src)
	if err != nil {
		return m.fail(ctx, t, types.CodeApprovalFailed, err)
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.cancelMu.Lock()
	if m.cancelRequested {
		m.cancelMu.Unlock()
		return false, nil
	}
	m.approvalCancel = cancel
	m.cancelMu.Unlock()
	defer func() {
		m.cancelMu.Lock()
		m.approvalCancel = nil
		m.cancelMu.Unlock()
	}()

	res, err := m.env.approvals.EnsureApproval(actx, m.srcC, approval.Request{
		Token:   m.src.Token.Address,
		Owner:   t.SenderAddress,
		Spender: m.proc.Spender(m.src.Chain),
		Amount:  amount,
	})
	if err != nil {
		if m.cancelling() {
			return false, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if res.TxHash != "" {
			t = t.Clone()
			t.ApprovalTxHash = res.TxHash
		}
		return m.fail(ctx, t, types.CodeApprovalFailed, err)
	}
	m.approved = true
	if res.TxHash == "" {
		return true, nil
	}
	return m.update(ctx, t, func(n *types.Transfer) { n.ApprovalTxHash = res.TxHash })
}

func (m *Machine) submitSource(ctx context.Context, t *types.Transfer) (bool, error) {
	if t.SourceSubmitAttempted {
		if m.pendingTx != "" {
			return m.recordSource(ctx, t, m.pendingTx)
		}
		return m.fail(ctx, t, types.CodeSourceSubmissionFailed, errOutcomeUnknown)
	}
	if m.cancelling() {
		return false, nil
	}

	call, err := m.proc.Lock(t, m.src, m.dst)
	if err != nil {
		return m.fail(ctx, t, types.CodeOf(err, types.CodeSourceSubmissionFailed), err)
	}

	marked := t.Clone()
	marked.SourceSubmitAttempted = true
	if err := m.commit(ctx, marked); err != nil {
		return false, err
	}

	txHash, err := m.srcC.Submit(ctx, t.SenderAddress, call)
	if err != nil {
		return m.fail(ctx, marked, types.CodeSourceSubmissionFailed, err)
	}
	m.log.Info().Str("tx", txHash).Str("chain", t.SourceChain).Msg("source transaction submitted")
	m.pendingTx = txHash
	return m.recordSource(ctx, marked, txHash)
}

func (m *Machine) recordSource(ctx context.Context, t *types.Transfer, txHash string) (bool, error) {
	ok, err := m.update(ctx, t, func(n *types.Transfer) {
		n.SourceTxHash = txHash
		n.Status = types.StatusSourceSubmitted
	})
	if err == nil {
		m.pendingTx = ""
	}
	return ok, err
}

func (m *Machine) confirmSource(ctx context.Context, t *types.Transfer) (bool, error) {
	r, err := m.srcC.Receipt(ctx, t.SourceTxHash)
	if errors.Is(err, chain.ErrPending) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !r.Success {
		return m.fail(ctx, t, types.CodeSourceSubmissionFailed, fmt.Errorf("source transaction %s reverted", t.SourceTxHash))
	}
	m.srcReceipt = r
	now := m.env.now()
	return m.update(ctx, t, func(n *types.Transfer) {
		n.SourceBlock = r.BlockNumber
		n.SourceConfirmedAt = &now
		n.Status = types.StatusAwaitingAttestation
	})
}

func (m *Machine) awaitAttestation(ctx context.Context, t *types.Transfer, head chain.Head) (bool, error) {
	if m.srcReceipt == nil {
		r, err := m.srcC.Receipt(ctx, t.SourceTxHash)
		if errors.Is(err, chain.ErrPending) {
			// reorged out or not served by this node yet
			return m.checkWindow(ctx, t)
		}
		if err != nil {
			return m.stalled(ctx, t, err)
		}
		m.srcReceipt = r
	}
	number, err := m.headOn(ctx, m.srcC, head)
	if err != nil {
		return m.stalled(ctx, t, err)
	}

	payload, err := m.proc.Finality().Check(ctx, protocols.Source{
		Transfer: t,
		Chain:    m.src.Chain,
		Receipt:  m.srcReceipt,
		Head:     number,
	})
	if err == nil {
		return m.update(ctx, t, func(n *types.Transfer) {
			n.AttestationPayload = payload
			n.Status = types.StatusAttested
		})
	}
	if errors.Is(err, protocols.ErrNotFinal) {
		return m.checkWindow(ctx, t)
	}
	var te *types.TransferError
	if errors.As(err, &te) {
		return m.fail(ctx, t, te.Code, err)
	}
	return m.stalled(ctx, t, err)
}

// stalled keeps a transient read error for retry, flagging the transfer first
// when the attestation window has passed
func (m *Machine) stalled(ctx context.Context, t *types.Transfer, err error) (bool, error) {
	if _, werr := m.checkWindow(ctx, t); werr != nil {
		return false, werr
	}
	return false, err
}

// checkWindow flags, without failing, a transfer whose attestation is overdue
func (m *Machine) checkWindow(ctx context.Context, t *types.Transfer) (bool, error) {
	if t.Flagged || m.env.windowFactor <= 0 {
		return false, nil
	}
	window := time.Duration(m.env.windowFactor) * m.route.NominalTime
	if m.env.now().Sub(t.CreatedAt) <= window {
		return false, nil
	}
	m.log.Warn().Dur("window", window).Msg("attestation overdue, flagging transfer")
	_, err := m.update(ctx, t, func(n *types.Transfer) {
		n.Flagged = true
		n.FlagReason = types.CodeAttestationTimeout
	})
	return false, err
}

func (m *Machine) submitDestination(ctx context.Context, t *types.Transfer) (bool, error) {
	if t.DestinationSubmitAttempted {
		if m.pendingTx != "" {
			return m.recordDestination(ctx, t, m.pendingTx)
		}
		return m.fail(ctx, t, types.CodeDestinationSubmissionFailed, errOutcomeUnknown)
	}

	amount, err := protocols.BaseAmount(t, m.dst)
	if err != nil {
		return m.fail(ctx, t, types.CodeDestinationSubmissionFailed, err)
	}
	if holder := m.dst.Chain.LiquidityHolder; holder != "" {
		balance, err := m.dstC.Balance(ctx, m.dst.Token.Address, holder)
		if err != nil {
			return false, err
		}
		if balance.Cmp(amount) < 0 {
			return m.fail(ctx, t, types.CodeDestinationSubmissionFailed,
				fmt.Errorf("insufficient liquidity on %s: have %s, need %s", t.DestinationChain, balance, amount))
		}
	}

	call, err := m.proc.Release(t, m.src, m.dst, t.AttestationPayload)
	if err != nil {
		return m.fail(ctx, t, types.CodeDestinationSubmissionFailed, err)
	}
	from := m.dst.Chain.RelayerAddress
	if from == "" {
		from = t.RecipientAddress
	}

	marked := t.Clone()
	marked.DestinationSubmitAttempted = true
	if err := m.commit(ctx, marked); err != nil {
		return false, err
	}

	txHash, err := m.dstC.Submit(ctx, from, call)
	if err != nil {
		return m.fail(ctx, marked, types.CodeDestinationSubmissionFailed, err)
	}
	m.log.Info().Str("tx", txHash).Str("chain", t.DestinationChain).Msg("destination transaction submitted")
	m.pendingTx = txHash
	return m.recordDestination(ctx, marked, txHash)
}

func (m *Machine) recordDestination(ctx context.Context, t *types.Transfer, txHash string) (bool, error) {
	ok, err := m.update(ctx, t, func(n *types.Transfer) {
		n.DestinationTxHash = txHash
		n.Status = types.StatusDestinationSubmitted
	})
	if err == nil {
		m.pendingTx = ""
	}
	return ok, err
}

func (m *Machine) confirmDestination(ctx context.Context, t *types.Transfer, head chain.Head) (bool, error) {
	r, err := m.dstC.Receipt(ctx, t.DestinationTxHash)
	if errors.Is(err, chain.ErrPending) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !r.Success {
		return m.fail(ctx, t, types.CodeDestinationSubmissionFailed, fmt.Errorf("destination transaction %s reverted", t.DestinationTxHash))
	}
	number, err := m.headOn(ctx, m.dstC, head)
	if err != nil {
		return false, err
	}
	if number < r.BlockNumber || number-r.BlockNumber+1 < m.dst.Chain.Confirmations {
		return false, nil
	}

	now := m.env.now()
	ok, err := m.update(ctx, t, func(n *types.Transfer) {
		n.Status = types.StatusCompleted
		n.CompletedAt = &now
	})
	if err == nil {
		metrics.CompletionSeconds.WithLabelValues(string(t.Protocol)).Observe(now.Sub(t.CreatedAt).Seconds())
	}
	return ok, err
}

// headOn uses the delivered head when it belongs to the connector's chain
func (m *Machine) headOn(ctx context.Context, conn chain.Connector, head chain.Head) (uint64, error) {
	if head.Chain == conn.Chain().Key && head.Number > 0 {
		return head.Number, nil
	}
	return conn.BlockNumber(ctx)
}

// Cancel fails the transfer with UserCancelled while nothing was broadcast for
// the source leg. An approval wait in progress is aborted.
func (m *Machine) Cancel(ctx context.Context) (*types.Transfer, error) {
	m.cancelMu.Lock()
	if err := cancellable(m.cur.Load()); err != nil {
		m.cancelMu.Unlock()
		return nil, err
	}
	m.cancelRequested = true
	if m.approvalCancel != nil {
		m.approvalCancel()
	}
	m.cancelMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.cur.Load()
	if err := cancellable(t); err != nil {
		m.clearCancel()
		return nil, err
	}
	if _, err := m.fail(ctx, t, types.CodeUserCancelled, errors.New("cancelled by user")); err != nil {
		m.clearCancel()
		return nil, err
	}
	return m.Snapshot(), nil
}

func cancellable(t *types.Transfer) error {
	if t.Status.Terminal() {
		return types.ErrTerminal
	}
	if t.SourceSubmitAttempted || (t.Status != types.StatusCreated && t.Status != types.StatusApproving) {
		return types.ErrNotCancellable
	}
	return nil
}

func (m *Machine) cancelling() bool {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	return m.cancelRequested
}

func (m *Machine) clearCancel() {
	m.cancelMu.Lock()
	m.cancelRequested = false
	m.cancelMu.Unlock()
}

func (m *Machine) update(ctx context.Context, t *types.Transfer, mutate func(*types.Transfer)) (bool, error) {
	next := t.Clone()
	mutate(next)
	if err := m.commit(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Machine) fail(ctx context.Context, t *types.Transfer, code types.ErrorCode, cause error) (bool, error) {
	m.log.Error().Err(cause).Str("reason", string(code)).Str("status", string(t.Status)).Msg("transfer failed")
	ok, err := m.update(ctx, t, func(n *types.Transfer) {
		n.Status = types.StatusFailed
		n.FailureReason = code
		n.FailureMessage = cause.Error()
	})
	if err == nil {
		metrics.Failures.WithLabelValues(string(code)).Inc()
	}
	return ok, err
}

// commit writes next through to the ledger, then makes it the current state
// and notifies publishers. Terminal states are never left.
func (m *Machine) commit(ctx context.Context, next *types.Transfer) error {
	prev := m.cur.Load()
	if prev.Status.Terminal() {
		return types.ErrTerminal
	}
	next.LastUpdatedAt = m.env.now()
	if p, ok := next.Status.Progress(); ok && p > next.Progress {
		next.Progress = p
	}
	if err := m.env.ledger.Put(ctx, next); err != nil {
		return fmt.Errorf("cannot persist transfer %s: %w", next.ID, err)
	}
	m.cur.Store(next)

	if prev.Status != next.Status {
		metrics.Transitions.WithLabelValues(string(next.Status)).Inc()
		m.log.Info().Str("from", string(prev.Status)).Str("to", string(next.Status)).Msg("transfer transition")
	}
	pctx, cancel := context.WithTimeout(ctx, m.env.publishTimeout)
	defer cancel()
	for _, p := range m.env.publishers {
		if err := p.Publish(pctx, next.Clone()); err != nil {
			m.log.Warn().Err(err).Msg("cannot publish transfer update")
		}
	}
	if next.Status.Terminal() && m.env.done != nil {
		m.env.done(next.ID)
	}
	return nil
}
