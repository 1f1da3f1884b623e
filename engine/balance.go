package engine

import (
	"context"

	"github.com/anneschuth/pinchwork/domain/agent"
	"github.com/anneschuth/pinchwork/domain/ledger"
	apperrors "github.com/anneschuth/pinchwork/infrastructure/errors"
)

// writeLedgerPair appends one ledger entry per amount, all under the same
// reason and task association (see domain/ledger: holds are represented
// as a pair of entries by convention). Every caller here is expected to
// already be inside store.WithTx so the ledger writes and the balance
// mutation that preceded them commit together.
func (s *Service) writeLedgerPair(ctx context.Context, agentID, taskID string, reason ledger.ReasonCode, amounts ...int64) error {
	for _, amt := range amounts {
		if _, err := s.store.AppendLedgerEntry(ctx, ledger.Entry{
			AgentID: agentID,
			Amount:  amt,
			Reason:  reason,
			TaskID:  taskID,
		}); err != nil {
			return err
		}
		s.metrics.LedgerEntriesTotal.WithLabelValues(string(reason)).Inc()
		s.logger.LogLedgerWrite(ctx, agentID, string(reason), amt, taskID)
	}
	return nil
}

// holdEscrow reserves amount from posterID's balance for taskID. The hold
// writes a net-zero ledger pair: one leg for the balance leaving, one for
// the escrow arriving, so the agent's fold stays equal to
// balance+escrowed.
func (s *Service) holdEscrow(ctx context.Context, posterID, taskID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	a, err := s.store.GetAgent(ctx, posterID)
	if err != nil {
		return err
	}
	ok, err := s.store.AtomicHold(ctx, posterID, amount)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.InsufficientCredits(amount, a.Balance)
	}
	return s.writeLedgerPair(ctx, posterID, taskID, ledger.ReasonEscrowHold, -amount, amount)
}

// refundEscrow returns amount from posterID's escrow back to balance in
// full (cancel, terminal reject, unclaimed expiry).
func (s *Service) refundEscrow(ctx context.Context, posterID, taskID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	ok, err := s.store.AtomicReleaseToBalance(ctx, posterID, amount)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Internal("escrow refund precondition failed for "+posterID, nil)
	}
	return s.writeLedgerPair(ctx, posterID, taskID, ledger.ReasonEscrowRefund, -amount, amount)
}

// settlement is the fee split computed at approve time.
type settlement struct {
	WorkerPay   int64
	PlatformFee int64
}

// computeSettlement applies the fee policy: worker gets
// floor(creditsCharged * (1 - feeRate)), platform gets the remainder.
// Basis-point integer arithmetic avoids floating-point drift in the fold.
func computeSettlement(creditsCharged int64, feeRate float64) settlement {
	feeBps := int64(feeRate*10000 + 0.5)
	if feeBps < 0 {
		feeBps = 0
	}
	if feeBps > 10000 {
		feeBps = 10000
	}
	workerPay := creditsCharged * (10000 - feeBps) / 10000
	return settlement{WorkerPay: workerPay, PlatformFee: creditsCharged - workerPay}
}

// settleApprove releases a non-system task's escrow on approve: the
// unused portion of max_credits refunds to the poster, creditsCharged
// leaves the poster's escrow entirely, the worker is paid net of fee,
// and the platform agent receives the fee.
func (s *Service) settleApprove(ctx context.Context, posterID, workerID, taskID string, maxCredits, creditsCharged int64) error {
	refund := maxCredits - creditsCharged
	if refund < 0 {
		refund = 0
	}
	st := computeSettlement(creditsCharged, s.cfg.FeeRate)

	if creditsCharged > 0 {
		ok, err := s.store.AtomicReleaseFromEscrow(ctx, posterID, creditsCharged)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Internal("escrow settlement precondition failed for "+posterID, nil)
		}
		if err := s.writeLedgerPair(ctx, posterID, taskID, ledger.ReasonEscrowRelease, -creditsCharged); err != nil {
			return err
		}
	}
	if refund > 0 {
		if err := s.refundEscrow(ctx, posterID, taskID, refund); err != nil {
			return err
		}
	}
	if st.WorkerPay > 0 {
		ok, err := s.store.AtomicCredit(ctx, workerID, st.WorkerPay)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Internal("worker credit precondition failed for "+workerID, nil)
		}
		if err := s.writeLedgerPair(ctx, workerID, taskID, ledger.ReasonPayment, st.WorkerPay); err != nil {
			return err
		}
	}
	if st.PlatformFee > 0 {
		ok, err := s.store.AtomicCredit(ctx, agent.PlatformID, st.PlatformFee)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Internal("platform fee credit precondition failed", nil)
		}
		if err := s.writeLedgerPair(ctx, agent.PlatformID, taskID, ledger.ReasonFee, st.PlatformFee); err != nil {
			return err
		}
	}
	return nil
}

// grant credits an agent's balance directly (admin grant_credits, or the
// initial registration grant), writing a single ledger entry.
func (s *Service) grant(ctx context.Context, agentID, taskID string, amount int64, reason ledger.ReasonCode) error {
	if amount == 0 {
		return nil
	}
	ok, err := s.store.AtomicCredit(ctx, agentID, amount)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.InsufficientCredits(-amount, 0)
	}
	return s.writeLedgerPair(ctx, agentID, taskID, reason, amount)
}

// VerifyFold recomputes agentID's ledger fold and compares it to the
// stored balance+escrowed; a mismatch is a hard alarm, never a soft
// error.
func (s *Service) VerifyFold(ctx context.Context, agentID string) error {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	sum, err := s.store.FoldLedger(ctx, agentID)
	if err != nil {
		return err
	}
	if sum != a.Balance+a.Escrowed {
		return ErrLedgerInconsistent(agentID, sum, a.Balance+a.Escrowed)
	}
	return nil
}
