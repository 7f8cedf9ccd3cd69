package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"credledger.org/internal/ledger"
	"credledger.org/internal/stream"
)

// EnsureSoulbound drives tokenID to the state "held by holder and frozen".
// It reads the current state before every step, so running it again after a
// crash between transfer and freeze completes the job without double work.
// Freeze failures other than ledger rejections are retried.
func (m *Manager) EnsureSoulbound(ctx context.Context, issuer ledger.Account, holder ledger.Address, tokenID uint64) error {
	h, err := ledger.HoldingOf(ctx, m.ledger, holder, tokenID)
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("%w: %s for token %d", ErrNotOptedIn, holder, tokenID)
	}
	if err != nil {
		return err
	}

	if h.Amount == 0 {
		own, err := ledger.HoldingOf(ctx, m.ledger, issuer.Address, tokenID)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		if own.Amount == 0 {
			return fmt.Errorf("%w: token %d", ErrNotHeld, tokenID)
		}
		if err := m.TransferToken(ctx, issuer, holder, tokenID); err != nil {
			return err
		}
	}
	if h.Frozen {
		return nil
	}

	attempt := 0
	op := func() error {
		attempt++
		cur, err := ledger.HoldingOf(ctx, m.ledger, holder, tokenID)
		if err != nil {
			return err
		}
		if cur.Frozen {
			return nil
		}
		err = m.FreezeToken(ctx, issuer, holder, tokenID, true)
		if errors.Is(err, ledger.ErrRejected) || errors.Is(err, ledger.ErrInvalidAccount) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		m.log.Warn("freeze not confirmed, retrying",
			zap.Uint64("token_id", tokenID),
			zap.Stringer("holder", holder),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(m.freezeInterval), m.freezeRetries), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("token %d left transferable: %w", tokenID, err)
	}

	m.record(ctx, "token.soulbound", stream.TokenSoulbound, tokenID, map[string]any{
		"issuer": issuer.Address.String(),
		"holder": holder.String(),
	})
	return nil
}
