package ledger

import (
	"context"
	"errors"
	"time"

	"credledger.org/internal/obs"
)

// DefaultConfirmationRounds bounds how long a write waits for confirmation.
const DefaultConfirmationRounds uint64 = 4

// Service is the port over the ledger primitives the engine relies on: contract
// box storage, the native token primitive and transaction submission.
type Service interface {
	// Submit signs tx with signer and hands it to the ledger. Sender is set to
	// the signer's address. Program or token rule violations surface as ErrRejected.
	Submit(ctx context.Context, signer Account, tx Tx) (string, error)
	// WaitForConfirmation blocks until txID is committed or rounds elapse.
	WaitForConfirmation(ctx context.Context, txID string, rounds uint64) (Confirmation, error)

	Box(ctx context.Context, key []byte) ([]byte, error)
	Holdings(ctx context.Context, addr Address) ([]Holding, error)
	Asset(ctx context.Context, id uint64) (Asset, error)
	AssetCreation(ctx context.Context, id uint64) (Creation, error)
	// Creations lists every asset-creation transaction sent by creator, oldest first.
	Creations(ctx context.Context, creator Address) ([]Creation, error)
}

// BoxLister is implemented by ledgers that can enumerate the registry
// application's boxes. Names are returned sorted.
type BoxLister interface {
	BoxNames(ctx context.Context, prefix []byte) ([][]byte, error)
}

// Commit submits tx and blocks until it is confirmed. A timed-out write is not
// resubmitted; the caller decides whether to retry.
func Commit(ctx context.Context, svc Service, signer Account, tx Tx, rounds uint64) (Confirmation, error) {
	if rounds == 0 {
		rounds = DefaultConfirmationRounds
	}
	if !signer.Valid() {
		return Confirmation{}, ErrInvalidAccount
	}
	start := time.Now()
	txID, err := svc.Submit(ctx, signer, tx)
	if err != nil {
		obs.ObserveLedgerTx(string(tx.Kind), outcome(err), time.Since(start))
		return Confirmation{}, err
	}
	conf, err := svc.WaitForConfirmation(ctx, txID, rounds)
	obs.ObserveLedgerTx(string(tx.Kind), outcome(err), time.Since(start))
	if err != nil {
		return Confirmation{TxID: txID}, err
	}
	return conf, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "confirmed"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrConfirmationTimeout):
		return "timeout"
	default:
		return "error"
	}
}

// HoldingOf returns addr's holding of assetID.
func HoldingOf(ctx context.Context, svc Service, addr Address, assetID uint64) (Holding, error) {
	holdings, err := svc.Holdings(ctx, addr)
	if err != nil {
		return Holding{}, err
	}
	for _, h := range holdings {
		if h.AssetID == assetID {
			return h, nil
		}
	}
	return Holding{}, ErrNotFound
}
