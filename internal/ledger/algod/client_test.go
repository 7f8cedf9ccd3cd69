package algod

import (
	"errors"
	"fmt"
	"testing"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/common"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"credledger.org/internal/ledger"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	passthrough := errors.New("dial tcp: connection refused")
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"box missing", errors.New("HTTP 404: box not found"), ledger.ErrNotFound},
		{"pool rejection", errors.New("HTTP 400: TransactionPool.Remember: transaction ABC: logic eval error: assert failed"), ledger.ErrRejected},
		{"rejected while pending", errors.New("Transaction rejected: overspend"), ledger.ErrRejected},
		{"confirmation timeout", errors.New("Wait for transaction id ABC timed out"), ledger.ErrConfirmationTimeout},
		{"sdk not found", common.NotFound(fmt.Errorf("HTTP %v: %s", 404, `{"message":"box not found"}`)), ledger.ErrNotFound},
		{"sdk bad request", common.BadRequest(fmt.Errorf("HTTP %v: %s", 400, "logic eval error: assert failed")), ledger.ErrRejected},
		{"pass through", passthrough, passthrough},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := mapError(tc.err); !errors.Is(got, tc.want) {
				t.Fatalf("mapError() = %v, want %v", got, tc.want)
			}
		})
	}
	if mapError(nil) != nil {
		t.Fatal("nil must map to nil")
	}

	// the SDK's status types cannot be told apart by type
	var nf common.NotFound
	if !errors.As(common.BadRequest(errors.New("HTTP 400: bad")), &nf) {
		t.Fatal("expected common.NotFound to match a bad request")
	}
}

func TestBoxNames(t *testing.T) {
	descs := []models.BoxDescriptor{
		{Name: []byte("meta:zz")},
		{Name: []byte("cred:C1")},
		{Name: []byte("meta:aa")},
		{Name: []byte("raw-issuer-record")},
	}
	got := boxNames(descs, []byte("meta:"))
	if len(got) != 2 || string(got[0]) != "meta:aa" || string(got[1]) != "meta:zz" {
		t.Fatalf("unexpected names %q", got)
	}
	if got := boxNames(descs, nil); len(got) != len(descs) {
		t.Fatalf("empty prefix must keep every box, got %q", got)
	}
}

func testParams() types.SuggestedParams {
	return types.SuggestedParams{
		Fee:             1000,
		FlatFee:         true,
		MinFee:          1000,
		FirstRoundValid: 10,
		LastRoundValid:  1010,
		GenesisID:       "testnet-v1.0",
		GenesisHash:     make([]byte, 32),
	}
}

func mustAccount(t *testing.T) ledger.Account {
	t.Helper()
	acct, err := ledger.GenerateAccount()
	if err != nil {
		t.Fatal(err)
	}
	return acct
}

func TestBuildTxn(t *testing.T) {
	issuer := mustAccount(t)
	holder := mustAccount(t)

	cases := []struct {
		name string
		tx   ledger.Tx
		want types.TxType
	}{
		{"app call", ledger.AppCall([][]byte{[]byte("reinstate_issuer"), holder.Address[:]}, [][]byte{holder.Address[:]}), types.ApplicationCallTx},
		{"create", ledger.CreateAsset(ledger.AssetParams{Total: 1, UnitName: "CRED", Name: "Diploma", Freeze: issuer.Address, Clawback: issuer.Address, MetadataHash: make([]byte, 32)}, []byte("{}")), types.AssetConfigTx},
		{"opt in", ledger.OptIn(7), types.AssetTransferTx},
		{"transfer", ledger.TransferAsset(holder.Address, 7, 1), types.AssetTransferTx},
		{"freeze", ledger.FreezeAsset(holder.Address, 7, true), types.AssetFreezeTx},
		{"reclaim", ledger.ReclaimAsset(holder.Address, 7, 1), types.AssetTransferTx},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.tx.Sender = issuer.Address
			txn, err := buildTxn(42, tc.tx, testParams())
			if err != nil {
				t.Fatalf("buildTxn: %v", err)
			}
			if txn.Type != tc.want {
				t.Fatalf("type = %s, want %s", txn.Type, tc.want)
			}
			if txn.Sender != types.Address(issuer.Address) {
				t.Fatal("sender not carried over")
			}
		})
	}

	if _, err := buildTxn(42, ledger.Tx{Kind: "bogus", Sender: issuer.Address}, testParams()); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestFromModelAsset(t *testing.T) {
	issuer := mustAccount(t)
	a, err := fromModelAsset(models.Asset{
		Index: 99,
		Params: models.AssetParams{
			Creator:  issuer.Address.String(),
			Freeze:   issuer.Address.String(),
			Clawback: issuer.Address.String(),
			Total:    1,
			UnitName: "CRED",
		},
	})
	if err != nil {
		t.Fatalf("fromModelAsset: %v", err)
	}
	if a.ID != 99 || a.Creator != issuer.Address || a.Params.Freeze != issuer.Address || !a.Params.Manager.IsZero() {
		t.Fatalf("unexpected asset %+v", a)
	}

	if _, err := fromModelAsset(models.Asset{Params: models.AssetParams{Creator: "not-an-address"}}); !errors.Is(err, ledger.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}
