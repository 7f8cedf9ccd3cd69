// Package algod adapts an Algorand node (algod) and indexer to ledger.Service.
package algod

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	sdkalgod "github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/indexer"
	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"go.uber.org/zap"

	"credledger.org/internal/ledger"
	"credledger.org/internal/obs"
)

// Config locates the node, the indexer and the registry application.
type Config struct {
	AlgodURL     string
	AlgodToken   string
	IndexerURL   string
	IndexerToken string
	AppID        uint64
}

// Service implements ledger.Service against a live network. Reads of boxes,
// balances and assets go to algod; history queries go to the indexer.
type Service struct {
	algod   *sdkalgod.Client
	indexer *indexer.Client
	appID   uint64
	log     *zap.Logger
}

var (
	_ ledger.Service   = (*Service)(nil)
	_ ledger.BoxLister = (*Service)(nil)
)

func New(cfg Config) (*Service, error) {
	if cfg.AppID == 0 {
		return nil, errors.New("registry application id is required")
	}
	ac, err := sdkalgod.MakeClient(cfg.AlgodURL, cfg.AlgodToken)
	if err != nil {
		return nil, fmt.Errorf("algod client: %w", err)
	}
	ic, err := indexer.MakeClient(cfg.IndexerURL, cfg.IndexerToken)
	if err != nil {
		return nil, fmt.Errorf("indexer client: %w", err)
	}
	return &Service{algod: ac, indexer: ic, appID: cfg.AppID, log: obs.Named("algod")}, nil
}

// Ping checks that the node answers, for readiness probes.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.algod.Status().Do(ctx)
	return mapError(err)
}

func (s *Service) Submit(ctx context.Context, signer ledger.Account, tx ledger.Tx) (string, error) {
	if !signer.Valid() {
		return "", ledger.ErrInvalidAccount
	}
	tx.Sender = signer.Address
	sp, err := s.algod.SuggestedParams().Do(ctx)
	if err != nil {
		return "", fmt.Errorf("suggested params: %w", mapError(err))
	}
	txn, err := buildTxn(s.appID, tx, sp)
	if err != nil {
		return "", err
	}
	txID, stx, err := crypto.SignTransaction(signer.PrivateKey, txn)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", tx.Kind, err)
	}
	if _, err := s.algod.SendRawTransaction(stx).Do(ctx); err != nil {
		return "", mapError(err)
	}
	s.log.Debug("transaction submitted", zap.String("tx_id", txID), zap.String("kind", string(tx.Kind)))
	return txID, nil
}

func (s *Service) WaitForConfirmation(ctx context.Context, txID string, rounds uint64) (ledger.Confirmation, error) {
	info, err := transaction.WaitForConfirmation(s.algod, txID, rounds, ctx)
	if err != nil {
		return ledger.Confirmation{TxID: txID}, mapError(err)
	}
	return ledger.Confirmation{TxID: txID, Round: info.ConfirmedRound, AssetID: info.AssetIndex}, nil
}

func (s *Service) Box(ctx context.Context, key []byte) ([]byte, error) {
	box, err := s.algod.GetApplicationBoxByName(s.appID, key).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return box.Value, nil
}

// BoxNames lists the application's boxes whose names start with prefix.
func (s *Service) BoxNames(ctx context.Context, prefix []byte) ([][]byte, error) {
	resp, err := s.algod.GetApplicationBoxes(s.appID).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return boxNames(resp.Boxes, prefix), nil
}

func boxNames(descs []models.BoxDescriptor, prefix []byte) [][]byte {
	out := make([][]byte, 0, len(descs))
	for _, d := range descs {
		if bytes.HasPrefix(d.Name, prefix) {
			out = append(out, d.Name)
		}
	}
	slices.SortFunc(out, bytes.Compare)
	return out
}

func (s *Service) Holdings(ctx context.Context, addr ledger.Address) ([]ledger.Holding, error) {
	acct, err := s.algod.AccountInformation(addr.String()).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]ledger.Holding, 0, len(acct.Assets))
	for _, h := range acct.Assets {
		out = append(out, ledger.Holding{AssetID: h.AssetId, Amount: h.Amount, Frozen: h.IsFrozen})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

func (s *Service) Asset(ctx context.Context, id uint64) (ledger.Asset, error) {
	a, err := s.algod.GetAssetByID(id).Do(ctx)
	if err != nil {
		return ledger.Asset{}, mapError(err)
	}
	return fromModelAsset(a)
}

func (s *Service) AssetCreation(ctx context.Context, id uint64) (ledger.Creation, error) {
	resp, err := s.indexer.LookupAssetTransactions(id).TxType(string(types.AssetConfigTx)).Do(ctx)
	if err != nil {
		return ledger.Creation{}, mapError(err)
	}
	for _, t := range resp.Transactions {
		if t.CreatedAssetIndex == id {
			return fromModelCreation(t)
		}
	}
	return ledger.Creation{}, fmt.Errorf("creation of asset %d: %w", id, ledger.ErrNotFound)
}

// Creations pages through the creator's asset-config history.
func (s *Service) Creations(ctx context.Context, creator ledger.Address) ([]ledger.Creation, error) {
	var (
		out  []ledger.Creation
		next string
	)
	for {
		q := s.indexer.LookupAccountTransactions(creator.String()).TxType(string(types.AssetConfigTx))
		if next != "" {
			q = q.NextToken(next)
		}
		resp, err := q.Do(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		for _, t := range resp.Transactions {
			if t.CreatedAssetIndex == 0 || t.Sender != creator.String() {
				continue
			}
			c, err := fromModelCreation(t)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		if resp.NextToken == "" || len(resp.Transactions) == 0 {
			break
		}
		next = resp.NextToken
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Round < out[j].Round })
	return out, nil
}

// buildTxn turns a port transaction into an unsigned Algorand transaction.
func buildTxn(appID uint64, tx ledger.Tx, sp types.SuggestedParams) (types.Transaction, error) {
	sender := tx.Sender.String()
	switch tx.Kind {
	case ledger.TxAppCall:
		boxes := make([]types.AppBoxReference, 0, len(tx.Boxes))
		for _, name := range tx.Boxes {
			boxes = append(boxes, types.AppBoxReference{AppID: appID, Name: name})
		}
		return transaction.MakeApplicationNoOpTxWithBoxes(appID, tx.Args, nil, nil, nil, boxes, sp,
			types.Address(tx.Sender), tx.Note, types.Digest{}, [32]byte{}, types.Address{})
	case ledger.TxAssetCreate:
		p := tx.Params
		return transaction.MakeAssetCreateTxn(sender, tx.Note, sp, p.Total, p.Decimals, p.DefaultFrozen,
			optional(p.Manager), optional(p.Reserve), optional(p.Freeze), optional(p.Clawback),
			p.UnitName, p.Name, p.URL, string(p.MetadataHash))
	case ledger.TxAssetOptIn:
		return transaction.MakeAssetAcceptanceTxn(sender, tx.Note, sp, tx.AssetID)
	case ledger.TxAssetTransfer:
		return transaction.MakeAssetTransferTxn(sender, tx.Receiver.String(), tx.Amount, tx.Note, sp, "", tx.AssetID)
	case ledger.TxAssetFreeze:
		return transaction.MakeAssetFreezeTxn(sender, tx.Note, sp, tx.AssetID, tx.Target.String(), tx.Frozen)
	case ledger.TxAssetReclaim:
		return transaction.MakeAssetRevocationTxn(sender, tx.Target.String(), tx.Amount, sender, tx.Note, sp, tx.AssetID)
	default:
		return types.Transaction{}, fmt.Errorf("unsupported transaction kind %q", tx.Kind)
	}
}

func optional(a ledger.Address) string {
	if a.IsZero() {
		return ""
	}
	return a.String()
}

func parseOptional(s string) (ledger.Address, error) {
	if s == "" {
		return ledger.Address{}, nil
	}
	return ledger.ParseAddress(s)
}

func fromModelAsset(a models.Asset) (ledger.Asset, error) {
	p := a.Params
	var (
		out  = ledger.Asset{ID: a.Index}
		errs []error
	)
	parse := func(dst *ledger.Address, s string) {
		addr, err := parseOptional(s)
		if err != nil {
			errs = append(errs, err)
		}
		*dst = addr
	}
	parse(&out.Creator, p.Creator)
	parse(&out.Params.Manager, p.Manager)
	parse(&out.Params.Reserve, p.Reserve)
	parse(&out.Params.Freeze, p.Freeze)
	parse(&out.Params.Clawback, p.Clawback)
	if err := errors.Join(errs...); err != nil {
		return ledger.Asset{}, fmt.Errorf("asset %d: %w", a.Index, err)
	}
	out.Params.Total = p.Total
	out.Params.Decimals = uint32(p.Decimals)
	out.Params.DefaultFrozen = p.DefaultFrozen
	out.Params.UnitName = p.UnitName
	out.Params.Name = p.Name
	out.Params.URL = p.Url
	out.Params.MetadataHash = p.MetadataHash
	return out, nil
}

func fromModelCreation(t models.Transaction) (ledger.Creation, error) {
	creator, err := ledger.ParseAddress(t.Sender)
	if err != nil {
		return ledger.Creation{}, fmt.Errorf("transaction %s: %w", t.Id, err)
	}
	return ledger.Creation{
		TxID:    t.Id,
		AssetID: t.CreatedAssetIndex,
		Creator: creator,
		Note:    t.Note,
		Round:   t.ConfirmedRound,
		Time:    time.Unix(int64(t.RoundTime), 0).UTC(),
	}, nil
}

// mapError translates SDK errors onto the port's sentinels. The SDK's
// common.NotFound and common.BadRequest are interface types over a plain
// fmt.Errorf value, so errors.As matches any of them for every failure; the
// status text is the only thing that tells them apart.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "HTTP 404"), strings.Contains(msg, "404 Not Found"):
		return fmt.Errorf("%w: %v", ledger.ErrNotFound, err)
	case strings.Contains(msg, "timed out"):
		return fmt.Errorf("%w: %v", ledger.ErrConfirmationTimeout, err)
	case strings.Contains(msg, "HTTP 400"), strings.Contains(msg, "Transaction rejected"),
		strings.Contains(msg, "logic eval error"), strings.Contains(msg, "overspend"):
		return fmt.Errorf("%w: %v", ledger.ErrRejected, err)
	default:
		return err
	}
}
