package ledger

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// AddressSize is the width of a raw account address.
const AddressSize = 32

var (
	ErrNotFound            = errors.New("not found")
	ErrRejected            = errors.New("transaction rejected")
	ErrConfirmationTimeout = errors.New("transaction not confirmed within round budget")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrInvalidAccount      = errors.New("invalid account credentials")
)

// Address is a raw 32-byte ledger account identifier. Its text form is the
// base32 checksummed encoding used by the ledger's tooling.
type Address [AddressSize]byte

// ParseAddress decodes the checksummed text form of an address.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	a, err := types.DecodeAddress(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return Address(a), nil
}

// AddressFromBytes copies a raw 32-byte address.
func AddressFromBytes(b []byte) (Address, error) {
	if len(b) != AddressSize {
		return Address{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidAddress, AddressSize, len(b))
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

func (a Address) String() string { return types.Address(a).String() }
func (a Address) IsZero() bool   { return a == Address{} }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Account carries the signing credentials of a ledger participant. The address
// of an account is its ed25519 public key.
type Account struct {
	Address    Address
	PrivateKey ed25519.PrivateKey
}

// AccountFromPrivateKey derives the account address from an ed25519 key.
func AccountFromPrivateKey(sk ed25519.PrivateKey) (Account, error) {
	if len(sk) != ed25519.PrivateKeySize {
		return Account{}, fmt.Errorf("%w: bad private key size %d", ErrInvalidAccount, len(sk))
	}
	pub, ok := sk.Public().(ed25519.PublicKey)
	if !ok {
		return Account{}, ErrInvalidAccount
	}
	addr, err := AddressFromBytes(pub)
	if err != nil {
		return Account{}, err
	}
	return Account{Address: addr, PrivateKey: sk}, nil
}

// AccountFromMnemonic restores an account from its 25-word backup phrase.
func AccountFromMnemonic(phrase string) (Account, error) {
	sk, err := mnemonic.ToPrivateKey(strings.TrimSpace(phrase))
	if err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	return AccountFromPrivateKey(sk)
}

// GenerateAccount creates a fresh random account.
func GenerateAccount() (Account, error) {
	_, sk, err := ed25519.GenerateKey(nil)
	if err != nil {
		return Account{}, err
	}
	return AccountFromPrivateKey(sk)
}

// Valid reports whether the private key controls the account address.
func (a Account) Valid() bool {
	if len(a.PrivateKey) != ed25519.PrivateKeySize {
		return false
	}
	pub, ok := a.PrivateKey.Public().(ed25519.PublicKey)
	return ok && string(pub) == string(a.Address[:])
}

// TxKind identifies the ledger primitive a transaction exercises.
type TxKind string

const (
	TxAppCall       TxKind = "appl"
	TxAssetCreate   TxKind = "acfg"
	TxAssetOptIn    TxKind = "optin"
	TxAssetTransfer TxKind = "axfer"
	TxAssetFreeze   TxKind = "afrz"
	TxAssetReclaim  TxKind = "clawback"
)

// Tx is an unsigned ledger transaction. Sender is filled from the signing
// account at submission time.
type Tx struct {
	Kind   TxKind
	Sender Address
	Note   []byte

	// application call
	Args  [][]byte
	Boxes [][]byte

	// asset creation
	Params AssetParams

	// asset transfer, freeze and reclaim
	AssetID  uint64
	Receiver Address
	Target   Address
	Amount   uint64
	Frozen   bool
}

// AppCall invokes the registry program with positional arguments. Boxes lists
// the box keys the call reads or writes.
func AppCall(args, boxes [][]byte) Tx {
	return Tx{Kind: TxAppCall, Args: args, Boxes: boxes}
}

func CreateAsset(params AssetParams, note []byte) Tx {
	return Tx{Kind: TxAssetCreate, Params: params, Note: note}
}

// OptIn registers the sender to hold the asset.
func OptIn(assetID uint64) Tx {
	return Tx{Kind: TxAssetOptIn, AssetID: assetID}
}

func TransferAsset(receiver Address, assetID, amount uint64) Tx {
	return Tx{Kind: TxAssetTransfer, Receiver: receiver, AssetID: assetID, Amount: amount}
}

func FreezeAsset(target Address, assetID uint64, frozen bool) Tx {
	return Tx{Kind: TxAssetFreeze, Target: target, AssetID: assetID, Frozen: frozen}
}

// ReclaimAsset moves amount units from target back to the reclaim authority.
func ReclaimAsset(target Address, assetID, amount uint64) Tx {
	return Tx{Kind: TxAssetReclaim, Target: target, AssetID: assetID, Amount: amount}
}

// AssetParams are the immutable creation parameters of a token.
type AssetParams struct {
	Total         uint64  `json:"total"`
	Decimals      uint32  `json:"decimals"`
	DefaultFrozen bool    `json:"default_frozen"`
	UnitName      string  `json:"unit_name"`
	Name          string  `json:"name"`
	URL           string  `json:"url,omitempty"`
	MetadataHash  []byte  `json:"metadata_hash,omitempty"`
	Manager       Address `json:"manager"`
	Reserve       Address `json:"reserve"`
	Freeze        Address `json:"freeze"`
	Clawback      Address `json:"clawback"`
}

// Asset is a token as recorded on the ledger.
type Asset struct {
	ID      uint64      `json:"id"`
	Creator Address     `json:"creator"`
	Params  AssetParams `json:"params"`
}

// Holding is an account's balance of one asset.
type Holding struct {
	AssetID uint64 `json:"asset_id"`
	Amount  uint64 `json:"amount"`
	Frozen  bool   `json:"frozen"`
}

// Creation is an asset-creation transaction from the ledger history.
type Creation struct {
	TxID    string    `json:"tx_id"`
	AssetID uint64    `json:"asset_id"`
	Creator Address   `json:"creator"`
	Note    []byte    `json:"note,omitempty"`
	Round   uint64    `json:"round"`
	Time    time.Time `json:"time"`
}

// Confirmation reports where a transaction was committed.
type Confirmation struct {
	TxID    string `json:"tx_id"`
	Round   uint64 `json:"round"`
	AssetID uint64 `json:"asset_id,omitempty"`
}
