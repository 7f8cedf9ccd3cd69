package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"credledger.org/internal/codec"
	"credledger.org/internal/ledger"
)

// Limits enforced by the registry program itself.
const (
	programMinName = 3
	programMaxName = 64
	programMinURL  = 10
	programMaxURL  = 256
)

var (
	errNotAdmin     = errors.New("sender is not the registry admin")
	errNotVoucher   = errors.New("sender is neither admin nor an active issuer")
	errIssuerExists = errors.New("issuer box already exists")
	errNoIssuer     = errors.New("issuer box does not exist")
)

// callProgram executes a registry application call. Every check runs before
// the first box write so a rejected call leaves no trace. Caller holds s.mu.
func (s *InMemory) callProgram(tx ledger.Tx) error {
	if len(tx.Args) == 0 {
		return errors.New("missing method selector")
	}
	now := s.blockTime()
	switch method := string(tx.Args[0]); method {
	case codec.MethodAddIssuer:
		return s.addIssuer(tx, now)
	case codec.MethodRevokeIssuer:
		return s.revokeIssuer(tx, now)
	case codec.MethodReinstateIssuer:
		return s.reinstateIssuer(tx)
	case codec.MethodUpdateMetadata:
		return s.updateMetadata(tx, now)
	case codec.MethodRevokeCredential:
		return s.revokeCredential(tx, now)
	default:
		return fmt.Errorf("unknown method %q", method)
	}
}

func (s *InMemory) isAdmin(addr ledger.Address) bool { return addr == s.admin }

func (s *InMemory) isActiveIssuer(addr ledger.Address) bool {
	raw, ok := s.boxes[string(codec.IssuerKey(addr))]
	if !ok {
		return false
	}
	rec, err := codec.DecodeIssuerRecord(raw)
	return err == nil && rec.IsActive()
}

func (s *InMemory) addIssuer(tx ledger.Tx, now time.Time) error {
	target, meta, err := metadataCall(tx.Args)
	if err != nil {
		return err
	}
	if !s.isAdmin(tx.Sender) && !s.isActiveIssuer(tx.Sender) {
		return errNotVoucher
	}
	if _, exists := s.boxes[string(codec.IssuerKey(target))]; exists {
		return errIssuerExists
	}
	meta.UpdatedAt = now
	metaBox, err := codec.EncodeMetadata(meta)
	if err != nil {
		return err
	}
	rec := codec.IssuerRecord{AuthorizedAt: now, VouchedBy: tx.Sender}
	s.boxes[string(codec.IssuerKey(target))] = codec.EncodeIssuerRecord(rec)
	s.boxes[string(codec.MetadataKey(target))] = metaBox
	return nil
}

func (s *InMemory) revokeIssuer(tx ledger.Tx, now time.Time) error {
	if len(tx.Args) != 3 {
		return fmt.Errorf("revoke_issuer takes 2 arguments, got %d", len(tx.Args)-1)
	}
	if !s.isAdmin(tx.Sender) {
		return errNotAdmin
	}
	target, rec, err := s.loadIssuer(tx.Args[1])
	if err != nil {
		return err
	}
	all, err := codec.DecodeBool(tx.Args[2])
	if err != nil {
		return err
	}
	// a repeat revocation keeps the earliest date; the flag only ever goes
	// from false to true
	if rec.RevokedAt == nil {
		rec.RevokedAt = &now
	}
	rec.RevokeAllPrior = rec.RevokeAllPrior || all
	s.boxes[string(codec.IssuerKey(target))] = codec.EncodeIssuerRecord(rec)
	return nil
}

func (s *InMemory) reinstateIssuer(tx ledger.Tx) error {
	if len(tx.Args) != 2 {
		return fmt.Errorf("reinstate_issuer takes 1 argument, got %d", len(tx.Args)-1)
	}
	if !s.isAdmin(tx.Sender) {
		return errNotAdmin
	}
	target, rec, err := s.loadIssuer(tx.Args[1])
	if err != nil {
		return err
	}
	rec.RevokedAt = nil
	s.boxes[string(codec.IssuerKey(target))] = codec.EncodeIssuerRecord(rec)
	return nil
}

func (s *InMemory) updateMetadata(tx ledger.Tx, now time.Time) error {
	target, meta, err := metadataCall(tx.Args)
	if err != nil {
		return err
	}
	if !s.isAdmin(tx.Sender) {
		return errNotAdmin
	}
	if _, ok := s.boxes[string(codec.IssuerKey(target))]; !ok {
		return errNoIssuer
	}
	meta.UpdatedAt = now
	metaBox, err := codec.EncodeMetadata(meta)
	if err != nil {
		return err
	}
	s.boxes[string(codec.MetadataKey(target))] = metaBox
	return nil
}

func (s *InMemory) revokeCredential(tx ledger.Tx, now time.Time) error {
	if len(tx.Args) != 3 {
		return fmt.Errorf("revoke_credential takes 2 arguments, got %d", len(tx.Args)-1)
	}
	if !s.isAdmin(tx.Sender) {
		return errNotAdmin
	}
	credentialID := string(tx.Args[1])
	if credentialID == "" {
		return errors.New("empty credential id")
	}
	issuer, err := ledger.AddressFromBytes(tx.Args[2])
	if err != nil {
		return err
	}
	key := string(codec.RevocationKey(credentialID))
	if _, exists := s.boxes[key]; exists {
		return errors.New("credential already revoked")
	}
	s.boxes[key] = codec.EncodeRevocation(codec.CredentialRevocation{
		CredentialID:  credentialID,
		RevokedAt:     now,
		IssuerAddress: issuer,
	})
	return nil
}

func (s *InMemory) loadIssuer(raw []byte) (ledger.Address, codec.IssuerRecord, error) {
	addr, err := ledger.AddressFromBytes(raw)
	if err != nil {
		return ledger.Address{}, codec.IssuerRecord{}, err
	}
	box, ok := s.boxes[string(codec.IssuerKey(addr))]
	if !ok {
		return ledger.Address{}, codec.IssuerRecord{}, errNoIssuer
	}
	rec, err := codec.DecodeIssuerRecord(box)
	if err != nil {
		return ledger.Address{}, codec.IssuerRecord{}, err
	}
	return addr, rec, nil
}

func metadataCall(args [][]byte) (ledger.Address, codec.IssuerMetadata, error) {
	meta, err := codec.MetadataFromArgs(args)
	if err != nil {
		return ledger.Address{}, codec.IssuerMetadata{}, err
	}
	addr, err := ledger.AddressFromBytes(args[1])
	if err != nil {
		return ledger.Address{}, codec.IssuerMetadata{}, err
	}
	if n := len(meta.Name); n < programMinName || n > programMaxName {
		return ledger.Address{}, codec.IssuerMetadata{}, fmt.Errorf("name length %d out of range", n)
	}
	url := meta.Website
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return ledger.Address{}, codec.IssuerMetadata{}, errors.New("website must be an http(s) URL")
	}
	if n := len(url); n < programMinURL || n > programMaxURL {
		return ledger.Address{}, codec.IssuerMetadata{}, fmt.Errorf("website length %d out of range", n)
	}
	return addr, meta, nil
}
