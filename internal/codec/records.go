// Package codec encodes the binary records kept in registry box storage, the
// application-call arguments that write them and the token creation note.
// Everything here is pure; no I/O.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"credledger.org/internal/ledger"
)

const (
	IssuerRecordSize     = 56
	RevocationRecordSize = 40
)

// ErrMalformed marks box contents that do not decode. A corrupted record must
// never be mistaken for an absent one.
var ErrMalformed = errors.New("malformed record")

// IssuerRecord is the authorization state of one registered issuer.
// RevokedAt nil means active; RevokeAllPrior is only meaningful while revoked
// or after a revocation has set it.
type IssuerRecord struct {
	Address        ledger.Address `json:"address"`
	AuthorizedAt   time.Time      `json:"authorized_at"`
	RevokedAt      *time.Time     `json:"revoked_at,omitempty"`
	RevokeAllPrior bool           `json:"revoke_all_prior"`
	VouchedBy      ledger.Address `json:"vouched_by"`
}

// IsActive is computed, never stored.
func (r IssuerRecord) IsActive() bool { return r.RevokedAt == nil }

// EncodeIssuerRecord lays the record out as authorizedAt | revokedAt |
// revokeAllPrior | vouchedBy, integers as 8-byte big endian. A revokedAt of 0
// stands for "not revoked".
func EncodeIssuerRecord(r IssuerRecord) []byte {
	out := make([]byte, IssuerRecordSize)
	binary.BigEndian.PutUint64(out[0:8], unixSeconds(r.AuthorizedAt))
	if r.RevokedAt != nil {
		binary.BigEndian.PutUint64(out[8:16], unixSeconds(*r.RevokedAt))
	}
	if r.RevokeAllPrior {
		binary.BigEndian.PutUint64(out[16:24], 1)
	}
	copy(out[24:56], r.VouchedBy[:])
	return out
}

// DecodeIssuerRecord is the inverse of EncodeIssuerRecord. The address is the
// box key and is left zero.
func DecodeIssuerRecord(data []byte) (IssuerRecord, error) {
	if len(data) != IssuerRecordSize {
		return IssuerRecord{}, fmt.Errorf("%w: issuer record is %d bytes, want %d", ErrMalformed, len(data), IssuerRecordSize)
	}
	flag := binary.BigEndian.Uint64(data[16:24])
	if flag > 1 {
		return IssuerRecord{}, fmt.Errorf("%w: revoke-all flag %d", ErrMalformed, flag)
	}
	authorized := binary.BigEndian.Uint64(data[0:8])
	if authorized == 0 {
		return IssuerRecord{}, fmt.Errorf("%w: issuer record without authorization time", ErrMalformed)
	}
	r := IssuerRecord{
		AuthorizedAt:   fromUnix(authorized),
		RevokeAllPrior: flag == 1,
	}
	if revoked := binary.BigEndian.Uint64(data[8:16]); revoked != 0 {
		t := fromUnix(revoked)
		r.RevokedAt = &t
	}
	copy(r.VouchedBy[:], data[24:56])
	return r, nil
}

// CredentialRevocation records an individually revoked credential.
type CredentialRevocation struct {
	CredentialID  string         `json:"credential_id"`
	RevokedAt     time.Time      `json:"revoked_at"`
	IssuerAddress ledger.Address `json:"issuer_address"`
}

// EncodeRevocation lays the record out as revokedAt | issuer address.
func EncodeRevocation(r CredentialRevocation) []byte {
	out := make([]byte, RevocationRecordSize)
	binary.BigEndian.PutUint64(out[0:8], unixSeconds(r.RevokedAt))
	copy(out[8:40], r.IssuerAddress[:])
	return out
}

// DecodeRevocation decodes a revocation box. The credential id comes from the key.
func DecodeRevocation(credentialID string, data []byte) (CredentialRevocation, error) {
	if len(data) != RevocationRecordSize {
		return CredentialRevocation{}, fmt.Errorf("%w: revocation record is %d bytes, want %d", ErrMalformed, len(data), RevocationRecordSize)
	}
	r := CredentialRevocation{
		CredentialID: credentialID,
		RevokedAt:    fromUnix(binary.BigEndian.Uint64(data[0:8])),
	}
	copy(r.IssuerAddress[:], data[8:40])
	return r, nil
}

func unixSeconds(t time.Time) uint64 {
	if t.IsZero() || t.Unix() <= 0 {
		return 0
	}
	return uint64(t.Unix())
}

func fromUnix(s uint64) time.Time {
	return time.Unix(int64(s), 0).UTC()
}
