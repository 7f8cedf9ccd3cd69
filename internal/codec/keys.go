package codec

import (
	"encoding/binary"
	"fmt"

	"credledger.org/internal/ledger"
)

// Box key prefixes. They keep record types from colliding in the shared box
// namespace and must match the deployed program byte for byte.
const (
	MetadataPrefix   = "meta:"
	RevocationPrefix = "cred:"
)

// Registry program method selectors.
const (
	MethodAddIssuer        = "add_issuer"
	MethodRevokeIssuer     = "revoke_issuer"
	MethodReinstateIssuer  = "reinstate_issuer"
	MethodUpdateMetadata   = "update_metadata"
	MethodRevokeCredential = "revoke_credential"
)

func IssuerKey(addr ledger.Address) []byte {
	return append([]byte(nil), addr[:]...)
}

func MetadataKey(addr ledger.Address) []byte {
	return append([]byte(MetadataPrefix), addr[:]...)
}

func RevocationKey(credentialID string) []byte {
	return append([]byte(RevocationPrefix), credentialID...)
}

// EncodeBool encodes an argument flag as an 8-byte big-endian 0 or 1.
func EncodeBool(v bool) []byte {
	out := make([]byte, 8)
	if v {
		out[7] = 1
	}
	return out
}

// DecodeBool is the inverse of EncodeBool.
func DecodeBool(b []byte) (bool, error) {
	if len(b) != 8 {
		return false, fmt.Errorf("%w: flag argument is %d bytes", ErrMalformed, len(b))
	}
	switch binary.BigEndian.Uint64(b) {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: flag argument out of range", ErrMalformed)
	}
}

func AddIssuerArgs(addr ledger.Address, m IssuerMetadata) [][]byte {
	return metadataArgs(MethodAddIssuer, addr, m)
}

func UpdateMetadataArgs(addr ledger.Address, m IssuerMetadata) [][]byte {
	return metadataArgs(MethodUpdateMetadata, addr, m)
}

func RevokeIssuerArgs(addr ledger.Address, revokeAllPrior bool) [][]byte {
	return [][]byte{[]byte(MethodRevokeIssuer), IssuerKey(addr), EncodeBool(revokeAllPrior)}
}

func ReinstateIssuerArgs(addr ledger.Address) [][]byte {
	return [][]byte{[]byte(MethodReinstateIssuer), IssuerKey(addr)}
}

func RevokeCredentialArgs(credentialID string, issuer ledger.Address) [][]byte {
	return [][]byte{[]byte(MethodRevokeCredential), []byte(credentialID), IssuerKey(issuer)}
}

func metadataArgs(method string, addr ledger.Address, m IssuerMetadata) [][]byte {
	args := [][]byte{[]byte(method), IssuerKey(addr)}
	for _, f := range m.fields() {
		args = append(args, []byte(f))
	}
	return args
}

// MetadataFromArgs reads the five metadata fields that follow the method
// selector and address in an add_issuer or update_metadata call.
func MetadataFromArgs(args [][]byte) (IssuerMetadata, error) {
	if len(args) != 2+metadataFields {
		return IssuerMetadata{}, fmt.Errorf("%w: want %d arguments, got %d", ErrMalformed, 2+metadataFields, len(args))
	}
	return IssuerMetadata{
		Name:             string(args[2]),
		FullName:         string(args[3]),
		Website:          string(args[4]),
		OrganizationType: string(args[5]),
		Jurisdiction:     string(args[6]),
	}, nil
}
