package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// NoteStandard tags creation notes the detector and wallet scan understand.
const NoteStandard = "arc69"

// MetadataHashSize is the width of a token's metadata-hash field.
const MetadataHashSize = 32

// CreationNote is the JSON document attached to a credential token's creation
// transaction.
type CreationNote struct {
	Standard      string    `json:"standard"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	CredentialID  string    `json:"credentialId"`
	CompositeHash string    `json:"compositeHash"`
	IssuedAt      time.Time `json:"issuedAt"`
}

// EncodeCreationNote validates and serialises a note. Standard defaults to arc69.
func EncodeCreationNote(n CreationNote) ([]byte, error) {
	if n.Standard == "" {
		n.Standard = NoteStandard
	}
	n.IssuedAt = n.IssuedAt.UTC()
	if err := n.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

// DecodeCreationNote parses a creation note. Notes from unrelated asset
// creations fail here and are expected to be skipped by scanners.
func DecodeCreationNote(data []byte) (CreationNote, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return CreationNote{}, fmt.Errorf("%w: empty note", ErrMalformed)
	}
	var n CreationNote
	if err := json.Unmarshal(data, &n); err != nil {
		return CreationNote{}, fmt.Errorf("%w: note: %v", ErrMalformed, err)
	}
	if err := n.validate(); err != nil {
		return CreationNote{}, err
	}
	n.CompositeHash = strings.ToLower(n.CompositeHash)
	return n, nil
}

func (n CreationNote) validate() error {
	if n.Standard != NoteStandard {
		return fmt.Errorf("%w: note standard %q", ErrMalformed, n.Standard)
	}
	if strings.TrimSpace(n.CredentialID) == "" {
		return fmt.Errorf("%w: note without credentialId", ErrMalformed)
	}
	if _, err := hex.DecodeString(n.CompositeHash); err != nil || n.CompositeHash == "" {
		return fmt.Errorf("%w: compositeHash is not hex", ErrMalformed)
	}
	if n.IssuedAt.IsZero() {
		return fmt.Errorf("%w: note without issuedAt", ErrMalformed)
	}
	return nil
}

// MetadataHash derives the token's metadata-hash field from the encoded note:
// the hex SHA-256 digest truncated to 32 characters.
func MetadataHash(note []byte) []byte {
	sum := sha256.Sum256(note)
	return []byte(hex.EncodeToString(sum[:])[:MetadataHashSize])
}

// CompositeHash fingerprints a credential subject from its identifying fields.
// Fields are case-folded, whitespace-collapsed and length-prefixed so that
// ("ab","c") and ("a","bc") differ.
func CompositeHash(fields ...string) string {
	h := sha256.New()
	var lenBuf [4]byte
	for _, f := range fields {
		f = strings.ToLower(strings.Join(strings.Fields(f), " "))
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		h.Write(lenBuf[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}
