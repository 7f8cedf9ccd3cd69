package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// MetadataVersion is the leading byte of the canonical metadata layout.
const MetadataVersion byte = 0x01

const (
	metadataFields     = 5
	metadataHeaderSize = 1 + 8 + 2*metadataFields
)

// IssuerMetadata describes an issuer for display and vetting. It lives in its
// own box, separate from the authorization record.
type IssuerMetadata struct {
	Name             string    `json:"name"`
	FullName         string    `json:"full_name"`
	Website          string    `json:"website"`
	OrganizationType string    `json:"organization_type"`
	Jurisdiction     string    `json:"jurisdiction"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (m IssuerMetadata) fields() [metadataFields]string {
	return [metadataFields]string{m.Name, m.FullName, m.Website, m.OrganizationType, m.Jurisdiction}
}

// EncodeMetadata writes the v1 layout:
//
//	version(1) | updatedAt(8) | offset[5](2 each) | { length(2) | bytes }[5]
//
// Offsets are absolute and point at each field's length prefix. Field bytes
// are opaque, so names may contain any byte including NUL.
func EncodeMetadata(m IssuerMetadata) ([]byte, error) {
	fields := m.fields()
	size := metadataHeaderSize
	for i, f := range fields {
		if len(f) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: metadata field %d is %d bytes", ErrMalformed, i, len(f))
		}
		size += 2 + len(f)
	}
	if size > math.MaxUint16 {
		return nil, fmt.Errorf("%w: metadata record is %d bytes", ErrMalformed, size)
	}

	out := make([]byte, metadataHeaderSize, size)
	out[0] = MetadataVersion
	binary.BigEndian.PutUint64(out[1:9], unixSeconds(m.UpdatedAt))
	for i, f := range fields {
		binary.BigEndian.PutUint16(out[9+2*i:], uint16(len(out)))
		out = binary.BigEndian.AppendUint16(out, uint16(len(f)))
		out = append(out, f...)
	}
	return out, nil
}

// DecodeMetadata reads the v1 layout. Offsets and length prefixes must agree
// and account for every byte.
func DecodeMetadata(data []byte) (IssuerMetadata, error) {
	if len(data) < metadataHeaderSize {
		return IssuerMetadata{}, fmt.Errorf("%w: metadata record is %d bytes", ErrMalformed, len(data))
	}
	if data[0] != MetadataVersion {
		return IssuerMetadata{}, fmt.Errorf("%w: metadata version 0x%02x", ErrMalformed, data[0])
	}
	var fields [metadataFields]string
	pos := metadataHeaderSize
	for i := range fields {
		off := int(binary.BigEndian.Uint16(data[9+2*i:]))
		if off != pos {
			return IssuerMetadata{}, fmt.Errorf("%w: field %d offset %d, expected %d", ErrMalformed, i, off, pos)
		}
		if pos+2 > len(data) {
			return IssuerMetadata{}, fmt.Errorf("%w: field %d truncated", ErrMalformed, i)
		}
		n := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		if pos+n > len(data) {
			return IssuerMetadata{}, fmt.Errorf("%w: field %d truncated", ErrMalformed, i)
		}
		fields[i] = string(data[pos : pos+n])
		pos += n
	}
	if pos != len(data) {
		return IssuerMetadata{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-pos)
	}
	return IssuerMetadata{
		Name:             fields[0],
		FullName:         fields[1],
		Website:          fields[2],
		OrganizationType: fields[3],
		Jurisdiction:     fields[4],
		UpdatedAt:        fromUnix(binary.BigEndian.Uint64(data[1:9])),
	}, nil
}

// DecodeLegacyMetadata reads boxes written by the first registry program:
// updatedAt(8) followed by the five fields separated by NUL bytes. It exists
// for migrating old boxes to the v1 layout only.
func DecodeLegacyMetadata(data []byte) (IssuerMetadata, error) {
	if len(data) < 8 {
		return IssuerMetadata{}, fmt.Errorf("%w: legacy metadata is %d bytes", ErrMalformed, len(data))
	}
	parts := bytes.Split(data[8:], []byte{0})
	if len(parts) != metadataFields {
		return IssuerMetadata{}, fmt.Errorf("%w: legacy metadata has %d fields", ErrMalformed, len(parts))
	}
	return IssuerMetadata{
		Name:             string(parts[0]),
		FullName:         string(parts[1]),
		Website:          string(parts[2]),
		OrganizationType: string(parts[3]),
		Jurisdiction:     string(parts[4]),
		UpdatedAt:        fromUnix(binary.BigEndian.Uint64(data[0:8])),
	}, nil
}
