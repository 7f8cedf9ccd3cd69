package registry

import (
	"context"
	"strings"
	"sync"

	"credledger.org/internal/ledger"
)

// Claim binds an issuer's display name and website to its address.
type Claim struct {
	Address ledger.Address
	Name    string
	Website string
}

// NameKey is the comparison form of the claimed name.
func (c Claim) NameKey() string { return NormalizeName(c.Name) }

// WebsiteKey is the comparison form of the claimed website.
func (c Claim) WebsiteKey() string { return NormalizeWebsite(c.Website) }

func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func NormalizeWebsite(website string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(website)), "/")
}

// Reservations keeps issuer names and websites unique across the registry.
// The ledger program does not enforce this, so a claim is taken before the
// write is submitted and rolled back if the write fails.
type Reservations interface {
	// Reserve atomically binds c to its address, replacing any earlier claim by
	// the same address. It fails with ErrMetadataTaken when another address
	// holds the name or website. The replaced claim, if any, is returned.
	Reserve(ctx context.Context, c Claim) (*Claim, error)
	// Restore reinstates prev for addr, or drops addr's claim when prev is nil.
	Restore(ctx context.Context, addr ledger.Address, prev *Claim) error
}

// MemoryReservations is an in-process Reservations implementation.
type MemoryReservations struct {
	mu     sync.Mutex
	byAddr map[ledger.Address]Claim
	names  map[string]ledger.Address
	sites  map[string]ledger.Address
}

func NewMemoryReservations() *MemoryReservations {
	return &MemoryReservations{
		byAddr: make(map[ledger.Address]Claim),
		names:  make(map[string]ledger.Address),
		sites:  make(map[string]ledger.Address),
	}
}

var _ Reservations = (*MemoryReservations)(nil)

func (m *MemoryReservations) Reserve(ctx context.Context, c Claim) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.names[c.NameKey()]; ok && owner != c.Address {
		return nil, ErrMetadataTaken
	}
	if owner, ok := m.sites[c.WebsiteKey()]; ok && owner != c.Address {
		return nil, ErrMetadataTaken
	}
	var prev *Claim
	if old, ok := m.byAddr[c.Address]; ok {
		prev = &old
		m.drop(old)
	}
	m.put(c)
	return prev, nil
}

func (m *MemoryReservations) Restore(ctx context.Context, addr ledger.Address, prev *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byAddr[addr]; ok {
		m.drop(cur)
	}
	if prev != nil {
		m.put(*prev)
	}
	return nil
}

func (m *MemoryReservations) put(c Claim) {
	m.byAddr[c.Address] = c
	m.names[c.NameKey()] = c.Address
	m.sites[c.WebsiteKey()] = c.Address
}

func (m *MemoryReservations) drop(c Claim) {
	delete(m.byAddr, c.Address)
	delete(m.names, c.NameKey())
	delete(m.sites, c.WebsiteKey())
}
