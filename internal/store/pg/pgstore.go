// Package pg holds the Postgres-backed side tables: the duplicate index and
// issuer name/website claims. The ledger stays the source of truth for
// registry state.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"credledger.org/internal/duplicate"
	"credledger.org/internal/ledger"
	"credledger.org/internal/registry"
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// DuplicateIndex returns the credential_index view of the store.
func (s *Store) DuplicateIndex() *DuplicateIndex { return &DuplicateIndex{db: s.db} }

// Reservations returns the issuer_claims view of the store.
func (s *Store) Reservations() *Reservations { return &Reservations{db: s.db} }

// DuplicateIndex maps (issuer, composite hash) to token ids.
type DuplicateIndex struct {
	db *sql.DB
}

var _ duplicate.Index = (*DuplicateIndex)(nil)

func (d *DuplicateIndex) Lookup(ctx context.Context, issuer ledger.Address, hash string) ([]uint64, error) {
	rows, err := d.db.QueryContext(ctx, `
		select token_id from credential_index
		where issuer = $1 and composite_hash = $2
		order by token_id asc
	`, issuer.String(), hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, uint64(id))
	}
	return ids, rows.Err()
}

func (d *DuplicateIndex) Record(ctx context.Context, issuer ledger.Address, hash string, tokenID uint64) error {
	_, err := d.db.ExecContext(ctx, `
		insert into credential_index(issuer, composite_hash, token_id)
		values ($1, $2, $3)
		on conflict do nothing
	`, issuer.String(), hash, int64(tokenID))
	return err
}

// Reservations keeps issuer names and websites unique with table constraints.
type Reservations struct {
	db *sql.DB
}

var _ registry.Reservations = (*Reservations)(nil)

func (r *Reservations) Reserve(ctx context.Context, c registry.Claim) (*registry.Claim, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var prev *registry.Claim
	var name, website string
	err = tx.QueryRowContext(ctx, `select name, website from issuer_claims where address = $1 for update`,
		c.Address.String()).Scan(&name, &website)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		prev = &registry.Claim{Address: c.Address, Name: name, Website: website}
	}

	if _, err := tx.ExecContext(ctx, `delete from issuer_claims where address = $1`, c.Address.String()); err != nil {
		return nil, err
	}
	if err := insertClaim(ctx, tx, c); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return prev, nil
}

func (r *Reservations) Restore(ctx context.Context, addr ledger.Address, prev *registry.Claim) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from issuer_claims where address = $1`, addr.String()); err != nil {
		return err
	}
	if prev != nil {
		if err := insertClaim(ctx, tx, *prev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertClaim(ctx context.Context, tx *sql.Tx, c registry.Claim) error {
	_, err := tx.ExecContext(ctx, `
		insert into issuer_claims(address, name_key, website_key, name, website)
		values ($1, $2, $3, $4, $5)
	`, c.Address.String(), c.NameKey(), c.WebsiteKey(), c.Name, c.Website)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", registry.ErrMetadataTaken, pgErr.ConstraintName)
	}
	return err
}
