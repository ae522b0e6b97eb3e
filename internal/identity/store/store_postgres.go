package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"reconcile/internal/identity"
	"reconcile/pkg/platform/sentinel"
	"reconcile/pkg/requestcontext"
)

// Schema is the contact table layout. Lookup columns used by the match and
// gather queries are indexed; the check constraints back up the engine-level
// depth-1 guard at the storage layer.
const Schema = `
CREATE TABLE IF NOT EXISTS contacts (
    id              BIGSERIAL PRIMARY KEY,
    email           TEXT,
    phone           TEXT,
    link_precedence TEXT NOT NULL CHECK (link_precedence IN ('primary', 'secondary')),
    linked_id       BIGINT REFERENCES contacts(id),
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at      TIMESTAMPTZ,
    CHECK (
        (link_precedence = 'primary' AND linked_id IS NULL)
        OR (link_precedence = 'secondary' AND linked_id IS NOT NULL)
    )
);
CREATE INDEX IF NOT EXISTS idx_contacts_email ON contacts (email) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_contacts_phone ON contacts (phone) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_contacts_linked_id ON contacts (linked_id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_contacts_link_precedence ON contacts (link_precedence);
CREATE INDEX IF NOT EXISTS idx_contacts_deleted_at ON contacts (deleted_at);
`

// EnsureSchema applies the contact schema. Deployments with managed
// migrations can skip this; dev and test environments call it at startup.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure contacts schema: %w", err)
	}
	return nil
}

const contactColumns = `id, email, phone, link_precedence, linked_id, created_at, updated_at, deleted_at`

// querier is satisfied by *sql.DB and *sql.Tx so the same store code serves
// both direct reads and transactional units of work.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Postgres persists contacts in PostgreSQL.
type Postgres struct {
	q querier
}

// NewPostgres constructs a PostgreSQL-backed contact store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{q: db}
}

// NewPostgresTx binds a store to an open transaction.
func NewPostgresTx(tx *sql.Tx) *Postgres {
	return &Postgres{q: tx}
}

func (s *Postgres) FindByEmailOrPhone(ctx context.Context, email, phone string) ([]*identity.Contact, error) {
	email = NormalizeEmail(email)
	phone = NormalizePhone(phone)
	if email == "" && phone == "" {
		return nil, nil
	}

	query := `
		SELECT ` + contactColumns + `
		FROM contacts
		WHERE deleted_at IS NULL
		  AND ((email = $1 AND $1 <> '') OR (phone = $2 AND $2 <> ''))
	`
	rows, err := s.q.QueryContext(ctx, query, email, phone)
	if err != nil {
		return nil, fmt.Errorf("find contacts by email or phone: %w", err)
	}
	defer rows.Close()

	return scanContacts(rows)
}

func (s *Postgres) FindByID(ctx context.Context, id int64) (*identity.Contact, error) {
	query := `
		SELECT ` + contactColumns + `
		FROM contacts
		WHERE id = $1 AND deleted_at IS NULL
	`
	c, err := scanContact(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find contact %d: %w", id, err)
	}
	return c, nil
}

func (s *Postgres) FindSecondariesOf(ctx context.Context, primaryID int64) ([]*identity.Contact, error) {
	query := `
		SELECT ` + contactColumns + `
		FROM contacts
		WHERE linked_id = $1 AND deleted_at IS NULL
	`
	rows, err := s.q.QueryContext(ctx, query, primaryID)
	if err != nil {
		return nil, fmt.Errorf("find secondaries of %d: %w", primaryID, err)
	}
	defer rows.Close()

	return scanContacts(rows)
}

func (s *Postgres) CreateContact(ctx context.Context, email, phone string, linkedID *int64, precedence identity.LinkPrecedence) (*identity.Contact, error) {
	if precedence == identity.LinkSecondary {
		if err := s.checkLinkTarget(ctx, linkedID); err != nil {
			return nil, err
		}
	} else if linkedID != nil {
		return nil, fmt.Errorf("primary contact cannot carry a link: %w", sentinel.ErrInvalidState)
	}

	now := requestcontext.Now(ctx)
	query := `
		INSERT INTO contacts (email, phone, link_precedence, linked_id, created_at, updated_at)
		VALUES (NULLIF($1, ''), NULLIF($2, ''), $3, $4, $5, $5)
		RETURNING ` + contactColumns
	row := s.q.QueryRowContext(ctx, query,
		NormalizeEmail(email), NormalizePhone(phone), string(precedence), nullID(linkedID), now)

	c, err := scanContact(row)
	if err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}
	return c, nil
}

func (s *Postgres) UpdateContact(ctx context.Context, id int64, precedence identity.LinkPrecedence, linkedID *int64) (*identity.Contact, error) {
	if precedence == identity.LinkSecondary {
		if err := s.checkLinkTarget(ctx, linkedID); err != nil {
			return nil, err
		}
	} else if linkedID != nil {
		return nil, fmt.Errorf("primary contact cannot carry a link: %w", sentinel.ErrInvalidState)
	}

	now := requestcontext.Now(ctx)
	query := `
		UPDATE contacts
		SET link_precedence = $2, linked_id = $3, updated_at = $4
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING ` + contactColumns
	c, err := scanContact(s.q.QueryRowContext(ctx, query, id, string(precedence), nullID(linkedID), now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("update contact %d: %w", id, err)
	}
	return c, nil
}

// checkLinkTarget rejects a write that would create a secondary pointing at
// anything other than a live primary. The schema check constraint cannot see
// the target row, so the guard lives here, inside the same transaction.
func (s *Postgres) checkLinkTarget(ctx context.Context, linkedID *int64) error {
	if linkedID == nil {
		return fmt.Errorf("secondary contact requires a link: %w", sentinel.ErrInvalidState)
	}
	var precedence string
	err := s.q.QueryRowContext(ctx,
		`SELECT link_precedence FROM contacts WHERE id = $1 AND deleted_at IS NULL`,
		*linkedID,
	).Scan(&precedence)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("link target %d does not exist: %w", *linkedID, sentinel.ErrInvalidState)
		}
		return fmt.Errorf("check link target %d: %w", *linkedID, err)
	}
	if identity.LinkPrecedence(precedence) != identity.LinkPrimary {
		return fmt.Errorf("link target %d is not a primary: %w", *linkedID, sentinel.ErrInvalidState)
	}
	return nil
}

func scanContacts(rows *sql.Rows) ([]*identity.Contact, error) {
	var contacts []*identity.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return contacts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*identity.Contact, error) {
	var (
		c          identity.Contact
		email      sql.NullString
		phone      sql.NullString
		precedence string
		linkedID   sql.NullInt64
		deletedAt  sql.NullTime
	)
	if err := row.Scan(&c.ID, &email, &phone, &precedence, &linkedID, &c.CreatedAt, &c.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	c.Email = email.String
	c.Phone = phone.String
	c.LinkPrecedence = identity.LinkPrecedence(precedence)
	if linkedID.Valid {
		v := linkedID.Int64
		c.LinkedID = &v
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		c.DeletedAt = &t
	}
	return &c, nil
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

var _ Store = (*Postgres)(nil)
