package identity

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
)

// maxLookupBatch bounds a single ANY($1) lookup.
const maxLookupBatch = 500

// PostgresDirectory reads public profile fields from the Identity Store's users table.
//
// Ownership model: the pool is owned by the caller.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresDirectory behavior.
type PostgresOption func(*PostgresDirectory) error

// WithSchema sets the DB schema holding the users table (default: "courier").
func WithSchema(schema string) PostgresOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return OpError{Op: "identity.WithSchema", Kind: ErrInvalidInput, Msg: "empty schema"}
		}
		if !pgIdentIsValid(schema) {
			return OpError{Op: "identity.WithSchema", Kind: ErrInvalidInput, Msg: "invalid schema identifier"}
		}
		d.schema = schema
		return nil
	}
}

// NewPostgresDirectory constructs a Directory backed by PostgreSQL.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{
		pool:   pool,
		schema: "courier",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, errors.New("identity: nil pool")
	}
	return d, nil
}

// LookupProfiles resolves display name (display_name, then username) and email for userIDs.
func (d *PostgresDirectory) LookupProfiles(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	if d == nil || d.pool == nil {
		return nil, errors.New("identity: nil directory")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	want := lo.Uniq(lo.Filter(userIDs, func(id string, _ int) bool {
		return strings.TrimSpace(id) != ""
	}))
	out := make(map[string]Profile, len(want))
	if len(want) == 0 {
		return out, nil
	}

	users := pgIdent(d.schema, "users")

	for _, batch := range lo.Chunk(want, maxLookupBatch) {
		rows, err := d.pool.Query(ctx,
			`SELECT id,
			        COALESCE(NULLIF(display_name, ''), username, ''),
			        COALESCE(email, '')
			   FROM `+users+`
			  WHERE id = ANY($1)`,
			batch,
		)
		if err != nil {
			return nil, err
		}

		for rows.Next() {
			var p Profile
			if err := rows.Scan(&p.ID, &p.Name, &p.Email); err != nil {
				rows.Close()
				return nil, err
			}
			out[p.ID] = p
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	return out, nil
}

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// pgIdentIsValid checks if a string is a safe Postgres identifier.
func pgIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}
