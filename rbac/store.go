package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Account is a persisted caller identity.
type Account struct {
	Subject  string `json:"subject"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// RolePermission is a PermissionEntry together with the role it belongs to.
type RolePermission struct {
	Role Role `json:"role"`
	PermissionEntry
}

// Store reads and writes role assignments and permission entries in the
// portal's relational data service.
type Store struct {
	db *pgxpool.Pool
}

// NewStore wraps a connection pool.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Migrate creates the tables the resolvers read and seeds the role tiers.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
            subject TEXT PRIMARY KEY,
            email TEXT NOT NULL,
            full_name TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`,
		`CREATE TABLE IF NOT EXISTS roles (
            name TEXT PRIMARY KEY,
            description TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`,
		`CREATE TABLE IF NOT EXISTS account_roles (
            subject TEXT NOT NULL REFERENCES accounts(subject) ON DELETE CASCADE,
            role_name TEXT NOT NULL REFERENCES roles(name) ON DELETE CASCADE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            UNIQUE (subject, role_name)
        )`,
		`CREATE TABLE IF NOT EXISTS role_permissions (
            role_name TEXT NOT NULL REFERENCES roles(name) ON DELETE CASCADE,
            route TEXT NOT NULL,
            screen_name TEXT NOT NULL DEFAULT '',
            allow BOOLEAN NOT NULL DEFAULT TRUE,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (role_name, route)
        )`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	return s.seedRoles(ctx)
}

func (s *Store) seedRoles(ctx context.Context) error {
	descriptions := map[Role]string{
		RoleAdmin:     "Full portal administration",
		RoleModerator: "Content moderation for announcements and knowledge base",
		RoleUser:      "Regular intranet access",
	}

	batch := &pgx.Batch{}
	for _, role := range AllRoles {
		batch.Queue(`INSERT INTO roles (name, description) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`, string(role), descriptions[role])
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()
	for range AllRoles {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("seed roles: %w", err)
		}
	}
	return nil
}

// RolesFor loads the tiers assigned to subject. Unknown role names stored
// in the table are skipped.
func (s *Store) RolesFor(ctx context.Context, subject string) (Roles, error) {
	rows, err := s.db.Query(ctx, `SELECT role_name FROM account_roles WHERE subject = $1`, subject)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read roles: %w", err)
	}
	return ParseRoles(names), nil
}

// PermissionsFor loads the union of entries attached to roles.
func (s *Store) PermissionsFor(ctx context.Context, roles Roles) ([]PermissionEntry, error) {
	if len(roles) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(ctx,
		`SELECT route, screen_name, allow FROM role_permissions
         WHERE role_name = ANY($1)
         ORDER BY route, role_name`,
		roles.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()

	var entries []PermissionEntry
	for rows.Next() {
		var entry PermissionEntry
		if err := rows.Scan(&entry.Route, &entry.Screen, &entry.Allow); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read permissions: %w", err)
	}
	return entries, nil
}

// UpsertAccount records the identity reported by the identity provider and
// grants defaultRole when the account has no tier yet.
func (s *Store) UpsertAccount(ctx context.Context, account Account, defaultRole Role) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO accounts (subject, email, full_name)
         VALUES ($1, $2, $3)
         ON CONFLICT (subject)
         DO UPDATE SET email = EXCLUDED.email, full_name = EXCLUDED.full_name`,
		account.Subject, strings.ToLower(account.Email), account.FullName,
	); err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}

	if defaultRole != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO account_roles (subject, role_name)
             SELECT $1, $2
             WHERE NOT EXISTS (SELECT 1 FROM account_roles WHERE subject = $1)`,
			account.Subject, string(defaultRole),
		); err != nil {
			return fmt.Errorf("assign default role: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ErrUnknownAccount is returned when assigning roles to a missing subject.
var ErrUnknownAccount = errors.New("unknown account")

// AssignRoles replaces the role set of subject.
func (s *Store) AssignRoles(ctx context.Context, subject string, roles Roles) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE subject = $1)`, subject).Scan(&exists); err != nil {
		return fmt.Errorf("lookup account: %w", err)
	}
	if !exists {
		return ErrUnknownAccount
	}

	if _, err := tx.Exec(ctx, `DELETE FROM account_roles WHERE subject = $1`, subject); err != nil {
		return fmt.Errorf("clear roles: %w", err)
	}

	batch := &pgx.Batch{}
	for _, role := range roles {
		batch.Queue(`INSERT INTO account_roles (subject, role_name) VALUES ($1, $2)`, subject, string(role))
	}
	br := tx.SendBatch(ctx, batch)
	for range roles {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert role: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert roles: %w", err)
	}

	return tx.Commit(ctx)
}

// ListPermissions returns every entry ordered by role then route.
func (s *Store) ListPermissions(ctx context.Context) ([]RolePermission, error) {
	rows, err := s.db.Query(ctx, `SELECT role_name, route, screen_name, allow FROM role_permissions ORDER BY role_name, route`)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()

	var out []RolePermission
	for rows.Next() {
		var (
			role string
			rp   RolePermission
		)
		if err := rows.Scan(&role, &rp.Route, &rp.Screen, &rp.Allow); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		rp.Role = Role(role)
		out = append(out, rp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read permissions: %w", err)
	}
	return out, nil
}

// SetPermission inserts or replaces the entry for (role, route).
func (s *Store) SetPermission(ctx context.Context, rp RolePermission) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO role_permissions (role_name, route, screen_name, allow)
         VALUES ($1, $2, $3, $4)
         ON CONFLICT (role_name, route)
         DO UPDATE SET screen_name = EXCLUDED.screen_name, allow = EXCLUDED.allow, updated_at = NOW()`,
		string(rp.Role), rp.Route, rp.Screen, rp.Allow,
	)
	if err != nil {
		return fmt.Errorf("set permission: %w", err)
	}
	return nil
}

// DeletePermission removes the entry for (role, route). It reports whether
// a row existed.
func (s *Store) DeletePermission(ctx context.Context, role Role, route string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM role_permissions WHERE role_name = $1 AND route = $2`, string(role), route)
	if err != nil {
		return false, fmt.Errorf("delete permission: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
