// Package devices owns device identity on the server: device records and
// their hashed secrets, invite tokens for enrolling new devices, JWT
// session tokens, and the short-lived setup cookie used by the browser
// pairing flow.
package devices

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/dotbot-ai/dotbot/internal/observability"
)

// Device is one enrolled machine.
type Device struct {
	ID            string
	Name          string
	SecretHash    string
	HWFingerprint string
	Status        string // active | revoked
	IsAdmin       bool
	CreatedAt     time.Time
	LastSeenAt    time.Time
}

// Invite is a pairing token record. The plaintext token is returned once at
// creation; only its SHA-256 lands in the store.
type Invite struct {
	TokenHash string
	Label     string
	MaxUses   int
	UsedCount int
	Status    string // active | consumed | revoked | expired
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Store persists devices and invites in SQLite.
type Store struct {
	db  *sql.DB
	log *observability.Logger
	now func() time.Time
}

// Open opens (and migrates) the device store at path. Use ":memory:" in
// tests.
func Open(path string, logger *observability.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("devices: open %s: %w", path, err)
	}
	s := &Store{db: db, log: logger, now: time.Now}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenDB wraps an existing database handle, for callers sharing one
// server database across stores.
func OpenDB(db *sql.DB, logger *observability.Logger) (*Store, error) {
	s := &Store{db: db, log: logger, now: time.Now}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithNow overrides the clock for tests.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.now = now
	return s
}

// Close releases the database when this store owns it.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			secret_hash TEXT NOT NULL,
			hw_fingerprint TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			is_admin INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			last_seen_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS invites (
			token_hash TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			max_uses INTEGER NOT NULL DEFAULT 1,
			used_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status)`,
		`CREATE INDEX IF NOT EXISTS idx_invites_status ON invites(status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("devices: migrate: %w", err)
		}
	}
	return nil
}

// HashSecret is the canonical hash for device secrets and invite tokens.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// CreateDevice enrolls a device and returns its record along with the
// plaintext secret, which is never stored.
func (s *Store) CreateDevice(ctx context.Context, name, fingerprint string, isAdmin bool) (*Device, string, error) {
	secret := uuid.NewString() + uuid.NewString()
	d := &Device{
		ID:            uuid.NewString(),
		Name:          name,
		SecretHash:    HashSecret(secret),
		HWFingerprint: fingerprint,
		Status:        "active",
		IsAdmin:       isAdmin,
		CreatedAt:     s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, name, secret_hash, hw_fingerprint, status, is_admin, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.SecretHash, d.HWFingerprint, d.Status, boolInt(d.IsAdmin), d.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("devices: create: %w", err)
	}
	return d, secret, nil
}

// GetDevice fetches one device record.
func (s *Store) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, secret_hash, hw_fingerprint, status, is_admin, created_at, COALESCE(last_seen_at, created_at)
		 FROM devices WHERE id = ?`, id)
	d := &Device{}
	var isAdmin int
	err := row.Scan(&d.ID, &d.Name, &d.SecretHash, &d.HWFingerprint, &d.Status, &isAdmin, &d.CreatedAt, &d.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("devices: get: %w", err)
	}
	d.IsAdmin = isAdmin != 0
	return d, nil
}

// ListDevices returns every device, newest first.
func (s *Store) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, secret_hash, hw_fingerprint, status, is_admin, created_at, COALESCE(last_seen_at, created_at)
		 FROM devices ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("devices: list: %w", err)
	}
	defer rows.Close()
	var out []*Device
	for rows.Next() {
		d := &Device{}
		var isAdmin int
		if err := rows.Scan(&d.ID, &d.Name, &d.SecretHash, &d.HWFingerprint, &d.Status, &isAdmin, &d.CreatedAt, &d.LastSeenAt); err != nil {
			return nil, err
		}
		d.IsAdmin = isAdmin != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// RevokeDevice marks a device revoked. Revocation wins over a matching
// secret at auth time.
func (s *Store) RevokeDevice(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET status = 'revoked' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("devices: revoke: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// TouchDevice records a successful authentication.
func (s *Store) TouchDevice(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET last_seen_at = ? WHERE id = ?`, s.now().UTC(), id)
	return err
}

// RotateFingerprint replaces the stored hardware fingerprint after a
// mismatch. Availability over defence-in-depth: the secret is the real
// auth factor, the fingerprint is only monitored.
func (s *Store) RotateFingerprint(ctx context.Context, id, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET hw_fingerprint = ? WHERE id = ?`, fingerprint, id)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
