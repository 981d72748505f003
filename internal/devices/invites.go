package devices

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// tokenAlphabet is base32 without the lookalikes 0/O/1/l/I.
const tokenAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// DefaultInviteTTL is how long a fresh invite stays redeemable.
const DefaultInviteTTL = 7 * 24 * time.Hour

// Invite redemption errors.
var (
	ErrInviteNotFound = errors.New("invite_not_found")
	ErrInviteExpired  = errors.New("invite_expired")
	ErrInviteConsumed = errors.New("invite_consumed")
	ErrInviteRevoked  = errors.New("invite_revoked")
)

// InviteOptions tunes CreateInvite. Zero values mean one use and the
// default TTL.
type InviteOptions struct {
	Label   string
	MaxUses int
	TTL     time.Duration
}

// GenerateToken produces a pairing token of the form
// dbot-XXXX-XXXX-XXXX-XXXX.
func GenerateToken() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("devices: token entropy: %w", err)
	}
	var b strings.Builder
	b.WriteString("dbot")
	for i, c := range raw {
		if i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(tokenAlphabet[int(c)%len(tokenAlphabet)])
	}
	return b.String(), nil
}

// CreateInvite mints an invite and returns the record plus the plaintext
// token. The plaintext is returned exactly once; only its hash is stored.
func (s *Store) CreateInvite(ctx context.Context, opts InviteOptions) (*Invite, string, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, "", err
	}
	if opts.MaxUses <= 0 {
		opts.MaxUses = 1
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultInviteTTL
	}
	inv := &Invite{
		TokenHash: HashSecret(token),
		Label:     opts.Label,
		MaxUses:   opts.MaxUses,
		Status:    "active",
		ExpiresAt: s.now().UTC().Add(opts.TTL),
		CreatedAt: s.now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO invites (token_hash, label, max_uses, used_count, status, expires_at, created_at)
		 VALUES (?, ?, ?, 0, 'active', ?, ?)`,
		inv.TokenHash, inv.Label, inv.MaxUses, inv.ExpiresAt, inv.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("devices: create invite: %w", err)
	}
	return inv, token, nil
}

// RedeemInvite validates a plaintext token and burns one use. The token
// transitions to consumed when used_count reaches max_uses.
func (s *Store) RedeemInvite(ctx context.Context, token string) (*Invite, error) {
	hash := HashSecret(strings.TrimSpace(token))
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("devices: redeem: %w", err)
	}
	defer tx.Rollback()

	inv := &Invite{}
	row := tx.QueryRowContext(ctx,
		`SELECT token_hash, label, max_uses, used_count, status, expires_at, created_at
		 FROM invites WHERE token_hash = ?`, hash)
	err = row.Scan(&inv.TokenHash, &inv.Label, &inv.MaxUses, &inv.UsedCount, &inv.Status, &inv.ExpiresAt, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInviteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("devices: redeem: %w", err)
	}

	switch inv.Status {
	case "revoked":
		return nil, ErrInviteRevoked
	case "consumed":
		return nil, ErrInviteConsumed
	case "expired":
		return nil, ErrInviteExpired
	}
	if s.now().UTC().After(inv.ExpiresAt) {
		_, _ = tx.ExecContext(ctx, `UPDATE invites SET status = 'expired' WHERE token_hash = ?`, hash)
		_ = tx.Commit()
		return nil, ErrInviteExpired
	}

	inv.UsedCount++
	status := "active"
	if inv.UsedCount >= inv.MaxUses {
		status = "consumed"
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE invites SET used_count = ?, status = ? WHERE token_hash = ?`,
		inv.UsedCount, status, hash); err != nil {
		return nil, fmt.Errorf("devices: redeem: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("devices: redeem: %w", err)
	}
	inv.Status = status
	return inv, nil
}

// ListInvites returns every invite, newest first.
func (s *Store) ListInvites(ctx context.Context) ([]*Invite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token_hash, label, max_uses, used_count, status, expires_at, created_at
		 FROM invites ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("devices: list invites: %w", err)
	}
	defer rows.Close()
	var out []*Invite
	for rows.Next() {
		inv := &Invite{}
		if err := rows.Scan(&inv.TokenHash, &inv.Label, &inv.MaxUses, &inv.UsedCount, &inv.Status, &inv.ExpiresAt, &inv.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// RevokeInvite cancels an invite by its plaintext token or token hash.
func (s *Store) RevokeInvite(ctx context.Context, tokenOrHash string) error {
	hash := tokenOrHash
	if strings.HasPrefix(tokenOrHash, "dbot-") {
		hash = HashSecret(tokenOrHash)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE invites SET status = 'revoked' WHERE token_hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("devices: revoke invite: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInviteNotFound
	}
	return nil
}
