package devices

import (
	"context"
	"crypto/subtle"
	"errors"
)

// Auth failure sentinels. AuthenticateDevice returns exactly one of these
// on failure; callers map them to wire responses.
var (
	ErrDeviceNotFound = errors.New("device_not_found")
	ErrDeviceRevoked  = errors.New("device_revoked")
	ErrBadSecret      = errors.New("invalid_secret")
)

// AuthenticateDevice checks a device id + secret pair. Revocation is
// checked before the secret so a revoked device learns nothing about
// whether its secret still matches. A fingerprint mismatch rotates the
// stored fingerprint and logs a security event but does not fail auth.
func (s *Store) AuthenticateDevice(ctx context.Context, id, secret, fingerprint string) (*Device, error) {
	d, err := s.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == "revoked" {
		return nil, ErrDeviceRevoked
	}
	if subtle.ConstantTimeCompare([]byte(d.SecretHash), []byte(HashSecret(secret))) != 1 {
		return nil, ErrBadSecret
	}

	if fingerprint != "" && d.HWFingerprint != "" && fingerprint != d.HWFingerprint {
		if s.log != nil {
			s.log.Warn(ctx, "device fingerprint mismatch, rotating",
				"device_id", d.ID)
		}
		if err := s.RotateFingerprint(ctx, d.ID, fingerprint); err == nil {
			d.HWFingerprint = fingerprint
		}
	} else if fingerprint != "" && d.HWFingerprint == "" {
		_ = s.RotateFingerprint(ctx, d.ID, fingerprint)
		d.HWFingerprint = fingerprint
	}

	_ = s.TouchDevice(ctx, d.ID)
	return d, nil
}
