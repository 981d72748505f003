package devices

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SetupCookie carries the enrolled device's credentials through the
// browser setup flow. Format: <iv_hex>:<auth_tag_hex>:<ciphertext_hex>,
// AES-256-GCM over the JSON credentials with a per-process ephemeral key.
type SetupCookie struct {
	DeviceID     string `json:"deviceId"`
	DeviceSecret string `json:"deviceSecret"`
}

// CookieCodec seals and opens setup cookies. A fresh codec generates an
// ephemeral key, so cookies die with the process; pass a 32-byte key to
// share cookies across replicas.
type CookieCodec struct {
	aead cipher.AEAD
}

// ErrBadCookie covers every cookie decode failure.
var ErrBadCookie = errors.New("invalid setup cookie")

// NewCookieCodec builds a codec. key may be nil for an ephemeral one.
func NewCookieCodec(key []byte) (*CookieCodec, error) {
	if key == nil {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("devices: cookie key: %w", err)
		}
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("devices: cookie key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &CookieCodec{aead: aead}, nil
}

// Seal encrypts the cookie payload.
func (c *CookieCodec) Seal(cookie SetupCookie) (string, error) {
	plain, err := json.Marshal(cookie)
	if err != nil {
		return "", err
	}
	iv := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("devices: cookie nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, plain, nil)
	// GCM appends the 16-byte tag to the ciphertext; the wire format wants
	// them as separate hex fields.
	tagStart := len(sealed) - 16
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

// Open decrypts a sealed cookie.
func (c *CookieCodec) Open(sealed string) (SetupCookie, error) {
	parts := strings.Split(sealed, ":")
	if len(parts) != 3 {
		return SetupCookie{}, ErrBadCookie
	}
	iv, err1 := hex.DecodeString(parts[0])
	tag, err2 := hex.DecodeString(parts[1])
	ciphertext, err3 := hex.DecodeString(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || len(iv) != c.aead.NonceSize() {
		return SetupCookie{}, ErrBadCookie
	}
	plain, err := c.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return SetupCookie{}, ErrBadCookie
	}
	var cookie SetupCookie
	if err := json.Unmarshal(plain, &cookie); err != nil {
		return SetupCookie{}, ErrBadCookie
	}
	return cookie, nil
}
