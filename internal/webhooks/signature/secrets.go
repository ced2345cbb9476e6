package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	id "payguard/pkg/domain"
)

// ErrUnknownTenant means no signing secret is configured for the tenant.
var ErrUnknownTenant = errors.New("no webhook secret for tenant")

// SecretResolver returns the webhook signing secret of a tenant.
type SecretResolver interface {
	Secret(tenantID id.TenantID) (string, error)
}

// Secrets resolves explicitly configured secrets first and falls back to a
// per-tenant key derived from the master secret.
type Secrets struct {
	static map[string]string
	master []byte
}

func NewSecrets(static map[string]string, master string) *Secrets {
	s := &Secrets{static: make(map[string]string, len(static))}
	for tenant, secret := range static {
		s.static[tenant] = secret
	}
	if master != "" {
		s.master = []byte(master)
	}
	return s
}

func (s *Secrets) Secret(tenantID id.TenantID) (string, error) {
	if secret, ok := s.static[tenantID.String()]; ok && secret != "" {
		return secret, nil
	}
	if len(s.master) == 0 {
		return "", ErrUnknownTenant
	}
	return DeriveSecret(s.master, tenantID)
}

// DeriveSecret expands master into a 32-byte tenant secret with HKDF-SHA256.
// Operators hand the derived value to the processor when registering the
// tenant's endpoint.
func DeriveSecret(master []byte, tenantID id.TenantID) (string, error) {
	r := hkdf.New(sha256.New, master, nil, []byte("payguard/webhook-secret/"+tenantID.String()))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(key), nil
}
