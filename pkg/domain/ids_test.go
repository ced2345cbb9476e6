package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "payguard/pkg/domain-errors"
)

// TestParseTenantID validates the trust-boundary invariant that tenant ids are
// non-empty, bounded and restricted to a safe alphabet.
func TestParseTenantID(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseTenantID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects path traversal and whitespace", func(t *testing.T) {
		for _, in := range []string{"../etc", "a b", "tenant/1", strings.Repeat("a", 65)} {
			_, err := ParseTenantID(in)
			assert.Error(t, err, "input %q", in)
		}
	})

	t.Run("accepts app style identifiers", func(t *testing.T) {
		tenantID, err := ParseTenantID("test-app")
		require.NoError(t, err)
		assert.Equal(t, TenantID("test-app"), tenantID)
	})
}

func TestParseReferenceID(t *testing.T) {
	t.Run("accepts colon separated intents", func(t *testing.T) {
		ref, err := ParseReferenceID("tip:2026-01-23:driver123:customer456")
		require.NoError(t, err)
		assert.Equal(t, "tip:2026-01-23:driver123:customer456", ref.String())
	})

	t.Run("rejects spaces and oversize values", func(t *testing.T) {
		_, err := ParseReferenceID("has space")
		assert.Error(t, err)
		_, err = ParseReferenceID(strings.Repeat("r", 256))
		assert.Error(t, err)
	})
}
