package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasCode(t *testing.T) {
	t.Run("matches wrapped coded error", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", New(CodeConflict, "key reused"))
		assert.True(t, HasCode(err, CodeConflict))
		assert.False(t, HasCode(err, CodeNotFound))
	})

	t.Run("plain errors are internal", func(t *testing.T) {
		err := errors.New("boom")
		assert.Equal(t, CodeInternal, CodeOf(err))
		assert.False(t, HasCode(nil, CodeInternal))
	})

	t.Run("wrap keeps cause reachable", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := Wrap(cause, CodeDatabase, "failed to insert")
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "failed to insert", MessageOf(err))
	})
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeConflict:         http.StatusConflict,
		CodeNotSettled:       http.StatusConflict,
		CodeSignatureInvalid: http.StatusUnauthorized,
		CodeValidation:       http.StatusBadRequest,
		CodeDatabase:         http.StatusServiceUnavailable,
		CodeProcessor:        http.StatusBadGateway,
		CodeInternal:         http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), "code %s", code)
	}
}
