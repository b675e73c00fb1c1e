package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := Validation("parse date", "bad date %q", "2024-13-01")

	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, `parse date: bad date "2024-13-01"`, err.Error())
}

func TestWrap_KeepsCauseAndKind(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("import: %w", Wrap(KindTransientService, "fetch rows", cause))

	assert.True(t, errors.Is(err, ErrTransientService))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindTransientService, KindOf(err))
}

func TestWrap_NilCause(t *testing.T) {
	assert.NoError(t, Wrap(KindNotFound, "op", nil))
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}
