package domainerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapNilIsNil(t *testing.T) {
	require.NoError(t, Wrap(nil, CodeInternal, "ignored"))
}

func TestHasCodeWalksChain(t *testing.T) {
	inner := New(CodeUnavailable, "backend down")
	outer := Wrap(inner, CodeInternal, "initialize failed")

	assert.True(t, HasCode(outer, CodeInternal))
	assert.True(t, HasCode(outer, CodeUnavailable))
	assert.False(t, HasCode(outer, CodeConflict))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeRateLimited, CodeOf(New(CodeRateLimited, "wait")))

	wrapped := Wrap(New(CodeValidation, "bad email"), CodeConflict, "signup")
	assert.Equal(t, CodeConflict, CodeOf(wrapped))
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("pq: connection refused")
	err := Wrap(cause, CodeUnavailable, "onboarding store")
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection refused")
}
