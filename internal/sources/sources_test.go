package sources

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrKind_Retryable(t *testing.T) {
	retryable := []ErrKind{KindTransient, KindRateLimited, KindLockContention}
	terminal := []ErrKind{KindAuthFailed, KindNotFound, KindMalformed, KindSchemaDrift, KindIllegalState, KindInternal}

	for _, k := range retryable {
		assert.Truef(t, k.Retryable(), "expected %s to be retryable", k)
	}
	for _, k := range terminal {
		assert.Falsef(t, k.Retryable(), "expected %s to be terminal", k)
	}
}

func TestSourceError_ErrorAndUnwrap(t *testing.T) {
	underlying := errors.New("connection reset")
	err := NewError("fetch_price", KindTransient, underlying)

	assert.Equal(t, "fetch_price: transient: connection reset", err.Error())
	assert.Equal(t, underlying, errors.Unwrap(err))
}

func TestSourceError_NilUnderlying(t *testing.T) {
	err := NewError("fetch_price", KindNotFound, nil)
	assert.Equal(t, "fetch_price: not_found", err.Error())
}

func TestKindOf(t *testing.T) {
	wrapped := NewError("op", KindRateLimited, errors.New("429"))
	assert.Equal(t, KindRateLimited, KindOf(wrapped))

	assert.Equal(t, KindInternal, KindOf(errors.New("unclassified")))
	assert.Equal(t, KindInternal, KindOf(nil))
}
