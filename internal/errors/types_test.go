package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineErrorFormatting(t *testing.T) {
	plain := New(ErrCodeDuplicateMessage, "message already stored")
	assert.Equal(t, "DUPLICATE_MESSAGE: message already stored", plain.Error())

	cause := stderrors.New("disk full")
	wrapped := Wrap(cause, ErrCodeStoreTransaction, "insert failed")
	assert.Equal(t, "STORE_TRANSACTION_FAILED: insert failed: disk full", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}

func TestRetryable(t *testing.T) {
	cause := stderrors.New("timeout")

	assert.True(t, IsRetryable(WrapRetryable(cause, ErrCodeRemoteStore, "push failed")))
	assert.False(t, IsRetryable(Wrap(cause, ErrCodeRemoteStore, "push failed")))
	assert.False(t, IsRetryable(cause))
	assert.False(t, IsRetryable(nil))
}

func TestGetCodeThroughWrapping(t *testing.T) {
	inner := New(ErrCodeExpired, "message too old")
	outer := fmt.Errorf("sweep failed: %w", inner)

	assert.Equal(t, ErrCodeExpired, GetCode(outer))
	assert.Equal(t, ErrCodeInternalError, GetCode(stderrors.New("anonymous")))
}

func TestHasCodeAndIsDuplicate(t *testing.T) {
	dup := New(ErrCodeDuplicateMessage, "already stored")
	wrapped := fmt.Errorf("insert: %w", dup)

	assert.True(t, HasCode(wrapped, ErrCodeDuplicateMessage))
	assert.False(t, HasCode(wrapped, ErrCodeExpired))
	assert.True(t, IsDuplicate(wrapped))
	assert.False(t, IsDuplicate(New(ErrCodeRetryExhausted, "budget spent")))
}

func TestWithContext(t *testing.T) {
	err := New(ErrCodeDeliveryTimeout, "send timed out").
		WithContext("device_id", "****EE:FF").
		WithContext("retry", 3)

	require.NotNil(t, err.Context)
	assert.Equal(t, "****EE:FF", err.Context["device_id"])
	assert.Equal(t, 3, err.Context["retry"])
}
