package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	base := errors.New("boom")
	err := WrapError(ErrCodeSendFailed, "send on 0=>1:*", base)

	assert.Equal(t, "SEND_FAILED: send on 0=>1:*: boom", err.Error())
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "INVALID: bad", NewError(ErrCodeInvalid, "bad").Error())
}

func TestIsErrCodeThroughWrapping(t *testing.T) {
	inner := NewError(ErrCodeSessionLockLost, "lock lost")
	outer := WrapError(ErrCodeRetriesExhausted, "gave up", inner)
	wrapped := fmt.Errorf("recv: %w", outer)

	assert.True(t, IsErrCode(wrapped, ErrCodeRetriesExhausted))
	assert.True(t, IsErrCode(wrapped, ErrCodeSessionLockLost))
	assert.False(t, IsErrCode(wrapped, ErrCodeSetupFailure))
	assert.False(t, IsErrCode(errors.New("plain"), ErrCodeInternal))
	assert.False(t, IsErrCode(nil, ErrCodeInternal))

	assert.Equal(t, ErrCodeRetriesExhausted, GetErrorCode(wrapped))
	assert.Equal(t, "", GetErrorCode(errors.New("plain")))
}

func TestGenerateID(t *testing.T) {
	a := GenerateID()
	b := GenerateID()
	assert.False(t, a.IsEmpty())
	assert.NotEqual(t, a, b)
	assert.Len(t, a.String(), 32)
}
