package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHomeOSError_Format(t *testing.T) {
	err := NewError(ErrCodeNotFound, "task t1 not found")
	assert.Equal(t, "[NOT_FOUND] task t1 not found", err.Error())

	err = NewErrorf(ErrCodeActivity, "attempt %d failed", 3).WithStep("placeCall")
	assert.Equal(t, "[ACTIVITY_FAILED] placeCall: attempt 3 failed", err.Error())
}

func TestHomeOSError_Unwrap(t *testing.T) {
	root := errors.New("connection reset")
	err := NewError(ErrCodeExecution, "call failed").WithCause(root)
	assert.ErrorIs(t, err, root)
}

func TestHomeOSError_IsRetryable(t *testing.T) {
	cases := map[string]bool{
		ErrCodeExecution:    true,
		ErrCodeTimeout:      true,
		ErrCodeStore:        true,
		ErrCodeValidation:   false,
		ErrCodeConflict:     false,
		ErrCodeCircuitOpen:  false,
		ErrCodeTokenInvalid: false,
	}
	for code, want := range cases {
		assert.Equal(t, want, NewError(code, "x").IsRetryable(), code)
	}
}

func TestHasCode_WalksCauses(t *testing.T) {
	inner := NewError(ErrCodeConflict, "key reused")
	outer := NewError(ErrCodeActivity, "executeToolCall failed").WithCause(inner)
	wrapped := fmt.Errorf("step: %w", outer)

	assert.True(t, HasCode(wrapped, ErrCodeActivity))
	assert.True(t, HasCode(wrapped, ErrCodeConflict))
	assert.False(t, HasCode(wrapped, ErrCodeNotFound))
	assert.Equal(t, ErrCodeActivity, ErrorCode(wrapped))
	assert.Equal(t, "", ErrorCode(errors.New("plain")))
}
