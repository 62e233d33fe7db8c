package status

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrRoundTrip(t *testing.T) {
	st := New(DeadlineExceeded, "no response after 2s")
	err := st.Err()
	assert.Error(t, err)
	assert.Equal(t, DeadlineExceeded, CodeOf(err))
	assert.Equal(t, "no response after 2s", FromError(err).Message())
}

func TestOkHasNoError(t *testing.T) {
	assert.Nil(t, New(Ok, "").Err())
	assert.Equal(t, Ok, CodeOf(nil))
}

func TestWrapErrKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := WrapErr(Unavailable, cause).Err()
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, Unavailable, CodeOf(err))
}

func TestWrappedStatusSurvivesFmtErrorf(t *testing.T) {
	err := New(Cancelled, "caller went away").Err()
	wrapped := fmt.Errorf("invoking /echo.Echo/Ping: %w", err)
	assert.Equal(t, Cancelled, CodeOf(wrapped))
}

func TestForeignErrorClassifiedInternal(t *testing.T) {
	assert.Equal(t, Internal, CodeOf(errors.New("oops")))
}
