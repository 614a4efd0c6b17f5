package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.class.String())
	}
}

func TestWrapFormatsContext(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "Pipeline", "Submit", "payload validation")
	require.Error(t, err)
	assert.Equal(t, "Pipeline.Submit: payload validation failed: boom", err.Error())
	assert.True(t, stderrors.Is(err, base))

	assert.NoError(t, Wrap(nil, "Pipeline", "Submit", "anything"))
}

func TestClassifiedWrappers(t *testing.T) {
	base := stderrors.New("boom")

	var ce *ClassifiedError

	err := WrapTransient(base, "Bus", "deliver", "subscriber write")
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "Bus", ce.Component)
	assert.True(t, IsTransient(err))
	assert.False(t, IsFatal(err))

	err = WrapInvalid(base, "Pipeline", "Submit", "missing timestamp")
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, ErrorInvalid, ce.Class)
	assert.True(t, IsInvalid(err))

	err = WrapFatal(base, "Pipeline", "Initialize", "queue allocation")
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, ErrorFatal, ce.Class)
	assert.True(t, IsFatal(err))
}

func TestSentinelClassification(t *testing.T) {
	assert.True(t, IsTransient(ErrBackpressure))
	assert.True(t, IsTransient(context.DeadlineExceeded))

	assert.True(t, IsInvalid(ErrValidation))
	assert.True(t, IsInvalid(ErrUnknownDomain))
	assert.True(t, IsInvalid(fmt.Errorf("submit: %w", ErrValidation)))

	assert.True(t, IsFatal(ErrMissingConfig))
	assert.True(t, IsFatal(ErrInvalidConfig))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsFatal(nil))
	assert.False(t, IsInvalid(nil))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorFatal, Classify(ErrMissingConfig))
	assert.Equal(t, ErrorInvalid, Classify(ErrValidation))
	assert.Equal(t, ErrorTransient, Classify(ErrBackpressure))
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("anything else")))
}
