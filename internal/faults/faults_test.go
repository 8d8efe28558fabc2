package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := New(KindParse, "bad payload tag %q", "pingx")
	assert.Equal(t, KindParse, KindOf(err))
	assert.True(t, IsKind(err, KindParse))
	assert.False(t, IsKind(err, KindTimeout))
}

func TestKindOfWrapped(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindTransientRemote, cause, "notice gateway call")

	// Kind survives further fmt wrapping.
	outer := fmt.Errorf("failed to execute sub task: %w", err)
	assert.Equal(t, KindTransientRemote, KindOf(outer))
	require.ErrorIs(t, outer, cause)
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindTransientRemote, "503 from gateway")))
	assert.False(t, Retryable(New(KindBlocked, "circuit broken")))
	assert.False(t, Retryable(New(KindPermanentRemote, "400 bad request")))
	assert.False(t, Retryable(nil))
}
