package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	err := InsufficientCredits(30, 10)
	require.Error(t, err)
	assert.True(t, Is(err, KindInsufficientCredits))
	assert.False(t, Is(err, KindConflict))

	got, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, int64(30), got.Details["required"])
}

func TestWrapUnwrap(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := Internal("store write failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")
}
