package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMatchesByCode(t *testing.T) {
	err := New(CodeInsufficientQty, "buy", "remaining %d < requested %d", 2, 3)
	wrapped := fmt.Errorf("create buy: %w", err)

	require.True(t, stderrors.Is(wrapped, ErrInsufficientQty))
	require.False(t, stderrors.Is(wrapped, ErrNotFound))
	require.Equal(t, CodeInsufficientQty, CodeOf(wrapped))
	require.Contains(t, wrapped.Error(), "remaining 2 < requested 3")
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("dial tcp: connection refused")
	err := Wrap(CodeChain, "receipt", cause)

	require.ErrorIs(t, err, ErrChain)
	require.ErrorIs(t, err, cause)
	require.Nil(t, Wrap(CodeChain, "receipt", nil))
	require.Equal(t, Code(""), CodeOf(cause))
}
