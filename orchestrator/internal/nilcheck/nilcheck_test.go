//go:build unit

package nilcheck

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type handler interface {
	Handle()
}

type typedHandler struct{}

func (*typedHandler) Handle() {}

func TestInterface(t *testing.T) {
	t.Parallel()

	var typed *typedHandler

	var boxed handler = typed

	require.True(t, Interface(nil))
	require.True(t, Interface(boxed))
	require.True(t, Interface(map[string]int(nil)))
	require.False(t, Interface(&typedHandler{}))
	require.False(t, Interface(42))
}
