package lww_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ltransom/datacake/internal/lww"
)

func TestRegistryGetCreatesOnFirstUse(t *testing.T) {
	r := lww.NewRegistry()
	ks := r.Get("orders")
	require.Equal(t, "orders", ks.Name())
	require.Contains(t, r.Names(), "orders")
}

func TestRegistryGetReturnsSameInstance(t *testing.T) {
	r := lww.NewRegistry()
	a := r.Get("orders")
	b := r.Get("orders")
	require.Same(t, a, b)
}
