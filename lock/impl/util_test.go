package impl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRandID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := newRandID()
		require.Len(t, id, 24)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestNewOwnerToken(t *testing.T) {
	managerID := newRandID()
	first := newOwnerToken(managerID)
	second := newOwnerToken(managerID)

	require.True(t, strings.HasPrefix(first, managerID+":"))
	require.True(t, strings.HasPrefix(second, managerID+":"))
	require.NotEqual(t, first, second)
}
