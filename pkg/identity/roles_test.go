package identity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	for _, role := range Catalog {
		got, err := ParseRole(string(role))
		require.NoError(t, err)
		assert.Equal(t, role, got)
	}

	got, err := ParseRole(" designer ")
	require.NoError(t, err)
	assert.Equal(t, RoleDesigner, got)

	_, err = ParseRole("Superuser")
	assert.True(t, errors.Is(err, ErrInvalidRole))

	_, err = ParseRole("")
	assert.True(t, errors.Is(err, ErrInvalidRole))
}
