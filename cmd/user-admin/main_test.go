package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusdoc/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedPassword(p string) func() (string, error) {
	return func() (string, error) { return p, nil }
}

func TestUserAdmin_Lifecycle(t *testing.T) {
	file := filepath.Join(t.TempDir(), "users.db")

	require.NoError(t, handleAdd(file, "root", auth.RoleAdmin, "sha256", fixedPassword("s3cret")))
	// The hash type of an existing file wins over the flag.
	require.NoError(t, handleAdd(file, "bob", auth.RoleReader, "bcrypt", fixedPassword("pw")))
	assert.ErrorContains(t, handleAdd(file, "bob", auth.RoleReader, "bcrypt", fixedPassword("pw")), "already exists")
	assert.ErrorContains(t, handleAdd(file, "eve", "owner", "bcrypt", fixedPassword("pw")), "-role")
	assert.ErrorContains(t, handleAdd(file, "", auth.RoleReader, "bcrypt", fixedPassword("pw")), "-username")
	assert.ErrorContains(t, handleAdd(file, "amy", auth.RoleReader, "bcrypt", fixedPassword("")), "empty")

	users, hashType, err := auth.ReadUserFile(file)
	require.NoError(t, err)
	assert.Equal(t, auth.HashTypeSHA256, hashType)
	assert.Len(t, users, 2)

	var out bytes.Buffer
	require.NoError(t, handleList(&out, file))
	assert.Equal(t, "Users (hash type 2):\n- bob (reader)\n- root (admin)\n", out.String())

	require.NoError(t, handlePasswd(file, "bob", fixedPassword("new")))
	users, _, err = auth.ReadUserFile(file)
	require.NoError(t, err)
	want, err := auth.HashPassword("new", auth.HashTypeSHA256)
	require.NoError(t, err)
	assert.Equal(t, want, users["bob"].PasswordHash)
	assert.ErrorContains(t, handlePasswd(file, "ghost", fixedPassword("x")), "not found")

	require.NoError(t, handleDelete(file, "bob"))
	assert.ErrorContains(t, handleDelete(file, "bob"), "not found")

	out.Reset()
	require.NoError(t, handleDelete(file, "root"))
	require.NoError(t, handleList(&out, file))
	assert.Equal(t, "No users found.\n", out.String())
}

func TestParseHashType(t *testing.T) {
	h, err := parseHashType("SHA512")
	require.NoError(t, err)
	assert.Equal(t, auth.HashTypeSHA512, h)
	_, err = parseHashType("md5")
	assert.Error(t, err)
}
