package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashKey(t *testing.T) {
	var out, errOut bytes.Buffer
	app := newApp(&out, &errOut)

	require.NoError(t, app.Run([]string{"stocknity-cli", "hash-key", "s3cret"}))

	var hash string
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.HasPrefix(line, "Hash: ") {
			hash = strings.TrimPrefix(line, "Hash: ")
		}
	}
	require.NotEmpty(t, hash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
	assert.Contains(t, out.String(), "OPS_API_KEY_HASH=")
}

func TestHashKeyNeedsArgument(t *testing.T) {
	var out, errOut bytes.Buffer
	app := newApp(&out, &errOut)

	assert.Error(t, app.Run([]string{"stocknity-cli", "hash-key"}))
}

func TestVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	app := newApp(&out, &errOut)

	require.NoError(t, app.Run([]string{"stocknity-cli", "version"}))
	assert.Equal(t, "zero\n", out.String())
}
