package utils

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDecodeSumEncodings(t *testing.T) {
	sum := md5.Sum([]byte("hello"))

	fromHex, err := DecodeSum("md5", hex.EncodeToString(sum[:]))
	require.NoError(t, err)
	assert.Equal(t, sum[:], fromHex.Sum)

	fromB64, err := DecodeSum("md5", base64.StdEncoding.EncodeToString(sum[:]))
	require.NoError(t, err)
	assert.Equal(t, sum[:], fromB64.Sum)

	quoted, err := DecodeSum("md5", `"`+hex.EncodeToString(sum[:])+`"`)
	require.NoError(t, err)
	assert.Equal(t, "md5", quoted.Algorithm)

	_, err = DecodeSum("md5", "abc-3")
	assert.Error(t, err)

	_, err = DecodeSum("crc32", "00")
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	path := writeFile(t, "payload")
	sum := sha256.Sum256([]byte("payload"))

	ok, err := Verify(path, Checksum{Algorithm: "sha256", Sum: sum[:]})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(path, Checksum{Algorithm: "sha256", Sum: make([]byte, sha256.Size)})
	require.NoError(t, err)
	assert.False(t, ok)

	hexSum, err := FileSHA256(path)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), hexSum)

	md5Sum := md5.Sum([]byte("payload"))
	hexSum, err = FileMD5(path)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(md5Sum[:]), hexSum)
}

func TestCopyFilePreservesMode(t *testing.T) {
	src := writeFile(t, "#!/bin/sh\n")
	require.NoError(t, os.Chmod(src, 0755))
	dst := filepath.Join(t.TempDir(), "sub", "tool")

	require.NoError(t, CopyFile(src, dst))
	assert.True(t, IsExecutable(dst))
	assert.True(t, FileExists(dst))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x"), ExpandHome("~/x"))
	assert.Equal(t, "/abs", ExpandHome("/abs"))
}
