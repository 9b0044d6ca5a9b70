// pkg/utils/hash.go - utility functions for hashing files.

package utils

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// Checksum is an expected digest together with the algorithm that produced it.
type Checksum struct {
	Algorithm string // "md5" or "sha256"
	Sum       []byte
}

// String renders the checksum as algorithm:hex.
func (c Checksum) String() string {
	return c.Algorithm + ":" + hex.EncodeToString(c.Sum)
}

// IsZero reports whether no checksum is known.
func (c Checksum) IsZero() bool {
	return len(c.Sum) == 0
}

func newHash(algorithm string) (hash.Hash, int, error) {
	switch strings.ToLower(algorithm) {
	case "md5":
		return md5.New(), md5.Size, nil
	case "sha256", "sha-256":
		return sha256.New(), sha256.Size, nil
	default:
		return nil, 0, fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}
}

// DecodeSum accepts a digest in hex or standard/URL base64 and checks its length
// against the algorithm.
func DecodeSum(algorithm, encoded string) (Checksum, error) {
	_, size, err := newHash(algorithm)
	if err != nil {
		return Checksum{}, err
	}
	encoded = strings.Trim(strings.TrimSpace(encoded), `"`)

	candidates := []func(string) ([]byte, error){
		hex.DecodeString,
		base64.StdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
	}
	for _, decode := range candidates {
		if sum, err := decode(encoded); err == nil && len(sum) == size {
			return Checksum{Algorithm: strings.ToLower(strings.ReplaceAll(algorithm, "-", "")), Sum: sum}, nil
		}
	}
	return Checksum{}, fmt.Errorf("cannot decode %s digest %q", algorithm, encoded)
}

// FileSum hashes a file with the given algorithm.
func FileSum(path, algorithm string) ([]byte, error) {
	h, _, err := newHash(algorithm)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// FileMD5 returns the hex MD5 sum of a file.
func FileMD5(path string) (string, error) {
	sum, err := FileSum(path, "md5")
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// FileSHA256 returns the hex SHA256 sum of a file.
func FileSHA256(path string) (string, error) {
	sum, err := FileSum(path, "sha256")
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// Verify checks if a file's digest matches the expected checksum.
func Verify(path string, expected Checksum) (bool, error) {
	actual, err := FileSum(path, expected.Algorithm)
	if err != nil {
		return false, err
	}
	return bytes.Equal(actual, expected.Sum), nil
}
