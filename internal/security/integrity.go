package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// VerificationResult holds the result of one artifact integrity check
type VerificationResult struct {
	Path         string
	ActualHash   string
	ExpectedHash string
	Size         int64
	IsValid      bool
	ErrorMessage string
}

// FileDigest computes the SHA-256 digest of a file without loading it
// into memory. The digest is lowercase hex.
func FileDigest(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return "", 0, err
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(hasher.Sum(nil)), fileInfo.Size(), nil
}

// DigestBytes computes the lowercase hex SHA-256 digest of a byte slice
func DigestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyFileDigest compares a file's digest against an expected value.
// The comparison is constant-time so the check leaks nothing about how
// close a forged artifact is.
func VerifyFileDigest(path, expectedHash string) (*VerificationResult, error) {
	expected := strings.ToLower(strings.TrimSpace(expectedHash))

	result := &VerificationResult{
		Path:         path,
		ExpectedHash: expected,
	}

	if err := ValidateDigest(expected); err != nil {
		result.ErrorMessage = err.Error()
		return result, err
	}

	actual, size, err := FileDigest(path)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to hash %s: %v", path, err)
		return result, err
	}

	result.ActualHash = actual
	result.Size = size
	result.IsValid = SecureCompare([]byte(actual), []byte(expected))
	if !result.IsValid {
		result.ErrorMessage = "digest mismatch"
	}

	return result, nil
}

// VerifyBytesDigest compares a byte slice's digest against an expected
// value in constant time
func VerifyBytesDigest(data []byte, expectedHash string) bool {
	expected := strings.ToLower(strings.TrimSpace(expectedHash))
	if ValidateDigest(expected) != nil {
		return false
	}
	return SecureCompare([]byte(DigestBytes(data)), []byte(expected))
}

// ValidateDigest checks that a digest string is a well-formed SHA-256
// hex encoding
func ValidateDigest(digest string) error {
	if digest == "" {
		return errors.New("digest cannot be empty")
	}

	if len(digest) != 64 {
		return errors.New("digest must be 64 characters (SHA-256)")
	}

	if _, err := hex.DecodeString(digest); err != nil {
		return fmt.Errorf("digest must be valid hex: %v", err)
	}

	return nil
}
