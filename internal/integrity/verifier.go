// Package integrity provides file verification and hash calculation
package integrity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// FileVerifier handles file integrity checks
type FileVerifier struct{}

func NewFileVerifier() *FileVerifier {
	return &FileVerifier{}
}

// CheckHash computes the file's actual hash and reports whether it
// matches expected. Per spec.md's Non-goal ("hashes are stored but not
// enforced"), a mismatch is never treated as a failure by the caller —
// it returns a plain false so the engine can log and store actual
// alongside expected, not abort the download.
func (v *FileVerifier) CheckHash(path string, algo string, expected string) (match bool, actual string, err error) {
	actual, err = CalculateHash(path, algo)
	if err != nil {
		return false, "", err
	}
	return actual == expected, actual, nil
}

// CalculateHash computes the hash of a file
// algorithm should be "sha256" or "md5"
func CalculateHash(filePath string, algorithm string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var hash string
	if algorithm == "sha256" {
		hasher := sha256.New()
		if _, err := io.Copy(hasher, file); err != nil {
			return "", err
		}
		hash = hex.EncodeToString(hasher.Sum(nil))
	} else if algorithm == "md5" {
		hasher := md5.New()
		if _, err := io.Copy(hasher, file); err != nil {
			return "", err
		}
		hash = hex.EncodeToString(hasher.Sum(nil))
	} else {
		return "", fmt.Errorf("unsupported algorithm: %s", algorithm)
	}

	return hash, nil
}
