package cellar

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"lukechampine.com/blake3"
)

// HashAlgo names an integrity digest a formula revision may pin its source to.
type HashAlgo string

const (
	HashMD5    HashAlgo = "md5"
	HashSHA1   HashAlgo = "sha1"
	HashSHA256 HashAlgo = "sha256"
	HashBLAKE3 HashAlgo = "blake3"
)

func (a HashAlgo) new() (hash.Hash, error) {
	switch a {
	case HashMD5:
		return md5.New(), nil
	case HashSHA1:
		return sha1.New(), nil
	case HashSHA256:
		return sha256.New(), nil
	case HashBLAKE3:
		return blake3.New(32, nil), nil
	}
	return nil, fmt.Errorf("unsupported hash algorithm %q", a)
}

func (a HashAlgo) hexLen() int {
	switch a {
	case HashMD5:
		return 32
	case HashSHA1:
		return 40
	default:
		return 64
	}
}

// Checksum is an expected digest of a source archive.
type Checksum struct {
	Algo HashAlgo
	Hex  string
}

func (c Checksum) String() string { return fmt.Sprintf("%s:%s", c.Algo, c.Hex) }

func (c Checksum) validate() error {
	if _, err := c.Algo.new(); err != nil {
		return err
	}
	if len(c.Hex) != c.Algo.hexLen() {
		return fmt.Errorf("%s digest must be %d hex characters, got %d", c.Algo, c.Algo.hexLen(), len(c.Hex))
	}
	if _, err := hex.DecodeString(c.Hex); err != nil {
		return fmt.Errorf("%s digest is not hex: %w", c.Algo, err)
	}
	return nil
}

// fileDigest hashes the file at path with algo and returns the lowercase hex digest.
func fileDigest(path string, algo HashAlgo) (string, error) {
	h, err := algo.new()
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verifyFile compares the digest of path against want.
func verifyFile(path string, want Checksum) error {
	got, err := fileDigest(path, want.Algo)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, want.Hex) {
		return fmt.Errorf("%s mismatch for %s: expected %s, got %s", want.Algo, path, want.Hex, got)
	}
	debugf("Verified %s (%s)\n", path, want)
	return nil
}

// hashString returns the BLAKE3 digest of s.
func hashString(s string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}
