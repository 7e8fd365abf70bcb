// Package password hashes and verifies account passwords. Digests are
// self-describing, so verification needs nothing but the digest itself.
package password

import (
	"fmt"
	"strings"
)

// Supported algorithms.
const (
	AlgorithmBcrypt   = "bcrypt"
	AlgorithmArgon2id = "argon2id"
)

// Config selects the algorithm used for new digests.
type Config struct {
	Algorithm  string
	BcryptCost int
	Argon2     Argon2Config
}

// Hasher hashes with one algorithm and verifies digests of every supported
// algorithm, so switching Algorithm does not lock out existing accounts.
type Hasher struct {
	algorithm string
	bcrypt    *Bcrypt
	argon2    *Argon2
}

// New builds a Hasher from cfg.
func New(cfg Config) (*Hasher, error) {
	b, err := NewBcrypt(cfg.BcryptCost)
	if err != nil {
		return nil, err
	}
	a2cfg := cfg.Argon2
	if a2cfg == (Argon2Config{}) {
		a2cfg = DefaultArgon2Config()
	}
	a, err := NewArgon2(a2cfg)
	if err != nil {
		return nil, err
	}

	alg := strings.ToLower(strings.TrimSpace(cfg.Algorithm))
	if alg == "" {
		alg = AlgorithmBcrypt
	}
	if alg != AlgorithmBcrypt && alg != AlgorithmArgon2id {
		return nil, fmt.Errorf("unsupported password algorithm %q", cfg.Algorithm)
	}
	return &Hasher{algorithm: alg, bcrypt: b, argon2: a}, nil
}

// Algorithm returns the algorithm used for new digests.
func (h *Hasher) Algorithm() string {
	return h.algorithm
}

// MaxLength returns the longest password in bytes that Hash accepts, or zero
// when the algorithm has no limit.
func (h *Hasher) MaxLength() int {
	if h.algorithm == AlgorithmBcrypt {
		return MaxBcryptLength
	}
	return 0
}

// Hash produces a digest with the configured algorithm.
func (h *Hasher) Hash(plain string) (string, error) {
	if h.algorithm == AlgorithmArgon2id {
		return h.argon2.Hash(plain)
	}
	return h.bcrypt.Hash(plain)
}

// Matches reports whether plain matches digest. Unknown or malformed digests
// never match.
func (h *Hasher) Matches(plain, digest string) bool {
	if strings.HasPrefix(digest, "$"+AlgorithmArgon2id+"$") {
		return h.argon2.Matches(plain, digest)
	}
	return h.bcrypt.Matches(plain, digest)
}
