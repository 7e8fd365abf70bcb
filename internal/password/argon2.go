package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minArgon2MemoryKiB uint32 = 1024
	minArgon2SaltLen   uint32 = 16
	minArgon2KeyLen    uint32 = 16
)

var errMalformedDigest = errors.New("malformed argon2id digest")

// Argon2Config holds argon2id parameters. Memory is in KiB.
type Argon2Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Config returns the OWASP baseline parameters.
func DefaultArgon2Config() Argon2Config {
	return Argon2Config{Memory: 19 * 1024, Time: 2, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

// Argon2 hashes with argon2id and encodes digests in PHC format:
// $argon2id$v=19$m=<mem>,t=<time>,p=<par>$<salt>$<hash>.
type Argon2 struct {
	cfg Argon2Config
}

// NewArgon2 validates cfg and returns a hasher.
func NewArgon2(cfg Argon2Config) (*Argon2, error) {
	switch {
	case cfg.Memory < minArgon2MemoryKiB:
		return nil, fmt.Errorf("argon2 memory must be at least %d KiB", minArgon2MemoryKiB)
	case cfg.Time < 1:
		return nil, errors.New("argon2 time must be at least 1")
	case cfg.Parallelism < 1:
		return nil, errors.New("argon2 parallelism must be at least 1")
	case cfg.SaltLength < minArgon2SaltLen:
		return nil, fmt.Errorf("argon2 salt must be at least %d bytes", minArgon2SaltLen)
	case cfg.KeyLength < minArgon2KeyLen:
		return nil, fmt.Errorf("argon2 key must be at least %d bytes", minArgon2KeyLen)
	}
	return &Argon2{cfg: cfg}, nil
}

func (a *Argon2) Hash(plain string) (string, error) {
	salt := make([]byte, a.cfg.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("argon2: read salt: %w", err)
	}
	key := argon2.IDKey([]byte(plain), salt, a.cfg.Time, a.cfg.Memory, a.cfg.Parallelism, a.cfg.KeyLength)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		AlgorithmArgon2id,
		argon2.Version,
		a.cfg.Memory,
		a.cfg.Time,
		a.cfg.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (a *Argon2) Matches(plain, digest string) bool {
	p, err := parsePHC(digest)
	if err != nil {
		return false
	}
	computed := argon2.IDKey([]byte(plain), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(computed, p.key) == 1
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parsePHC(digest string) (phc, error) {
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != AlgorithmArgon2id {
		return phc{}, errMalformedDigest
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return phc{}, errMalformedDigest
	}

	var p phc
	for _, kv := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return phc{}, errMalformedDigest
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return phc{}, errMalformedDigest
		}
		switch k {
		case "m":
			p.memory = uint32(n)
		case "t":
			p.time = uint32(n)
		case "p":
			if n > 255 {
				return phc{}, errMalformedDigest
			}
			p.parallelism = uint8(n)
		default:
			return phc{}, errMalformedDigest
		}
	}
	if p.memory == 0 || p.time == 0 || p.parallelism == 0 {
		return phc{}, errMalformedDigest
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(p.salt) == 0 {
		return phc{}, errMalformedDigest
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(p.key) == 0 {
		return phc{}, errMalformedDigest
	}
	return p, nil
}
