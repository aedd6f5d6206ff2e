package connect

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

var ErrTokenExpired = errors.New("token expired")
var ErrTokenInvalid = errors.New("token invalid")

// Sealer turns an object into an opaque, time limited token and back.
type Sealer interface {
	Encode(v any, ttl time.Duration) (string, error)
	Decode(token string, v any) error
}

const cryptoblobKeySize = 32
const cryptoblobNonceSize = 24

// Cryptoblob seals the JSON encoding of an object with secretbox and carries the
// ciphertext as the `blob` claim of an HS256 JWT, which bounds its lifetime.
// Signing and sealing keys are derived from one shared secret.
type Cryptoblob struct {
	sealKey [cryptoblobKeySize]byte
	signKey []byte
	now     func() time.Time
}

type cryptoblobClaims struct {
	Blob string `json:"blob"`
	gojwt.RegisteredClaims
}

// GenerateCryptoblobKey returns a new base64 encoded secret.
func GenerateCryptoblobKey() (string, error) {
	key := make([]byte, cryptoblobKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// NewCryptoblob creates a sealer from a base64 encoded 32 byte secret.
func NewCryptoblob(keystr string) (*Cryptoblob, error) {
	secret, err := base64.StdEncoding.DecodeString(keystr)
	if err != nil {
		return nil, fmt.Errorf("bad cryptoblob key: %w", err)
	}
	if len(secret) != cryptoblobKeySize {
		return nil, fmt.Errorf("bad cryptoblob key: %d bytes, want %d", len(secret), cryptoblobKeySize)
	}

	cryptoblob := &Cryptoblob{
		signKey: make([]byte, cryptoblobKeySize),
		now:     time.Now,
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("seal")), cryptoblob.sealKey[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("sign")), cryptoblob.signKey); err != nil {
		return nil, err
	}
	return cryptoblob, nil
}

func (self *Cryptoblob) Encode(v any, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive: %s", ttl)
	}
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	var nonce [cryptoblobNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &self.sealKey)

	now := self.now()
	claims := &cryptoblobClaims{
		Blob: base64.RawURLEncoding.EncodeToString(sealed),
		RegisteredClaims: gojwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(self.signKey)
}

func (self *Cryptoblob) Decode(token string, v any) error {
	claims := &cryptoblobClaims{}
	_, err := gojwt.ParseWithClaims(
		token,
		claims,
		func(t *gojwt.Token) (any, error) {
			return self.signKey, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
		gojwt.WithTimeFunc(self.now),
	)
	if err != nil {
		if errors.Is(err, gojwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return fmt.Errorf("%w: %s", ErrTokenInvalid, err)
	}

	sealed, err := base64.RawURLEncoding.DecodeString(claims.Blob)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrTokenInvalid, err)
	}
	if len(sealed) < cryptoblobNonceSize {
		return fmt.Errorf("%w: short blob", ErrTokenInvalid)
	}
	var nonce [cryptoblobNonceSize]byte
	copy(nonce[:], sealed[:cryptoblobNonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[cryptoblobNonceSize:], &nonce, &self.sealKey)
	if !ok {
		return fmt.Errorf("%w: blob does not open", ErrTokenInvalid)
	}
	return json.Unmarshal(plaintext, v)
}
