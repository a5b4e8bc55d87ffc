package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Frame bounds, matching the vault guardrails in spec.md §8 scenario 6:
// a ciphertext shorter than the AEAD overhead can never be valid, and
// one larger than the configured maximum is rejected before it is ever
// handed to the cipher.
const (
	frameNonceSize    = chacha20poly1305.NonceSize // 12
	frameOverheadSize = frameNonceSize + 16         // nonce + 16-byte Poly1305 tag = 28
	MaxFrameSize      = 10 * 1024 * 1024            // 10 MiB
)

// DefaultAEAD is a chacha20poly1305 AEAD adapter. Encrypt output is
// nonce||ciphertext (ciphertext includes the authentication tag), so
// the minimum valid frame is exactly frameOverheadSize bytes.
type DefaultAEAD struct{}

func NewDefaultAEAD() DefaultAEAD { return DefaultAEAD{} }

func (DefaultAEAD) GenerateKey() (AggregateKey, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return AggregateKey(key), nil
}

func (DefaultAEAD) Encrypt(plaintext []byte, key AggregateKey, aad string) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, frameNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, []byte(aad))
	frame := make([]byte, 0, len(nonce)+len(sealed))
	frame = append(frame, nonce...)
	frame = append(frame, sealed...)
	if err := ValidateFrameSize(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (DefaultAEAD) Decrypt(ciphertext []byte, key AggregateKey, aad string) ([]byte, error) {
	if err := ValidateFrameSize(ciphertext); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	nonce, sealed := ciphertext[:frameNonceSize], ciphertext[frameNonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(aad))
	if err != nil {
		return nil, ErrAeadAuthenticationFailed
	}
	return plaintext, nil
}

// ValidateFrameSize enforces the framing guardrails independent of
// whether the frame will actually decrypt: too-short frames can never
// hold a valid nonce+tag, and oversized frames are refused before any
// cipher work is attempted.
func ValidateFrameSize(frame []byte) error {
	if len(frame) < frameOverheadSize {
		return fmt.Errorf("%w: %d bytes (minimum %d)", ErrFrameTooShort, len(frame), frameOverheadSize)
	}
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes (maximum %d)", ErrFrameTooLarge, len(frame), MaxFrameSize)
	}
	return nil
}
