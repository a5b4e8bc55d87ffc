package crypto

import "errors"

// ErrMissingKey means no aggregate key is available for decryption.
// Projections skip the event and advance the cursor; repositories fail
// load/save (spec.md §7).
var ErrMissingKey = errors.New("crypto: missing aggregate key")

// ErrAeadAuthenticationFailed means the ciphertext failed AEAD
// authentication — callers purge the affected snapshot/artifact and
// rebuild (spec.md §7).
var ErrAeadAuthenticationFailed = errors.New("crypto: aead authentication failed")

// ErrFrameTooShort means a ciphertext is shorter than the minimum AEAD
// framing overhead (nonce + authentication tag).
var ErrFrameTooShort = errors.New("crypto: ciphertext too short")

// ErrFrameTooLarge means a ciphertext exceeds the configured maximum
// payload size.
var ErrFrameTooLarge = errors.New("crypto: ciphertext exceeds maximum size")
