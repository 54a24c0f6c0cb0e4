package cryptoring

import "crypto/rand"

// RandomProvider supplies cryptographically secure random bytes for nonce
// generation. Production code should use OSRandomProvider; tests may inject
// a deterministic or failing provider to exercise error paths.
//
// No third-party CSPRNG library appears anywhere in the example pack (the
// teacher and every other repo reach for crypto/rand directly for this) so
// OSRandomProvider wraps the standard library rather than an ecosystem
// dependency — see DESIGN.md.
type RandomProvider interface {
	Fill(out []byte) error
}

// OSRandomProvider draws from the operating system CSPRNG via crypto/rand.
type OSRandomProvider struct{}

// Fill implements RandomProvider.
func (OSRandomProvider) Fill(out []byte) error {
	_, err := rand.Read(out)
	if err != nil {
		return newErr(ErrRandomUnavailable, "randomness unavailable: %v", err)
	}
	return nil
}
