package cryptox

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"

	"github.com/google/uuid"
)

const trustPrefix = "gophsync-trust:"

// GenerateDeviceKey creates the ed25519 key pair that identifies a device.
func GenerateDeviceKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Fingerprint is the SHA-256 of a device public key.
func Fingerprint(pub ed25519.PublicKey) []byte {
	sum := sha256.Sum256(pub)
	return sum[:]
}

// LoginChallenge is the message a device signs to answer an Identify nonce.
func LoginChallenge(nonce []byte, deviceID uuid.UUID) []byte {
	msg := make([]byte, 0, len(nonce)+len(deviceID))
	msg = append(msg, nonce...)
	return append(msg, deviceID[:]...)
}

// SignChallenge signs LoginChallenge(nonce, deviceID).
func SignChallenge(priv ed25519.PrivateKey, nonce []byte, deviceID uuid.UUID) []byte {
	return ed25519.Sign(priv, LoginChallenge(nonce, deviceID))
}

// VerifyChallenge checks a signature produced by SignChallenge.
func VerifyChallenge(pub ed25519.PublicKey, nonce []byte, deviceID uuid.UUID, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, LoginChallenge(nonce, deviceID), sig)
}

// TrustToken is an existing device's signature over the account id. A new
// device presenting it is admitted without an interactive login request.
func TrustToken(priv ed25519.PrivateKey, accountID uuid.UUID) []byte {
	return ed25519.Sign(priv, append([]byte(trustPrefix), accountID[:]...))
}

// VerifyTrustToken checks token against the issuing device's public key.
func VerifyTrustToken(pub ed25519.PublicKey, accountID uuid.UUID, token []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, append([]byte(trustPrefix), accountID[:]...), token)
}
