package burst

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

const (
	// PublicKeyLength is the byte length of an account public key.
	PublicKeyLength = 32
	// SignatureLength is the byte length of a signature.
	SignatureLength = 64

	// Transaction bytes carry the signature at this fixed offset.
	signatureOffset = 96
)

// Keys holds the signing material derived from a passphrase.
type Keys struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// KeysFromPassphrase derives an account key pair deterministically
// from a secret passphrase.
func KeysFromPassphrase(passphrase string) Keys {
	seed := sha256.Sum256([]byte(passphrase))
	private := ed25519.NewKeyFromSeed(seed[:])
	return Keys{
		Public:  private.Public().(ed25519.PublicKey),
		private: private,
	}
}

// Address returns the account address belonging to the key pair.
func (k Keys) Address() Address {
	return AddressFromID(AccountIDFromPublicKey(k.Public))
}

// Sign signs an arbitrary message.
func (k Keys) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// Verify checks a detached signature against a public key.
func Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != PublicKeyLength || len(signature) != SignatureLength {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// AccountIDFromPublicKey derives the numeric account id: the first
// eight bytes of sha256(publicKey), read little-endian.
func AccountIDFromPublicKey(publicKey []byte) uint64 {
	hash := sha256.Sum256(publicKey)
	return binary.LittleEndian.Uint64(hash[:8])
}

// SignTransaction signs unsigned transaction bytes as produced by the
// node and returns the signed bytes plus the detached signature. The
// unsigned bytes carry zeros in the signature region.
func (k Keys) SignTransaction(unsigned []byte) (signed, signature []byte, err error) {
	if len(unsigned) < signatureOffset+SignatureLength {
		return nil, nil, errors.New("transaction bytes too short")
	}
	signature = k.Sign(unsigned)
	signed = make([]byte, len(unsigned))
	copy(signed, unsigned)
	copy(signed[signatureOffset:], signature)
	return signed, signature, nil
}

// TransactionID computes the numeric id of a signed transaction from
// its unsigned bytes and detached signature: the first eight bytes of
// sha256(unsigned || sha256(signature)), read little-endian.
func TransactionID(unsigned, signature []byte) uint64 {
	sigHash := sha256.Sum256(signature)
	h := sha256.New()
	h.Write(unsigned)
	h.Write(sigHash[:])
	full := h.Sum(nil)
	return binary.LittleEndian.Uint64(full[:8])
}
