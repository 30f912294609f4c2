package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

const (
	// aesGCMNonceSize is the standard nonce size for GCM (12 bytes).
	aesGCMNonceSize = 12
	// keySizeAES256 is the key size for AES-256 (32 bytes).
	keySizeAES256 = 32
	// keySizeHMAC is the HMAC-SHA256 signing key size.
	keySizeHMAC = 32
)

// sessionKeyInfo binds derived keys to this protocol version.
var sessionKeyInfo = []byte("sync-session-v1")

// SessionKeys holds the symmetric material of one security session.
type SessionKeys struct {
	EncryptionKey []byte
	SigningKey    []byte
}

// NewSessionKeys draws a fresh random master secret and derives independent
// encryption and signing keys from it via HKDF-SHA256.
func NewSessionKeys() (*SessionKeys, error) {
	master := make([]byte, keySizeAES256)
	if _, err := io.ReadFull(rand.Reader, master); err != nil {
		return nil, errors.Wrap(err, "failed to generate session master secret")
	}

	salt := make([]byte, sha256.Size)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.Wrap(err, "failed to generate session salt")
	}

	kdf := hkdf.New(sha256.New, master, salt, sessionKeyInfo)

	encKey := make([]byte, keySizeAES256)
	if _, err := io.ReadFull(kdf, encKey); err != nil {
		return nil, errors.Wrap(err, "failed to derive encryption key")
	}

	signKey := make([]byte, keySizeHMAC)
	if _, err := io.ReadFull(kdf, signKey); err != nil {
		return nil, errors.Wrap(err, "failed to derive signing key")
	}

	return &SessionKeys{EncryptionKey: encKey, SigningKey: signKey}, nil
}

// Envelope is an encrypted and signed payload as it travels on the wire.
// Ciphertext layout: Nonce (12 bytes) || AES-256-GCM ciphertext (incl. tag).
type Envelope struct {
	Ciphertext []byte `json:"ciphertext"`
	Signature  string `json:"signature"`
}

// EncryptPayload encrypts data with the session encryption key and signs the
// ciphertext with the session signing key.
func EncryptPayload(keys *SessionKeys, data []byte) (*Envelope, error) {
	block, err := aes.NewCipher(keys.EncryptionKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create aes cipher")
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gcm")
	}

	nonce := make([]byte, aesGCMNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "failed to generate nonce")
	}

	ciphertext := gcm.Seal(nil, nonce, data, nil)

	payload := make([]byte, 0, len(nonce)+len(ciphertext))
	payload = append(payload, nonce...)
	payload = append(payload, ciphertext...)

	return &Envelope{
		Ciphertext: payload,
		Signature:  signPayload(keys.SigningKey, payload),
	}, nil
}

// DecryptPayload verifies the envelope signature first and fails closed:
// on any verification or decryption failure no partial data is returned.
func DecryptPayload(keys *SessionKeys, envelope *Envelope) ([]byte, error) {
	if !verifyPayload(keys.SigningKey, envelope.Ciphertext, envelope.Signature) {
		return nil, ErrSignatureInvalid
	}

	if len(envelope.Ciphertext) < aesGCMNonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce := envelope.Ciphertext[:aesGCMNonceSize]
	ciphertext := envelope.Ciphertext[aesGCMNonceSize:]

	block, err := aes.NewCipher(keys.EncryptionKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create aes cipher")
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gcm")
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt payload")
	}

	return plaintext, nil
}

func signPayload(signingKey, payload []byte) string {
	mac := hmac.New(sha256.New, signingKey)
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func verifyPayload(signingKey, payload []byte, signature string) bool {
	expected, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, signingKey)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}
