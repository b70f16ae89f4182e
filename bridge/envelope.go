package bridge

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInvalidEnvelope    = errors.New("invalid signed envelope")
	ErrVerificationFailed = errors.New("signature verification failed")
	ErrNoMasterKey        = errors.New("no master key configured")
	ErrUnsupportedKey     = errors.New("unsupported public key type")
)

const (
	envelopeNonceSize = 12
	envelopeTagSize   = 16
)

// SignedEnvelope is the encrypted payload wrapper exchanged between
// devices. Cipher is base64(nonce || ciphertext || tag) under
// AES-256-GCM with the shared master key; Sig is a base64 detached
// signature over the raw cipher block, made with the sender's device
// key.
type SignedEnvelope struct {
	From   string `json:"from"`
	Cipher string `json:"cipher"`
	Sig    string `json:"sig"`
}

// Parsed is the result of unwrapping a message payload. Inner is the
// decrypted content for valid envelopes; for everything else it is
// the best-effort plain content. From degrades to "unknown" when the
// sender cannot be established.
type Parsed struct {
	From  string
	Inner any
}

// Keyring holds the shared AES key derived from the master secret and
// the per-device public keys used for signature verification.
//
// Verification is trust-on-first-use: a device with no registered key
// passes. Register keys to pin devices.
type Keyring struct {
	aesKey []byte

	mu  sync.RWMutex
	pub map[string]crypto.PublicKey
}

// NewKeyring derives the AES-256 key as sha256(masterSecret). An
// empty secret leaves decryption disabled; envelopes then degrade to
// their original form on parse.
func NewKeyring(masterSecret string) *Keyring {
	k := &Keyring{pub: make(map[string]crypto.PublicKey)}
	if masterSecret != "" {
		sum := sha256.Sum256([]byte(masterSecret))
		k.aesKey = sum[:]
	}
	return k
}

// RegisterPublicKey pins a device to a PEM-encoded public key
// (PKIX or PKCS#1). Frames claiming that device id must then carry a
// valid signature.
func (k *Keyring) RegisterPublicKey(deviceID, pemData string) error {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return fmt.Errorf("device %s: no PEM block found", deviceID)
	}
	var (
		key any
		err error
	)
	key, err = x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		key, err = x509.ParsePKCS1PublicKey(block.Bytes)
	}
	if err != nil {
		return fmt.Errorf("device %s: parse public key: %w", deviceID, err)
	}
	switch key.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
	default:
		return fmt.Errorf("device %s: %w", deviceID, ErrUnsupportedKey)
	}
	k.mu.Lock()
	k.pub[deviceID] = key
	k.mu.Unlock()
	return nil
}

// HasKey reports whether a device has a pinned public key.
func (k *Keyring) HasKey(deviceID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.pub[deviceID]
	return ok
}

// HasSignedEnvelope reports whether a payload carries the cipher+sig
// shape, directly or wrapped in a base64 JSON string.
func HasSignedEnvelope(payload any) bool {
	return decodeEnvelope(payload) != nil
}

// decodeEnvelope extracts a SignedEnvelope from a payload map, a
// SignedEnvelope value, or a base64-encoded JSON string. Returns nil
// when the shape does not match. The sig field must be present but may
// be empty: unsigned envelopes still pass trust-on-first-use peers.
func decodeEnvelope(payload any) *SignedEnvelope {
	switch v := payload.(type) {
	case SignedEnvelope:
		if v.Cipher != "" {
			return &v
		}
	case *SignedEnvelope:
		if v != nil && v.Cipher != "" {
			return v
		}
	case map[string]any:
		_, hasSig := v["sig"].(string)
		env := SignedEnvelope{
			From:   stringField(v, "from"),
			Cipher: stringField(v, "cipher"),
			Sig:    stringField(v, "sig"),
		}
		if env.Cipher != "" && hasSig {
			return &env
		}
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil
		}
		var m map[string]any
		if err := json.Unmarshal(decoded, &m); err != nil {
			return nil
		}
		return decodeEnvelope(m)
	}
	return nil
}

// VerifyWithoutDecrypt checks only the detached signature. Payloads
// that are not signed envelopes pass; that pass-through is the
// documented contract for unsigned traffic in blind mode.
func (k *Keyring) VerifyWithoutDecrypt(payload any) bool {
	env := decodeEnvelope(payload)
	if env == nil {
		return true
	}
	cipherBlock, sig, err := env.decodeParts()
	if err != nil {
		return false
	}
	return k.verifySignature(env.From, cipherBlock, sig)
}

// ParsePayload unwraps a message payload. Signed envelopes are
// verified then decrypted; any failure degrades to
// {From: "unknown", Inner: original} rather than erroring, so routing
// still happens. Plain objects pass their inner|data|self through;
// JSON strings parse recursively.
func (k *Keyring) ParsePayload(payload any) Parsed {
	if env := decodeEnvelope(payload); env != nil {
		inner, err := k.Open(env)
		if err != nil {
			return Parsed{From: "unknown", Inner: payload}
		}
		return Parsed{From: env.From, Inner: inner}
	}

	switch v := payload.(type) {
	case map[string]any:
		from := stringField(v, "from")
		if from == "" {
			from = "unknown"
		}
		inner := any(v)
		for _, key := range []string{"inner", "data", "self"} {
			if nested, ok := v[key]; ok && nested != nil {
				inner = nested
				break
			}
		}
		return Parsed{From: from, Inner: inner}
	case string:
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			if _, isString := decoded.(string); !isString {
				return k.ParsePayload(decoded)
			}
		}
		return Parsed{From: "unknown", Inner: v}
	default:
		return Parsed{From: "unknown", Inner: payload}
	}
}

// Open verifies and decrypts an envelope, returning the JSON-decoded
// inner content.
func (k *Keyring) Open(env *SignedEnvelope) (any, error) {
	if k.aesKey == nil {
		return nil, ErrNoMasterKey
	}
	cipherBlock, sig, err := env.decodeParts()
	if err != nil {
		return nil, err
	}
	if !k.verifySignature(env.From, cipherBlock, sig) {
		return nil, ErrVerificationFailed
	}
	if len(cipherBlock) < envelopeNonceSize+envelopeTagSize {
		return nil, ErrInvalidEnvelope
	}
	aead, err := newGCM(k.aesKey)
	if err != nil {
		return nil, err
	}
	nonce := cipherBlock[:envelopeNonceSize]
	plaintext, err := aead.Open(nil, nonce, cipherBlock[envelopeNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt envelope: %w", err)
	}
	var inner any
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		// Non-JSON plaintext is passed through as a string.
		return string(plaintext), nil
	}
	return inner, nil
}

// SealPayload is the inverse of ParsePayload for signed envelopes:
// encrypt inner under the shared key and sign the cipher block with
// the sender's private key. A nil signer produces an unsigned
// envelope that only trust-on-first-use peers accept.
func (k *Keyring) SealPayload(from string, inner any, signer crypto.Signer) (*SignedEnvelope, error) {
	if k.aesKey == nil {
		return nil, ErrNoMasterKey
	}
	plaintext, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("encode inner payload: %w", err)
	}
	aead, err := newGCM(k.aesKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, envelopeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	cipherBlock := append(nonce, aead.Seal(nil, nonce, plaintext, nil)...)

	var sig []byte
	if signer != nil {
		sig, err = signCipherBlock(signer, cipherBlock)
		if err != nil {
			return nil, err
		}
	}
	return &SignedEnvelope{
		From:   from,
		Cipher: base64.StdEncoding.EncodeToString(cipherBlock),
		Sig:    base64.StdEncoding.EncodeToString(sig),
	}, nil
}

func (e *SignedEnvelope) decodeParts() (cipherBlock, sig []byte, err error) {
	cipherBlock, err = base64.StdEncoding.DecodeString(e.Cipher)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad cipher encoding", ErrInvalidEnvelope)
	}
	sig, err = base64.StdEncoding.DecodeString(e.Sig)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad signature encoding", ErrInvalidEnvelope)
	}
	return cipherBlock, sig, nil
}

// verifySignature checks sig over the raw cipher block against the
// device's pinned key. No pinned key means pass (trust-on-first-use).
func (k *Keyring) verifySignature(deviceID string, cipherBlock, sig []byte) bool {
	k.mu.RLock()
	key, ok := k.pub[deviceID]
	k.mu.RUnlock()
	if !ok {
		return true
	}
	digest := sha256.Sum256(cipherBlock)
	switch pub := key.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(pub, digest[:], sig)
	case ed25519.PublicKey:
		return ed25519.Verify(pub, cipherBlock, sig)
	default:
		return false
	}
}

func signCipherBlock(signer crypto.Signer, cipherBlock []byte) ([]byte, error) {
	if priv, ok := signer.(ed25519.PrivateKey); ok {
		return ed25519.Sign(priv, cipherBlock), nil
	}
	digest := sha256.Sum256(cipherBlock)
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("sign cipher block: %w", err)
	}
	return sig, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, nil
}
