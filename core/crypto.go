package core

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"geekedapi/utils"
)

// SealedPayload is one round's transmittable answer. W is what goes on the
// wire; the other fields are kept for the round history.
type SealedPayload struct {
	W          string    `json:"w"`
	PT         string    `json:"pt"`
	Blob       string    `json:"blob,omitempty"`
	WrappedKey string    `json:"wrapped_key,omitempty"`
	Pow        PowResult `json:"pow"`
	Signature  string    `json:"signature"`
}

func NewSessionKey() (string, error) {
	key, err := utils.RandUID()
	if err != nil {
		return "", fmt.Errorf("%w: session key: %v", ErrCrypto, err)
	}
	return key, nil
}

// Seal encrypts plaintext under key with the cipher the constants describe.
func Seal(plaintext []byte, key string, spec CipherSpec) (string, error) {
	if len(key) != spec.KeyLength {
		return "", fmt.Errorf("%w: key length %d, want %d", ErrCrypto, len(key), spec.KeyLength)
	}
	enc, err := utils.EncryptCBC(plaintext, []byte(key), []byte(spec.IV))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return encode(enc, spec.Encoding)
}

func Unseal(sealed string, key string, spec CipherSpec) ([]byte, error) {
	raw, err := decode(sealed, spec.Encoding)
	if err != nil {
		return nil, err
	}
	plain, err := utils.DecryptCBC(raw, []byte(key), []byte(spec.IV))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return plain, nil
}

// WrapKey encrypts the session key with PKCS#1 v1.5, hex encoded.
func WrapKey(key string, pub *rsa.PublicKey) (string, error) {
	enc, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(key))
	if err != nil {
		return "", fmt.Errorf("%w: key wrap: %v", ErrCrypto, err)
	}
	return hex.EncodeToString(enc), nil
}

// SealW produces the w parameter for the given pt mode.
func SealW(raw []byte, pt string, c *ProtocolConstants) (*SealedPayload, error) {
	switch pt {
	case "", "0":
		return &SealedPayload{W: escapeComponent(string(raw)), PT: pt}, nil
	case "1":
		key, err := NewSessionKey()
		if err != nil {
			return nil, err
		}
		pub, err := c.RSAPublicKey()
		if err != nil {
			return nil, err
		}
		blob, err := Seal(raw, key, c.Cipher)
		if err != nil {
			return nil, err
		}
		wrapped, err := WrapKey(key, pub)
		if err != nil {
			return nil, err
		}
		return &SealedPayload{W: blob + wrapped, PT: pt, Blob: blob, WrappedKey: wrapped}, nil
	case "2":
		return nil, fmt.Errorf("%w: encryption type 2 (SM2) is not supported", ErrCrypto)
	default:
		return nil, fmt.Errorf("%w: unknown encryption type %q", ErrCrypto, pt)
	}
}

func encode(b []byte, encoding string) (string, error) {
	switch encoding {
	case "hex":
		return hex.EncodeToString(b), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(b), nil
	default:
		return "", fmt.Errorf("%w: unknown encoding %q", ErrCrypto, encoding)
	}
}

func decode(s string, encoding string) ([]byte, error) {
	var (
		b   []byte
		err error
	)
	switch encoding {
	case "hex":
		b, err = hex.DecodeString(s)
	case "base64":
		b, err = base64.StdEncoding.DecodeString(s)
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrCrypto, encoding)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return b, nil
}

// escapeComponent percent-encodes everything except RFC 3986 unreserved chars.
func escapeComponent(s string) string {
	const hexDigits = "0123456789ABCDEF"
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			sb.WriteByte(c)
		default:
			sb.WriteByte('%')
			sb.WriteByte(hexDigits[c>>4])
			sb.WriteByte(hexDigits[c&15])
		}
	}
	return sb.String()
}
