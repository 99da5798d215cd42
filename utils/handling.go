package utils

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	mrand "math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/html"
)

// * ONE FUNCTION
func PKCS7Padding(data []byte, blockSize int) []byte {
	padding := blockSize - (len(data) % blockSize)
	padText := bytes.Repeat([]byte{byte(padding)}, padding)
	return append(data, padText...)
}

func PKCS7Unpadding(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	paddingLen := int(data[len(data)-1])
	if paddingLen == 0 || paddingLen > blockSize || paddingLen > len(data) {
		return nil, errors.New("invalid padding length")
	}
	for _, b := range data[len(data)-paddingLen:] {
		if int(b) != paddingLen {
			return nil, errors.New("invalid padding byte")
		}
	}
	return data[:len(data)-paddingLen], nil
}

func EncryptCBC(plainText, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("invalid IV length %d", len(iv))
	}

	paddedText := PKCS7Padding(append([]byte(nil), plainText...), aes.BlockSize)
	mode := cipher.NewCBCEncrypter(block, iv)

	cipherText := make([]byte, len(paddedText))
	mode.CryptBlocks(cipherText, paddedText)

	return cipherText, nil
}

func DecryptCBC(cipherText, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("invalid IV length %d", len(iv))
	}
	if len(cipherText) < aes.BlockSize || len(cipherText)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}

	mode := cipher.NewCBCDecrypter(block, iv)
	decrypted := make([]byte, len(cipherText))
	mode.CryptBlocks(decrypted, cipherText)

	return PKCS7Unpadding(decrypted, aes.BlockSize)
}

// RandUID returns 16 lowercase hex chars built from four values in [0x1000, 0xffff].
func RandUID() (string, error) {
	var sb strings.Builder
	buf := make([]byte, 2)
	for i := 0; i < 4; i++ {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		v := 0x1000 + uint32(binary.BigEndian.Uint16(buf))%(0xffff-0x1000+1)
		sb.WriteString(fmt.Sprintf("%04x", v))
	}
	return sb.String(), nil
}

// Callback names look like geetest_<millis+rand>.
func RandomCallback() string {
	return fmt.Sprintf("geetest_%d", time.Now().UnixMilli()+int64(mrand.Intn(10000)))
}

func NewChallenge() string {
	return uuid.New().String()
}

func NewTaskID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// ParseJSONP unwraps callback(...) and decodes the envelope.
func ParseJSONP(body []byte, callback string) (GeetestResponse, error) {
	var envelope GeetestResponse

	text := strings.TrimSpace(string(body))
	prefix := callback + "("
	start := strings.Index(text, prefix)
	if start < 0 {
		return envelope, fmt.Errorf("invalid JSONP format: %s", truncate(text, 200))
	}
	text = strings.TrimSuffix(text[start+len(prefix):], ";")
	if !strings.HasSuffix(text, ")") {
		return envelope, fmt.Errorf("unterminated JSONP body: %s", truncate(text, 200))
	}
	text = text[:len(text)-1]

	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		return envelope, fmt.Errorf("failed to decode JSONP envelope: %w", err)
	}
	return envelope, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func StripHTML(input string) string {
	var output bytes.Buffer
	tokenizer := html.NewTokenizer(strings.NewReader(input))

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return strings.TrimSpace(output.String())
		case html.TextToken:
			text := tokenizer.Text()
			output.Write(text)
		}
	}
}
