package core

import (
	"crypto/rsa"
	"fmt"
	"math/big"
	"strings"
)

const (
	DefaultModulus  = "00C1E3934D1614465B33053E7F48EE4EC87B14B95EF88947713D25EECBFF7E74C7977D02DC1D9451F79DD5D1C10C29ACB6A9B4D6FB7D0A0279B6719E1772565F09AF627715919221AEF91899CAE08C0D686D748B20A3603BE2318CA6BC2B59706592A9219D0BF05C9F65023A21D2330807252AE0066D59CEEFA5F2748EA80BAB81"
	DefaultExponent = 65537

	KeySourceScript  = "script"
	KeySourceBuiltin = "builtin"
)

// ProtocolConstants is everything decoded from one script version. Values are
// never modified after extraction.
type ProtocolConstants struct {
	Version    string            `json:"version"`
	StaticPath string            `json:"static_path"`
	ScriptHash string            `json:"script_hash"`
	Mapping    string            `json:"mapping"`
	Abo        map[string]string `json:"abo"`
	DeviceID   string            `json:"device_id"`
	PublicKey  PublicKeySpec     `json:"public_key"`
	Cipher     CipherSpec        `json:"cipher"`
	Pow        PowSpec           `json:"pow"`
	Wire       WireSpec          `json:"wire"`
}

type PublicKeySpec struct {
	Modulus  string `json:"n"`
	Exponent int    `json:"e"`
	Source   string `json:"source"`
}

type CipherSpec struct {
	Name      string `json:"name"`
	IV        string `json:"iv"`
	KeyLength int    `json:"key_length"`
	Encoding  string `json:"encoding"`
}

type PowSpec struct {
	HashFuncs     []string `json:"hash_funcs"`
	MaxIterations uint64   `json:"max_iterations"`
}

type WireSpec struct {
	LoadPath        string `json:"load_path"`
	VerifyPath      string `json:"verify_path"`
	ScriptPath      string `json:"script_path"`
	PayloadProtocol string `json:"payload_protocol"`
	ClientType      string `json:"client_type"`
}

var DefaultCipher = CipherSpec{
	Name:      "AES-CBC",
	IV:        "0000000000000000",
	KeyLength: 16,
	Encoding:  "hex",
}

var DefaultWire = WireSpec{
	LoadPath:        "/load",
	VerifyPath:      "/verify",
	ScriptPath:      "/js/gcaptcha4.js",
	PayloadProtocol: "1",
	ClientType:      "web",
}

func DefaultPow(maxIterations uint64) PowSpec {
	return PowSpec{
		HashFuncs:     []string{"md5", "sha1", "sha256"},
		MaxIterations: maxIterations,
	}
}

func (c *ProtocolConstants) RSAPublicKey() (*rsa.PublicKey, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(c.PublicKey.Modulus), 16)
	if !ok || n.Sign() <= 0 {
		return nil, fmt.Errorf("%w: invalid RSA modulus", ErrCrypto)
	}
	if c.PublicKey.Exponent < 3 {
		return nil, fmt.Errorf("%w: invalid RSA exponent %d", ErrCrypto, c.PublicKey.Exponent)
	}
	return &rsa.PublicKey{N: n, E: c.PublicKey.Exponent}, nil
}

func (p PowSpec) Allows(name string) bool {
	for _, h := range p.HashFuncs {
		if h == name {
			return true
		}
	}
	return false
}

// Validate rejects incomplete or inconsistent constant sets as a whole.
func (c *ProtocolConstants) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: no constants", ErrDeobfuscation)
	}

	missing := func(field string) error {
		return fmt.Errorf("%w: version %q is missing %s", ErrDeobfuscation, c.Version, field)
	}
	switch {
	case c.Version == "":
		return missing("version")
	case c.Mapping == "":
		return missing("mapping")
	case len(c.Abo) == 0:
		return missing("abo")
	case c.PublicKey.Modulus == "":
		return missing("public key")
	case c.Cipher.Name == "" || c.Cipher.Encoding == "":
		return missing("cipher")
	case len(c.Pow.HashFuncs) == 0 || c.Pow.MaxIterations == 0:
		return missing("pow policy")
	case c.Wire.LoadPath == "" || c.Wire.VerifyPath == "":
		return missing("wire paths")
	}

	if c.Cipher.Name != "AES-CBC" {
		return fmt.Errorf("%w: unsupported cipher %q", ErrDeobfuscation, c.Cipher.Name)
	}
	if len(c.Cipher.IV) != 16 || c.Cipher.KeyLength != 16 {
		return fmt.Errorf("%w: cipher IV/key length mismatch", ErrDeobfuscation)
	}
	if c.Cipher.Encoding != "hex" && c.Cipher.Encoding != "base64" {
		return fmt.Errorf("%w: unsupported encoding %q", ErrDeobfuscation, c.Cipher.Encoding)
	}
	if _, err := NewLotParser(c.Mapping); err != nil {
		return fmt.Errorf("%w: %v", ErrDeobfuscation, err)
	}
	if _, err := c.RSAPublicKey(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeobfuscation, err)
	}
	return nil
}
