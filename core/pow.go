package core

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"geekedapi/utils"
)

const powCheckEvery = 1024

type PowResult struct {
	Msg        string `json:"pow_msg"`
	Sign       string `json:"pow_sign"`
	Nonce      string `json:"nonce"`
	Iterations uint64 `json:"iterations"`
}

func PowBase(d utils.PowDetail, captchaID, lotNumber string) string {
	return fmt.Sprintf("%s|%d|%s|%s|%s|%s||", d.Version, d.Bits, d.HashFunc, d.Datetime, captchaID, lotNumber)
}

func powHash(name string) (func() hash.Hash, error) {
	switch name {
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	case "sha256":
		return sha256.New, nil
	default:
		return nil, fmt.Errorf("%w: unsupported pow hash %q", ErrCrypto, name)
	}
}

// FormatNonce renders n as 16 zero-padded hex chars.
func FormatNonce(n uint64) string {
	return fmt.Sprintf("%016x", n)
}

func appendNonce(dst []byte, n uint64) []byte {
	const digits = "0123456789abcdef"
	for shift := 60; shift >= 0; shift -= 4 {
		dst = append(dst, digits[(n>>uint(shift))&0xf])
	}
	return dst
}

func leadingZeroBits(sum []byte, bits int) bool {
	full := bits / 8
	for i := 0; i < full; i++ {
		if sum[i] != 0 {
			return false
		}
	}
	rem := bits % 8
	if rem == 0 {
		return true
	}
	return sum[full]>>(8-rem) == 0
}

// VerifyPow checks a hex digest the way the service does: bits/4 leading
// zeros, then the next hex digit bounded by the remaining bits.
func VerifyPow(sign string, bits int) bool {
	division, remainder := bits/4, bits%4
	if len(sign) < division || !strings.HasPrefix(sign, strings.Repeat("0", division)) {
		return false
	}
	if remainder == 0 {
		return true
	}
	if len(sign) <= division {
		return false
	}
	next := sign[division]
	switch remainder {
	case 1:
		return next <= '7'
	case 2:
		return next <= '3'
	default:
		return next <= '1'
	}
}

// SolvePow searches nonces 0, 1, 2, ... for the first whose digest has the
// required leading zero bits. Workers scan strided nonces and share the best
// hit, so the result is the smallest valid nonce for any worker count.
func SolvePow(ctx context.Context, base string, d utils.PowDetail, spec PowSpec, workers int) (PowResult, error) {
	newHash, err := powHash(d.HashFunc)
	if err != nil {
		return PowResult{}, err
	}
	if len(spec.HashFuncs) > 0 && !spec.Allows(d.HashFunc) {
		return PowResult{}, fmt.Errorf("%w: pow hash %q not allowed by constants", ErrCrypto, d.HashFunc)
	}
	if d.Bits < 0 || d.Bits > newHash().Size()*8 {
		return PowResult{}, fmt.Errorf("%w: pow difficulty %d out of range", ErrCrypto, d.Bits)
	}
	if workers < 1 {
		workers = 1
	}
	limit := spec.MaxIterations
	stride := uint64(workers)

	var (
		best atomic.Uint64
		wg   sync.WaitGroup
	)
	best.Store(math.MaxUint64)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(start uint64) {
			defer wg.Done()

			h := newHash()
			buf := make([]byte, 0, len(base)+16)
			sum := make([]byte, 0, h.Size())
			var local uint64

			for n := start; n < limit; n += stride {
				if n > best.Load() {
					return
				}
				if local%powCheckEvery == 0 && ctx.Err() != nil {
					return
				}
				local++

				buf = appendNonce(append(buf[:0], base...), n)
				h.Reset()
				h.Write(buf)
				sum = h.Sum(sum[:0])

				if leadingZeroBits(sum, d.Bits) {
					for {
						cur := best.Load()
						if n >= cur || best.CompareAndSwap(cur, n) {
							return
						}
					}
				}
			}
		}(uint64(w))
	}
	wg.Wait()

	if err := ctxError(ctx); err != nil {
		return PowResult{}, err
	}
	found := best.Load()
	if found == math.MaxUint64 {
		return PowResult{}, captchaFailed("proof-of-work search exhausted after %d iterations (bits=%d)", limit, d.Bits)
	}

	nonce := FormatNonce(found)
	h := newHash()
	h.Write([]byte(base + nonce))
	return PowResult{
		Msg:        base + nonce,
		Sign:       hex.EncodeToString(h.Sum(nil)),
		Nonce:      nonce,
		Iterations: found + 1,
	}, nil
}
