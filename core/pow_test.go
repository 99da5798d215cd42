package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geekedapi/utils"
)

func powDetail(bits int) utils.PowDetail {
	return utils.PowDetail{HashFunc: "sha256", Version: "1", Bits: bits, Datetime: "2025-02-06T14:06:49.870+08:00"}
}

func TestSolvePowFindsSmallestNonce(t *testing.T) {
	d := powDetail(10)
	base := PowBase(d, "54088bb07d2df3c46b79f80300b0abbe", fixtureLot)
	want := linearPow(base, d.Bits)

	for _, workers := range []int{1, 3, 8} {
		res, err := SolvePow(context.Background(), base, d, DefaultPow(1<<20), workers)
		require.NoError(t, err)
		assert.Equal(t, FormatNonce(want), res.Nonce, "workers=%d", workers)
		assert.Equal(t, want+1, res.Iterations)
		assert.Equal(t, base+res.Nonce, res.Msg)
		assert.True(t, VerifyPow(res.Sign, d.Bits))
	}
}

func TestSolvePowZeroBits(t *testing.T) {
	res, err := SolvePow(context.Background(), "base|", powDetail(0), DefaultPow(10), 4)
	require.NoError(t, err)
	assert.Equal(t, "0000000000000000", res.Nonce)
	assert.Equal(t, uint64(1), res.Iterations)
}

func TestSolvePowCeiling(t *testing.T) {
	start := time.Now()
	_, err := SolvePow(context.Background(), "base|", powDetail(64), DefaultPow(5000), 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCaptchaFailed)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSolvePowCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := SolvePow(ctx, "base|", powDetail(64), DefaultPow(1<<40), 2)
	assert.ErrorIs(t, err, ErrCancelled)

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = SolvePow(ctx, "base|", powDetail(64), DefaultPow(1<<40), 2)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSolvePowRejectsBadParameters(t *testing.T) {
	d := powDetail(4)
	d.HashFunc = "sm3"
	_, err := SolvePow(context.Background(), "b", d, DefaultPow(10), 1)
	assert.ErrorIs(t, err, ErrCrypto)

	_, err = SolvePow(context.Background(), "b", powDetail(300), DefaultPow(10), 1)
	assert.ErrorIs(t, err, ErrCrypto)

	_, err = SolvePow(context.Background(), "b", powDetail(4), PowSpec{HashFuncs: []string{"md5"}, MaxIterations: 10}, 1)
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestVerifyPow(t *testing.T) {
	assert.True(t, VerifyPow("00ff", 8))
	assert.False(t, VerifyPow("01ff", 8))
	assert.True(t, VerifyPow("07ff", 5))
	assert.False(t, VerifyPow("08ff", 5))
	assert.True(t, VerifyPow("3fff", 2))
	assert.False(t, VerifyPow("4fff", 2))
	assert.True(t, VerifyPow("1fff", 3))
	assert.False(t, VerifyPow("2fff", 3))
	assert.True(t, VerifyPow("anything", 0))
}
