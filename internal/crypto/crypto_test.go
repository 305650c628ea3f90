package crypto

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// Well-known development key (anvil account #0).
const (
	devKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func signedEnvelope(t *testing.T, s *Signer, issued time.Time, nonce string) domain.Envelope {
	t.Helper()
	env := domain.Envelope{
		Command: domain.Command{
			Type:    domain.CommandInvest,
			Caller:  s.Address(),
			BetID:   3,
			Outcome: 1,
			Amount:  big.NewInt(1_000_000_000_000_000_000),
		},
		Nonce:    nonce,
		IssuedAt: issued.Unix(),
	}
	require.NoError(t, s.SignEnvelope(&env))
	return env
}

func TestSignerAddress(t *testing.T) {
	s, err := NewSigner(devKey)
	require.NoError(t, err)
	assert.Equal(t, devAddress, s.Address())

	_, err = NewSigner("0xnothex")
	assert.Error(t, err)
}

func TestSignAndRecover(t *testing.T) {
	s, err := NewSigner(devKey)
	require.NoError(t, err)
	env := signedEnvelope(t, s, time.Now(), "n-1")

	assert.True(t, strings.HasPrefix(env.Signature, "0x"))
	assert.Len(t, env.Signature, 2+65*2)

	signer, err := RecoverSigner(env)
	require.NoError(t, err)
	assert.Equal(t, devAddress, signer)

	// Any change to the signed fields changes the recovered address.
	tampered := env
	tampered.Command.Amount = big.NewInt(2)
	other, err := RecoverSigner(tampered)
	if err == nil {
		assert.NotEqual(t, devAddress, other)
	}

	_, err = RecoverSigner(domain.Envelope{Signature: "0x1234"})
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestCanonicalMessageMatchesClientEncoding(t *testing.T) {
	env := domain.Envelope{
		Command: domain.Command{
			Type:   domain.CommandCreateBet,
			Caller: devAddress,
			Draft: &domain.BetDraft{
				Creator:            devAddress,
				Title:              "Tom & Jerry <final>",
				Outcomes:           []string{"Tom", "Jerry"},
				InvestmentDeadline: time.Date(2026, 5, 1, 12, 0, 0, 250_000_000, time.FixedZone("CEST", 2*3600)),
				SettlementDeadline: time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC),
				ExternalRef:        "bets/ab.json",
			},
		},
		Nonce:    "n-amp",
		IssuedAt: 1777626000,
	}

	msg, err := CanonicalMessage(env)
	require.NoError(t, err)
	text := string(msg)
	assert.Contains(t, text, `"title":"Tom & Jerry <final>"`)
	assert.Contains(t, text, `"investment_deadline":"2026-05-01T10:00:00Z"`)
	assert.Contains(t, text, `"settlement_deadline":"2026-05-01T11:00:00Z"`)
	assert.False(t, strings.HasSuffix(text, "\n"))
	assert.NotContains(t, text, `\u0026`)

	s, err := NewSigner(devKey)
	require.NoError(t, err)
	require.NoError(t, s.SignEnvelope(&env))
	signer, err := RecoverSigner(env)
	require.NoError(t, err)
	assert.Equal(t, devAddress, signer)
}

func TestVerifier(t *testing.T) {
	s, err := NewSigner(devKey)
	require.NoError(t, err)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	guard := NewMemoryNonceGuard(16, time.Hour)
	guard.now = func() time.Time { return now }
	v := NewVerifier(guard, time.Minute)
	v.now = func() time.Time { return now }
	ctx := context.Background()

	env := signedEnvelope(t, s, now, "n-1")
	env.Command.Caller = strings.ToLower(devAddress)
	require.NoError(t, s.SignEnvelope(&env))

	cmd, err := v.Verify(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, devAddress, cmd.Caller)
	assert.Equal(t, "1000000000000000000", cmd.Amount.String())

	_, err = v.Verify(ctx, env)
	assert.ErrorIs(t, err, domain.ErrReplayedNonce)

	stale := signedEnvelope(t, s, now.Add(-2*time.Minute), "n-2")
	_, err = v.Verify(ctx, stale)
	assert.ErrorIs(t, err, domain.ErrStaleEnvelope)

	future := signedEnvelope(t, s, now.Add(2*time.Minute), "n-3")
	_, err = v.Verify(ctx, future)
	assert.ErrorIs(t, err, domain.ErrStaleEnvelope)

	spoofed := signedEnvelope(t, s, now, "n-4")
	spoofed.Command.Caller = "0x00000000000000000000000000000000000000A1"
	require.NoError(t, s.SignEnvelope(&spoofed))
	_, err = v.Verify(ctx, spoofed)
	assert.ErrorIs(t, err, domain.ErrCallerMismatch)
	assert.Equal(t, domain.KindAuthorization, domain.KindOf(err))

	unknown := signedEnvelope(t, s, now, "n-5")
	unknown.Command.Type = "transfer"
	_, err = v.Verify(ctx, unknown)
	assert.ErrorIs(t, err, domain.ErrUnknownCommand)
}

func TestMemoryNonceGuardExpires(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	g := NewMemoryNonceGuard(16, time.Hour)
	g.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, g.Reserve(ctx, "0xAA", "n", time.Minute))
	assert.ErrorIs(t, g.Reserve(ctx, "0xaa", "n", time.Minute), domain.ErrReplayedNonce)

	now = now.Add(2 * time.Minute)
	assert.NoError(t, g.Reserve(ctx, "0xaa", "n", time.Minute))
}

func TestKeyFileRoundTrip(t *testing.T) {
	pk, err := GenerateKey()
	require.NoError(t, err)
	data, err := EncryptKey(pk, "correct horse")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := LoadKey(KeySource{KeyFilePath: path, Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, KeyHex(pk), KeyHex(loaded))

	_, err = LoadKey(KeySource{KeyFilePath: path, Password: "wrong"})
	assert.Error(t, err)

	_, err = EncryptKey(pk, "")
	assert.Error(t, err)
}

func TestKeyFileAddressIsAuthenticated(t *testing.T) {
	pk, err := GenerateKey()
	require.NoError(t, err)
	data, err := EncryptKey(pk, "pw")
	require.NoError(t, err)

	addr := NewSignerFromKey(pk).Address()
	forged := strings.Replace(string(data), addr, devAddress, 1)
	_, err = DecryptKey([]byte(forged), "pw")
	assert.Error(t, err)
}

func TestLoadKeyPrefersRawKey(t *testing.T) {
	pk, err := LoadKey(KeySource{RawPrivateKey: devKey, KeyFilePath: "/does/not/exist"})
	require.NoError(t, err)
	assert.Equal(t, devAddress, NewSignerFromKey(pk).Address())

	_, err = LoadKey(KeySource{})
	assert.Error(t, err)
}
