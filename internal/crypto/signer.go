// Package crypto carries caller identity for the ledger: secp256k1 keys,
// EIP-191 signed command envelopes and password-encrypted key files.
package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// recoveryID indexes the v byte of a 65-byte signature.
const recoveryID = ethcrypto.RecoveryIDOffset

// signedPayload is the exact structure covered by an envelope signature.
type signedPayload struct {
	Command  domain.Command `json:"command"`
	Nonce    string         `json:"nonce"`
	IssuedAt int64          `json:"issued_at"`
}

// Signer signs command envelopes with a secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded private key (0x optional).
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return NewSignerFromKey(pk), nil
}

// NewSignerFromKey wraps an already parsed key.
func NewSignerFromKey(pk *ecdsa.PrivateKey) *Signer {
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}
}

// Address returns the checksummed account address of the key.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// SignEnvelope fills env.Signature. The command's Caller must already be
// the signer's address.
func (s *Signer) SignEnvelope(env *domain.Envelope) error {
	digest, err := EnvelopeDigest(*env)
	if err != nil {
		return err
	}
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return fmt.Errorf("crypto/signer: %w: %v", domain.ErrSigningFailed, err)
	}
	// go-ethereum yields v in {0,1}; wallets publish {27,28}.
	sig[recoveryID] += 27
	env.Signature = "0x" + hex.EncodeToString(sig)
	return nil
}

// EnvelopeDigest is the EIP-191 personal-message hash of the envelope's
// canonical JSON encoding, the same digest a wallet's personal_sign
// produces for those bytes.
func EnvelopeDigest(env domain.Envelope) ([]byte, error) {
	msg, err := CanonicalMessage(env)
	if err != nil {
		return nil, err
	}
	return accounts.TextHash(msg), nil
}

// CanonicalMessage returns the bytes a client signs for env: the compact
// JSON object {"command":...,"nonce":...,"issued_at":...} with fields in
// struct order, no trailing newline and no HTML escaping, so &, < and >
// appear literally as JSON.stringify writes them. Draft deadlines are
// encoded as RFC 3339 UTC at whole seconds ("2026-05-01T10:00:00Z").
func CanonicalMessage(env domain.Envelope) ([]byte, error) {
	cmd := env.Command
	if cmd.Draft != nil {
		d := *cmd.Draft
		d.InvestmentDeadline = d.InvestmentDeadline.UTC().Truncate(time.Second)
		d.SettlementDeadline = d.SettlementDeadline.UTC().Truncate(time.Second)
		cmd.Draft = &d
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(signedPayload{Command: cmd, Nonce: env.Nonce, IssuedAt: env.IssuedAt}); err != nil {
		return nil, fmt.Errorf("crypto/signer: encode envelope: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// RecoverSigner returns the checksummed address that produced
// env.Signature. Malformed or non-recoverable signatures are
// domain.ErrInvalidSignature.
func RecoverSigner(env domain.Envelope) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(env.Signature, "0x"))
	if err != nil || len(sig) != ethcrypto.SignatureLength {
		return "", domain.ErrInvalidSignature.Withf("malformed signature")
	}
	if sig[recoveryID] >= 27 {
		sig[recoveryID] -= 27
	}
	digest, err := EnvelopeDigest(env)
	if err != nil {
		return "", err
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return "", domain.ErrInvalidSignature.Withf("%v", err)
	}
	return ethcrypto.PubkeyToAddress(*pub).Hex(), nil
}
