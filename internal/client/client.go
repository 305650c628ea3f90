// Package client is a Go client for the ledger's HTTP API. It signs
// commands locally and submits them as envelopes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/betledger/internal/crypto"
	"github.com/alanyoungcy/betledger/internal/domain"
)

// Amount is a wei value with its ether rendering.
type Amount struct {
	Wei   string          `json:"wei"`
	Ether decimal.Decimal `json:"ether"`
}

// Bet is the API's view of a bet.
type Bet struct {
	ID                 uint64              `json:"id"`
	Creator            string              `json:"creator"`
	Title              string              `json:"title"`
	Description        string              `json:"description"`
	Outcomes           []string            `json:"outcomes"`
	InvestmentDeadline time.Time           `json:"investment_deadline"`
	SettlementDeadline time.Time           `json:"settlement_deadline"`
	ExternalRef        string              `json:"external_ref"`
	Settled            bool                `json:"settled"`
	WinningOutcome     *int                `json:"winning_outcome"`
	PaidOut            Amount              `json:"paid_out"`
	Phase              domain.Phase        `json:"phase"`
	Pools              []Amount            `json:"pools"`
	TotalPool          *Amount             `json:"total_pool"`
	Metadata           *domain.BetMetadata `json:"metadata"`
	MetadataError      string              `json:"metadata_error"`
}

// Receipt is the API's view of a transaction.
type Receipt struct {
	TxID      string          `json:"tx_id"`
	Type      string          `json:"type"`
	Caller    string          `json:"caller"`
	Status    domain.TxStatus `json:"status"`
	BetID     uint64          `json:"bet_id"`
	Payout    *Amount         `json:"payout"`
	ErrorKind string          `json:"error_kind"`
	ErrorCode string          `json:"error_code"`
	Error     string          `json:"error"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api: %d: %s", e.Status, e.Message)
}

// Client talks to one ledger server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
}

// New creates a Client. signer may be nil for read-only use.
func New(baseURL string, signer *crypto.Signer) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		signer:     signer,
	}
}

// UploadMetadata stores the document for a bet about to be created.
func (c *Client) UploadMetadata(ctx context.Context, meta domain.BetMetadata) (string, error) {
	var out struct {
		Ref string `json:"external_ref"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/metadata", meta, &out); err != nil {
		return "", fmt.Errorf("client: upload metadata: %w", err)
	}
	return out.Ref, nil
}

// Submit signs cmd with the client's key and submits it. The returned
// receipt is pending.
func (c *Client) Submit(ctx context.Context, cmd domain.Command) (Receipt, error) {
	if c.signer == nil {
		return Receipt{}, fmt.Errorf("client: submit: no signing key")
	}
	cmd.Caller = c.signer.Address()
	env := domain.Envelope{Command: cmd, Nonce: uuid.NewString(), IssuedAt: time.Now().Unix()}
	if err := c.signer.SignEnvelope(&env); err != nil {
		return Receipt{}, fmt.Errorf("client: sign %s: %w", cmd.Type, err)
	}

	var r Receipt
	if err := c.do(ctx, http.MethodPost, "/api/tx", env, &r); err != nil {
		return Receipt{}, fmt.Errorf("client: submit %s: %w", cmd.Type, err)
	}
	return r, nil
}

// Wait long-polls until txID resolves. A still-pending receipt is returned
// after timeout.
func (c *Client) Wait(ctx context.Context, txID string, timeout time.Duration) (Receipt, error) {
	path := fmt.Sprintf("/api/tx/%s/wait?timeout=%s", url.PathEscape(txID), url.QueryEscape(timeout.String()))
	var r Receipt
	if err := c.do(ctx, http.MethodGet, path, nil, &r); err != nil {
		return Receipt{}, fmt.Errorf("client: wait %s: %w", txID, err)
	}
	return r, nil
}

// Execute submits cmd and waits for it. A rejected receipt is returned with
// an error describing the rejection.
func (c *Client) Execute(ctx context.Context, cmd domain.Command, timeout time.Duration) (Receipt, error) {
	r, err := c.Submit(ctx, cmd)
	if err != nil {
		return Receipt{}, err
	}
	if r, err = c.Wait(ctx, r.TxID, timeout); err != nil {
		return r, err
	}
	switch r.Status {
	case domain.TxRejected:
		return r, fmt.Errorf("client: %s rejected: %s (%s)", cmd.Type, r.Error, r.ErrorCode)
	case domain.TxPending:
		return r, fmt.Errorf("client: %s still pending after %s (tx %s)", cmd.Type, timeout, r.TxID)
	}
	return r, nil
}

// GetBet returns a bet with its pools, phase and metadata.
func (c *Client) GetBet(ctx context.Context, id uint64) (Bet, error) {
	var b Bet
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/bets/%d", id), nil, &b); err != nil {
		return Bet{}, fmt.Errorf("client: get bet %d: %w", id, err)
	}
	return b, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
