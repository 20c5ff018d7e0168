/*
Package remote implements the HTTP client for the authoritative ledger
service.

PURPOSE:
  Maps the sync engine's outbound contract (sync.RemoteClient) onto the
  service's JSON envelope protocol and classifies every failure into the
  transient/permanent taxonomy the queue retries on.

PROTOCOL:
  Every response body is an envelope:

    {"success": true, "data": {...}}
    {"success": false, "error": "message"}

CLASSIFICATION:
  network error, timeout     -> transient
  5xx                        -> transient
  4xx                        -> permanent (message from the envelope)
  2xx with success=false     -> permanent (the service rejected the write)

SEE ALSO:
  - sync/remote.go: The interface and error contract
  - sync/errors.go: TransientError / PermanentError
*/
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tallybook/ledger-client/ledger"
	"github.com/tallybook/ledger-client/sync"
)

// DefaultTimeout bounds every remote call. Slow responses become
// transient failures and ride the normal backoff.
const DefaultTimeout = 30 * time.Second

// Client talks to the remote ledger service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ sync.RemoteClient = (*Client)(nil)

// NewClient creates a client for the service at baseURL (no trailing
// slash, e.g. "https://api.tallybook.example/v1").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// NewClientWithHTTP creates a client with a caller-supplied *http.Client
// (tests, custom transports).
func NewClientWithHTTP(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: baseURL, httpClient: hc}
}

// envelope is the uniform response wrapper the service uses.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// =============================================================================
// PUSH - Dispatch one queued mutation
// =============================================================================

// Send dispatches one mutation record. Endpoint, method, and payload
// were frozen at enqueue time; this function only moves bytes and
// classifies the outcome.
func (c *Client) Send(ctx context.Context, rec sync.MutationRecord) error {
	var body io.Reader
	if len(rec.Payload) > 0 {
		body = bytes.NewReader(rec.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, rec.Method, c.baseURL+rec.Endpoint, body)
	if err != nil {
		return &sync.TransientError{Op: rec.Op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &sync.TransientError{Op: rec.Op, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 500:
		return &sync.TransientError{
			Op:  rec.Op,
			Err: fmt.Errorf("server error (status %d)", resp.StatusCode),
		}
	case resp.StatusCode >= 400:
		return &sync.PermanentError{
			Op:         rec.Op,
			StatusCode: resp.StatusCode,
			Message:    envelopeError(raw),
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// An unreadable 2xx body is not proof of rejection; retry.
		return &sync.TransientError{Op: rec.Op, Err: fmt.Errorf("malformed response: %w", err)}
	}
	if !env.Success {
		return &sync.PermanentError{
			Op:         rec.Op,
			StatusCode: resp.StatusCode,
			Message:    env.Error,
		}
	}
	return nil
}

func envelopeError(raw []byte) string {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Error != "" {
		return env.Error
	}
	return ""
}

// =============================================================================
// PULL - Authoritative entity snapshots
// =============================================================================

// get fetches one collection and unmarshals the envelope data into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch %s: status %d", path, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	if !env.Success {
		return fmt.Errorf("fetch %s rejected: %s", path, env.Error)
	}
	return json.Unmarshal(env.Data, out)
}

// Wire documents. Amounts travel as decimal strings; float64 never
// touches money.

type accountDoc struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Unit      string    `json:"unit,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type postingDoc struct {
	ID        string   `json:"id"`
	AccountID string   `json:"account_id"`
	Amount    string   `json:"amount"`
	Unit      string   `json:"unit"`
	Tags      []string `json:"tags,omitempty"`
}

type transactionDoc struct {
	ID        string       `json:"id"`
	Date      time.Time    `json:"date"`
	Payee     string       `json:"payee"`
	Memo      string       `json:"memo,omitempty"`
	Postings  []postingDoc `json:"postings"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type unitDoc struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name,omitempty"`
	Precision int32     `json:"precision"`
	UpdatedAt time.Time `json:"updated_at"`
}

type tagDoc struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

type priceDoc struct {
	ID        string    `json:"id"`
	Unit      string    `json:"unit"`
	QuoteUnit string    `json:"quote_unit"`
	Rate      string    `json:"rate"`
	AsOf      time.Time `json:"as_of"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Client) FetchAccounts(ctx context.Context) ([]ledger.Account, error) {
	var docs []accountDoc
	if err := c.get(ctx, "/accounts", &docs); err != nil {
		return nil, err
	}

	accounts := make([]ledger.Account, 0, len(docs))
	for _, d := range docs {
		accounts = append(accounts, ledger.Account{
			ID:        ledger.AccountID(d.ID),
			Name:      d.Name,
			Type:      ledger.AccountType(d.Type),
			Unit:      ledger.UnitID(d.Unit),
			UpdatedAt: d.UpdatedAt,
		})
	}
	return accounts, nil
}

func (c *Client) FetchTransactions(ctx context.Context) ([]ledger.Transaction, error) {
	var docs []transactionDoc
	if err := c.get(ctx, "/transactions", &docs); err != nil {
		return nil, err
	}

	txs := make([]ledger.Transaction, 0, len(docs))
	for _, d := range docs {
		t := ledger.Transaction{
			ID:        ledger.TransactionID(d.ID),
			Date:      d.Date,
			Payee:     d.Payee,
			Memo:      d.Memo,
			UpdatedAt: d.UpdatedAt,
		}
		for _, pd := range d.Postings {
			value, err := decimal.NewFromString(pd.Amount)
			if err != nil {
				return nil, fmt.Errorf("invalid amount %q in transaction %s: %w", pd.Amount, d.ID, err)
			}
			p := ledger.Posting{
				ID:            ledger.PostingID(pd.ID),
				TransactionID: t.ID,
				AccountID:     ledger.AccountID(pd.AccountID),
				Amount:        ledger.Amount{Value: value, Unit: ledger.UnitID(pd.Unit)},
			}
			for _, tag := range pd.Tags {
				p.TagIDs = append(p.TagIDs, ledger.TagID(tag))
			}
			t.Postings = append(t.Postings, p)
		}
		txs = append(txs, t)
	}
	return txs, nil
}

func (c *Client) FetchUnits(ctx context.Context) ([]ledger.Unit, error) {
	var docs []unitDoc
	if err := c.get(ctx, "/units", &docs); err != nil {
		return nil, err
	}

	units := make([]ledger.Unit, 0, len(docs))
	for _, d := range docs {
		units = append(units, ledger.Unit{
			ID:        ledger.UnitID(d.ID),
			Code:      d.Code,
			Name:      d.Name,
			Precision: d.Precision,
			UpdatedAt: d.UpdatedAt,
		})
	}
	return units, nil
}

func (c *Client) FetchTags(ctx context.Context) ([]ledger.Tag, error) {
	var docs []tagDoc
	if err := c.get(ctx, "/tags", &docs); err != nil {
		return nil, err
	}

	tags := make([]ledger.Tag, 0, len(docs))
	for _, d := range docs {
		tags = append(tags, ledger.Tag{
			ID:        ledger.TagID(d.ID),
			Name:      d.Name,
			UpdatedAt: d.UpdatedAt,
		})
	}
	return tags, nil
}

func (c *Client) FetchPrices(ctx context.Context) ([]ledger.Price, error) {
	var docs []priceDoc
	if err := c.get(ctx, "/prices", &docs); err != nil {
		return nil, err
	}

	prices := make([]ledger.Price, 0, len(docs))
	for _, d := range docs {
		rate, err := decimal.NewFromString(d.Rate)
		if err != nil {
			return nil, fmt.Errorf("invalid rate %q for price %s: %w", d.Rate, d.ID, err)
		}
		prices = append(prices, ledger.Price{
			ID:        ledger.PriceID(d.ID),
			Unit:      ledger.UnitID(d.Unit),
			QuoteUnit: ledger.UnitID(d.QuoteUnit),
			Rate:      rate,
			AsOf:      d.AsOf,
			UpdatedAt: d.UpdatedAt,
		})
	}
	return prices, nil
}
