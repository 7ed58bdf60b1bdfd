package quickbooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client talks to the QuickBooks Online accounting API. The portal records
// every escrow money movement (funding in, payouts out) as a payment entry
// so the chapter's books reconcile without manual entry.
type Client struct {
	baseURL string
	apiKey  string
	realmID string
	http    *http.Client
}

// NewClient builds a QuickBooks client. QUICKBOOKS_API_BASE_URL overrides
// the live endpoint for sandboxes and tests; QUICKBOOKS_REALM_ID selects the
// company file.
func NewClient(apiKey string) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("QUICKBOOKS_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://quickbooks.api.intuit.com"
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("quickbooks api key is empty")
	}
	realmID := strings.TrimSpace(os.Getenv("QUICKBOOKS_REALM_ID"))
	if realmID == "" {
		return nil, errors.New("quickbooks realm id is empty")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		realmID: realmID,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// PaymentParams describes one money movement headed into the books.
type PaymentParams struct {
	Reference string
	Amount    decimal.Decimal
	Memo      string
}

// RecordPayment books a payment entry and returns the vendor id. The
// reference number carries the portal's transfer ref or payment intent id,
// so a redelivered message books an entry the accountant can reconcile as a
// duplicate rather than a silent double count.
func (c *Client) RecordPayment(ctx context.Context, params PaymentParams) (string, error) {
	if params.Reference == "" {
		return "", errors.New("quickbooks: payment reference is empty")
	}

	amount, _ := params.Amount.Round(2).Float64()
	payload := map[string]any{
		"TotalAmt":      amount,
		"PaymentRefNum": params.Reference,
		"PrivateNote":   params.Memo,
	}

	var result struct {
		Payment struct {
			ID string `json:"Id"`
		} `json:"Payment"`
	}
	path := fmt.Sprintf("/v3/company/%s/payment", c.realmID)
	if err := c.postJSON(ctx, path, payload, &result); err != nil {
		return "", err
	}
	return result.Payment.ID, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("quickbooks api error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}
