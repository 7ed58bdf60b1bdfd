package hubspot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client talks to the HubSpot CRM API. The portal uses two calls: the
// create-or-update contact endpoint (idempotent by email, which suits relay
// redelivery) and note engagements for project awards.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a HubSpot client. HUBSPOT_API_BASE_URL overrides the live
// endpoint for sandboxes and tests.
func NewClient(apiKey string) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("HUBSPOT_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.hubapi.com"
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("hubspot api key is empty")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// ContactParams carries the member fields mirrored into the CRM.
type ContactParams struct {
	Email       string
	FullName    string
	CompanyName string
	Phone       string
	Role        string
}

// UpsertContact creates or refreshes the CRM contact keyed by email and
// returns the vendor contact id.
func (c *Client) UpsertContact(ctx context.Context, params ContactParams) (string, error) {
	if params.Email == "" {
		return "", errors.New("hubspot: contact email is empty")
	}

	properties := []map[string]string{
		{"property": "email", "value": params.Email},
	}
	if params.FullName != "" {
		first, last, _ := strings.Cut(params.FullName, " ")
		properties = append(properties, map[string]string{"property": "firstname", "value": first})
		if last != "" {
			properties = append(properties, map[string]string{"property": "lastname", "value": last})
		}
	}
	if params.CompanyName != "" {
		properties = append(properties, map[string]string{"property": "company", "value": params.CompanyName})
	}
	if params.Phone != "" {
		properties = append(properties, map[string]string{"property": "phone", "value": params.Phone})
	}
	if params.Role != "" {
		properties = append(properties, map[string]string{"property": "member_role", "value": params.Role})
	}

	var result struct {
		VID json.Number `json:"vid"`
	}
	path := "/contacts/v1/contact/createOrUpdate/email/" + url.PathEscape(params.Email)
	if err := c.postJSON(ctx, path, map[string]any{"properties": properties}, &result); err != nil {
		return "", err
	}
	if result.VID.String() == "" {
		return "", errors.New("hubspot: createOrUpdate returned no contact id")
	}
	return result.VID.String(), nil
}

// CreateNote attaches a note engagement to a contact.
func (c *Client) CreateNote(ctx context.Context, contactID, body string) error {
	vid, err := strconv.ParseInt(contactID, 10, 64)
	if err != nil {
		return fmt.Errorf("hubspot: contact id %q is not numeric: %w", contactID, err)
	}

	payload := map[string]any{
		"engagement":   map[string]any{"active": true, "type": "NOTE"},
		"associations": map[string]any{"contactIds": []int64{vid}},
		"metadata":     map[string]any{"body": body},
	}
	return c.postJSON(ctx, "/engagements/v1/engagements", payload, nil)
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

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("hubspot api error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}
