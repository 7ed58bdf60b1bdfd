package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Client extracts text from evidence photos through the OCR.space API. It
// satisfies the escrow task service's OCRClient interface; the task service
// treats failures as non-blocking, so evidence lands even when this vendor
// is down.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds an OCR client. OCR_API_BASE_URL overrides the live
// endpoint for sandboxes and tests.
func NewClient(apiKey string) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("OCR_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.ocr.space"
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("ocr api key is empty")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// ExtractText runs OCR over the image at the given URL and returns the
// parsed text, empty when the image holds none.
func (c *Client) ExtractText(ctx context.Context, imageURL string) (string, error) {
	form := url.Values{}
	form.Set("url", imageURL)
	form.Set("scale", "true")
	form.Set("OCREngine", "2")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/parse/image", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("ocr api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		ParsedResults []struct {
			ParsedText string `json:"ParsedText"`
		} `json:"ParsedResults"`
		IsErroredOnProcessing bool            `json:"IsErroredOnProcessing"`
		ErrorMessage          json.RawMessage `json:"ErrorMessage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("ocr: decode response: %w", err)
	}
	if parsed.IsErroredOnProcessing {
		return "", fmt.Errorf("ocr processing failed: %s", strings.TrimSpace(string(parsed.ErrorMessage)))
	}

	texts := make([]string, 0, len(parsed.ParsedResults))
	for _, r := range parsed.ParsedResults {
		if t := strings.TrimSpace(r.ParsedText); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, "\n"), nil
}
