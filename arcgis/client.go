package arcgis

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

// ErrNoMatch means the geocoder found no candidate for the address.
var ErrNoMatch = errors.New("arcgis: no geocoding candidate")

// Client geocodes member business addresses through the ArcGIS World
// Geocoding Service. It satisfies the member service's Geocoder interface.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds an ArcGIS client. ARCGIS_API_BASE_URL overrides the live
// endpoint for sandboxes and tests.
func NewClient(apiKey string) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("ARCGIS_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://geocode-api.arcgis.com"
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("arcgis api key is empty")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Geocode resolves an address to WGS84 coordinates. Candidates come back
// best-first; the top one wins.
func (c *Client) Geocode(ctx context.Context, address, city, state string) (float64, float64, error) {
	parts := []string{address}
	if city != "" {
		parts = append(parts, city)
	}
	if state != "" {
		parts = append(parts, state)
	}

	params := url.Values{}
	params.Set("f", "json")
	params.Set("token", c.apiKey)
	params.Set("singleLine", strings.Join(parts, ", "))
	params.Set("maxLocations", "1")

	endpoint := c.baseURL + "/arcgis/rest/services/World/GeocodeServer/findAddressCandidates?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, 0, fmt.Errorf("arcgis api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// ArcGIS reports request failures inside a 200 body.
	var parsed struct {
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Candidates []struct {
			Location struct {
				X float64 `json:"x"`
				Y float64 `json:"y"`
			} `json:"location"`
			Score float64 `json:"score"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, 0, fmt.Errorf("arcgis: decode response: %w", err)
	}
	if parsed.Error != nil {
		return 0, 0, fmt.Errorf("arcgis api error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 {
		return 0, 0, ErrNoMatch
	}

	best := parsed.Candidates[0]
	return best.Location.Y, best.Location.X, nil
}
