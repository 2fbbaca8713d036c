package timezone

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "http://api.timezonedb.com/v2.1"

// Client talks to the TimeZoneDB lookup service.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type lookupResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ZoneName  string `json:"zoneName"`
	GmtOffset int    `json:"gmtOffset"`
}

func (c *Client) ZoneByName(ctx context.Context, name string) (ZoneInfo, error) {
	q := url.Values{}
	q.Set("by", "zone")
	q.Set("zone", name)
	return c.lookup(ctx, q)
}

func (c *Client) ZoneByCoordinates(ctx context.Context, lat, lng float64) (ZoneInfo, error) {
	q := url.Values{}
	q.Set("by", "position")
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(lng, 'f', -1, 64))
	return c.lookup(ctx, q)
}

func (c *Client) lookup(ctx context.Context, q url.Values) (ZoneInfo, error) {
	q.Set("key", c.apiKey)
	q.Set("format", "json")

	u := c.baseURL + "/get-time-zone?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ZoneInfo{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ZoneInfo{}, fmt.Errorf("timezone lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ZoneInfo{}, fmt.Errorf("timezone lookup: unexpected status %d", resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ZoneInfo{}, fmt.Errorf("timezone lookup: malformed response: %w", err)
	}
	if body.Status != "OK" {
		return ZoneInfo{}, fmt.Errorf("timezone lookup: %s", body.Message)
	}
	if strings.TrimSpace(body.ZoneName) == "" {
		return ZoneInfo{}, fmt.Errorf("timezone lookup: empty zone name in response")
	}
	return ZoneInfo{Name: body.ZoneName, OffsetSeconds: body.GmtOffset}, nil
}
