// Package garmin talks to the Garmin Health activity API: callback fetches for ping
// notifications and windowed backfill requests.
package garmin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	"golang.org/x/oauth2"
)

// DefaultBaseURL is the Garmin Health API root.
const DefaultBaseURL = "https://apis.garmin.com"

const (
	backfillPath = "/wellness-api/rest/backfill/activities"
	userIDPath   = "/wellness-api/rest/user/id"
)

var floorPattern = regexp.MustCompile(`(?i)min start time of\s+([0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9:.]+(?:Z|[+-][0-9]{2}:[0-9]{2}))`)

// ClientConfig describes the dependencies of the Garmin client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client is a Garmin Health API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// FetchCallback retrieves the summaries a ping notification points at.
func (c *Client) FetchCallback(ctx context.Context, accessToken, callbackURL string) ([]vendor.Activity, error) {
	parsed, err := url.Parse(strings.TrimSpace(callbackURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("garmin: invalid callback url %q", callbackURL)
	}
	response, err := c.do(ctx, accessToken, parsed.String())
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if err := vendor.ParseErrorResponse(response); err != nil {
		return nil, err
	}
	return decodeSummaries(response.Body)
}

// Backfill requests the activity summaries that started inside [start, end). A 409 means
// Garmin already has a backfill running for the user; a 400 naming a minimum start time
// becomes a *vendor.WindowRejectedError carrying that floor. An empty 202 means Garmin
// accepted the request and will deliver the summaries through the push webhook.
func (c *Client) Backfill(ctx context.Context, accessToken string, start, end time.Time) ([]vendor.Activity, error) {
	params := url.Values{}
	params.Set("summaryStartTimeInSeconds", strconv.FormatInt(start.Unix(), 10))
	params.Set("summaryEndTimeInSeconds", strconv.FormatInt(end.Unix(), 10))
	response, err := c.do(ctx, accessToken, c.baseURL+backfillPath+"?"+params.Encode())
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if parseErr := vendor.ParseErrorResponse(response); parseErr != nil {
		var httpErr *vendor.HTTPError
		if errors.As(parseErr, &httpErr) {
			switch httpErr.StatusCode {
			case http.StatusConflict:
				return nil, fmt.Errorf("%w: %v", vendor.ErrBackfillInProgress, parseErr)
			case http.StatusBadRequest:
				if floor, ok := ParseFloor(httpErr.Body); ok {
					return nil, &vendor.WindowRejectedError{Floor: floor, Cause: parseErr}
				}
			}
		}
		return nil, parseErr
	}
	return decodeSummaries(response.Body)
}

// UserID returns the Garmin user id the access token belongs to.
func (c *Client) UserID(ctx context.Context, accessToken string) (string, error) {
	response, err := c.do(ctx, accessToken, c.baseURL+userIDPath)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	if err := vendor.ParseErrorResponse(response); err != nil {
		return "", err
	}
	var payload struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("garmin: decoding user id: %w", err)
	}
	if strings.TrimSpace(payload.UserID) == "" {
		return "", fmt.Errorf("garmin: empty user id")
	}
	return strings.TrimSpace(payload.UserID), nil
}

// ParseFloor extracts the earliest permitted start time from a Garmin rejection message.
func ParseFloor(message string) (time.Time, bool) {
	match := floorPattern.FindStringSubmatch(message)
	if len(match) != 2 {
		return time.Time{}, false
	}
	floor, err := time.Parse(time.RFC3339Nano, match[1])
	if err != nil {
		return time.Time{}, false
	}
	return floor.UTC(), true
}

func (c *Client) do(ctx context.Context, accessToken, requestURL string) (*http.Response, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	baseCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	client := oauth2.NewClient(baseCtx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	response, err := client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("garmin: request failed: %w", err)
	}
	return response, nil
}

func decodeSummaries(body io.Reader) ([]vendor.Activity, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("garmin: reading summaries: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var summaries []Summary
	if err := json.Unmarshal(raw, &summaries); err != nil {
		return nil, fmt.Errorf("garmin: decoding summaries: %w", err)
	}
	activities := make([]vendor.Activity, 0, len(summaries))
	for _, summary := range summaries {
		activities = append(activities, summary.Activity())
	}
	return activities, nil
}
