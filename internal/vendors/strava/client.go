// Package strava fetches activities from the Strava v3 API.
package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	"golang.org/x/oauth2"
)

// DefaultBaseURL is the public Strava API root.
const DefaultBaseURL = "https://www.strava.com/api/v3"

// MaxPerPage is the largest page size Strava accepts.
const MaxPerPage = 200

// ClientConfig describes the dependencies of the Strava client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client is a Strava API client. The access token is supplied per call so one client
// serves every user.
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

// GetActivity fetches one activity's detail.
func (c *Client) GetActivity(ctx context.Context, accessToken, activityID string) (vendor.Activity, error) {
	activityID = strings.TrimSpace(activityID)
	if activityID == "" {
		return vendor.Activity{}, fmt.Errorf("strava: activity id required")
	}
	var payload activityPayload
	if err := c.get(ctx, accessToken, "/activities/"+url.PathEscape(activityID), nil, &payload); err != nil {
		return vendor.Activity{}, err
	}
	return payload.toActivity(), nil
}

// ListActivities fetches one page of the athlete's activities that started inside [after, before).
func (c *Client) ListActivities(ctx context.Context, accessToken string, after, before time.Time, page, perPage int) ([]vendor.Activity, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	params := url.Values{}
	if !after.IsZero() {
		params.Set("after", strconv.FormatInt(after.Unix(), 10))
	}
	if !before.IsZero() {
		params.Set("before", strconv.FormatInt(before.Unix(), 10))
	}
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(perPage))

	var payloads []activityPayload
	if err := c.get(ctx, accessToken, "/athlete/activities", params, &payloads); err != nil {
		return nil, err
	}
	activities := make([]vendor.Activity, 0, len(payloads))
	for _, payload := range payloads {
		activities = append(activities, payload.toActivity())
	}
	return activities, nil
}

// ListWindow pages through every activity inside [start, end). A failure on a later page
// returns the pages fetched so far alongside the error.
func (c *Client) ListWindow(ctx context.Context, accessToken string, start, end time.Time) ([]vendor.Activity, error) {
	var all []vendor.Activity
	for page := 1; ; page++ {
		activities, err := c.ListActivities(ctx, accessToken, start, end, page, MaxPerPage)
		if err != nil {
			return all, fmt.Errorf("strava: fetching page %d: %w", page, err)
		}
		all = append(all, activities...)
		if len(activities) < MaxPerPage {
			return all, nil
		}
	}
}

func (c *Client) get(ctx context.Context, accessToken, path string, params url.Values, target any) error {
	requestURL := c.baseURL + path
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return err
	}
	response, err := c.bearerClient(ctx, accessToken).Do(request)
	if err != nil {
		return fmt.Errorf("strava: request failed: %w", err)
	}
	defer response.Body.Close()
	if err := vendor.ParseErrorResponse(response); err != nil {
		return err
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("strava: decoding %s: %w", path, err)
	}
	return nil
}

func (c *Client) bearerClient(ctx context.Context, accessToken string) *http.Client {
	baseCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return oauth2.NewClient(baseCtx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
}

type activityPayload struct {
	ID                 int64     `json:"id"`
	Athlete            athlete   `json:"athlete"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	SportType          string    `json:"sport_type"`
	StartDate          time.Time `json:"start_date"`
	MovingTime         int       `json:"moving_time"`
	ElapsedTime        int       `json:"elapsed_time"`
	Distance           float64   `json:"distance"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	HasHeartrate       bool      `json:"has_heartrate"`
	AverageHeartrate   float64   `json:"average_heartrate"`
	GearID             string    `json:"gear_id"`
	LocationCity       string    `json:"location_city"`
	LocationState      string    `json:"location_state"`
	LocationCountry    string    `json:"location_country"`
	StartLatLng        []float64 `json:"start_latlng"`
}

type athlete struct {
	ID int64 `json:"id"`
}

func (p activityPayload) toActivity() vendor.Activity {
	activityType := p.SportType
	if activityType == "" {
		activityType = p.Type
	}
	duration := p.MovingTime
	if duration <= 0 {
		duration = p.ElapsedTime
	}
	activity := vendor.Activity{
		Provider:        vendor.ProviderStrava,
		ExternalID:      strconv.FormatInt(p.ID, 10),
		Name:            p.Name,
		Type:            activityType,
		StartTime:       p.StartDate.UTC(),
		DurationSeconds: duration,
		DistanceMeters:  p.Distance,
		ElevationMeters: p.TotalElevationGain,
		GearID:          p.GearID,
		City:            p.LocationCity,
		State:           p.LocationState,
		Country:         p.LocationCountry,
	}
	if p.Athlete.ID != 0 {
		activity.ProviderUserID = strconv.FormatInt(p.Athlete.ID, 10)
	}
	if p.HasHeartrate && p.AverageHeartrate > 0 {
		hr := int(p.AverageHeartrate + 0.5)
		activity.AverageHR = &hr
	}
	if len(p.StartLatLng) == 2 {
		lat, lng := p.StartLatLng[0], p.StartLatLng[1]
		activity.Latitude = &lat
		activity.Longitude = &lng
	}
	return activity
}
