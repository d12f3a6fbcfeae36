package ingest

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/rides"
	"github.com/MarcoPoloResearchLab/ridelog/internal/tokens"
	"github.com/MarcoPoloResearchLab/ridelog/internal/users"
	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

const testUserID = "user-1"

var testNow = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type fakeCredentials struct {
	mu            sync.Mutex
	tokens        map[string]string
	refreshCalls  int
	refreshTo     string
	exchangeToken *oauth2.Token
	saved         map[string]*oauth2.Token
	deleted       []string
}

func newFakeCredentials() *fakeCredentials {
	return &fakeCredentials{
		tokens: map[string]string{},
		saved:  map[string]*oauth2.Token{},
	}
}

func credentialKey(userID string, provider vendor.Provider) string {
	return userID + "|" + provider.String()
}

func (f *fakeCredentials) grant(userID string, provider vendor.Provider, accessToken string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[credentialKey(userID, provider)] = accessToken
}

func (f *fakeCredentials) AccessToken(_ context.Context, userID string, provider vendor.Provider, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token, ok := f.tokens[credentialKey(userID, provider)]
	if !ok {
		return "", tokens.ErrUnauthorized
	}
	return token, nil
}

func (f *fakeCredentials) ForceRefresh(_ context.Context, userID string, provider vendor.Provider) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshTo == "" {
		return "", tokens.ErrRefreshFailed
	}
	f.tokens[credentialKey(userID, provider)] = f.refreshTo
	return f.refreshTo, nil
}

func (f *fakeCredentials) Exchange(_ context.Context, _ vendor.Provider, code string) (*oauth2.Token, error) {
	if f.exchangeToken == nil || code != "good-code" {
		return nil, tokens.ErrUnauthorized
	}
	return f.exchangeToken, nil
}

func (f *fakeCredentials) Save(_ context.Context, userID string, provider vendor.Provider, token *oauth2.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[credentialKey(userID, provider)] = token
	f.tokens[credentialKey(userID, provider)] = token.AccessToken
	return nil
}

func (f *fakeCredentials) Delete(_ context.Context, userID string, provider vendor.Provider) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, credentialKey(userID, provider))
	f.deleted = append(f.deleted, credentialKey(userID, provider))
	return nil
}

func (f *fakeCredentials) Connected(_ context.Context, userID string, provider vendor.Provider) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tokens[credentialKey(userID, provider)]
	return ok, nil
}

type fakeStrava struct {
	mu          sync.Mutex
	activities  map[string]vendor.Activity
	rejectToken string
	calls       int
}

func (f *fakeStrava) GetActivity(_ context.Context, accessToken, activityID string) (vendor.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if accessToken == f.rejectToken {
		return vendor.Activity{}, &vendor.HTTPError{StatusCode: 401, URL: "/activities/" + activityID}
	}
	activity, ok := f.activities[activityID]
	if !ok {
		return vendor.Activity{}, &vendor.HTTPError{StatusCode: 404, URL: "/activities/" + activityID}
	}
	return activity, nil
}

func (f *fakeStrava) ListWindow(_ context.Context, _ string, start, end time.Time) ([]vendor.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found []vendor.Activity
	for _, activity := range f.activities {
		if !activity.StartTime.Before(start) && activity.StartTime.Before(end) {
			found = append(found, activity)
		}
	}
	return found, nil
}

type windowRequest struct {
	start time.Time
	end   time.Time
}

type fakeGarmin struct {
	mu         sync.Mutex
	floor      time.Time
	activities []vendor.Activity
	requests   []windowRequest
	inProgress bool
	failAfter  int
	callback   []vendor.Activity
	userID     string
}

func (f *fakeGarmin) FetchCallback(_ context.Context, _ string, _ string) ([]vendor.Activity, error) {
	return f.callback, nil
}

func (f *fakeGarmin) Backfill(_ context.Context, _ string, start, end time.Time) ([]vendor.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, windowRequest{start: start, end: end})
	if f.inProgress {
		return nil, fmt.Errorf("%w: 409", vendor.ErrBackfillInProgress)
	}
	if f.failAfter > 0 && len(f.requests) > f.failAfter {
		return nil, &vendor.HTTPError{StatusCode: 429}
	}
	if !f.floor.IsZero() && start.Before(f.floor) {
		return nil, &vendor.WindowRejectedError{Floor: f.floor}
	}
	var found []vendor.Activity
	for _, activity := range f.activities {
		if !activity.StartTime.Before(start) && activity.StartTime.Before(end) {
			found = append(found, activity)
		}
	}
	return found, nil
}

func (f *fakeGarmin) UserID(_ context.Context, _ string) (string, error) {
	if f.userID == "" {
		return "", fmt.Errorf("no user")
	}
	return f.userID, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []string
}

func (n *recordingNotifier) RidesChanged(userID string, rideIDs []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, fmt.Sprintf("%s:%d", userID, len(rideIDs)))
}

type harness struct {
	db          *gorm.DB
	service     *Service
	rides       *rides.Service
	users       *users.Service
	credentials *fakeCredentials
	strava      *fakeStrava
	garmin      *fakeGarmin
	notifier    *recordingNotifier
	logs        *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ingest.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	models := append([]any{&users.User{}, &users.Identity{}}, rides.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: func() time.Time { return testNow }})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	rideService, err := rides.NewService(rides.ServiceConfig{Database: db, IDProvider: rides.NewUUIDProvider(), Logger: logger})
	if err != nil {
		t.Fatalf("failed to build ride service: %v", err)
	}
	credentials := newFakeCredentials()
	strava := &fakeStrava{activities: map[string]vendor.Activity{}}
	garmin := &fakeGarmin{}
	notifier := &recordingNotifier{}
	service, err := NewService(ServiceConfig{
		Database:    db,
		Credentials: credentials,
		Identities:  userService,
		Strava:      strava,
		Garmin:      garmin,
		Notifier:    notifier,
		Clock:       func() time.Time { return testNow },
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to build ingest service: %v", err)
	}
	return &harness{
		db:          db,
		service:     service,
		rides:       rideService,
		users:       userService,
		credentials: credentials,
		strava:      strava,
		garmin:      garmin,
		notifier:    notifier,
		logs:        logs,
	}
}

func (h *harness) connect(t *testing.T, provider vendor.Provider, providerUserID string) {
	t.Helper()
	if err := h.users.LinkIdentity(context.Background(), provider, providerUserID, testUserID); err != nil {
		t.Fatalf("link identity failed: %v", err)
	}
	h.credentials.grant(testUserID, provider, "access-"+provider.String())
}

func (h *harness) bikeWithFork(t *testing.T) (rides.Bike, rides.Component) {
	t.Helper()
	ctx := context.Background()
	bike, err := h.rides.CreateBike(ctx, testUserID, rides.BikeInput{Name: "Only bike"})
	if err != nil {
		t.Fatalf("create bike failed: %v", err)
	}
	fork, err := h.rides.CreateComponent(ctx, testUserID, rides.ComponentInput{BikeID: &bike.ID, Slot: rides.SlotFork})
	if err != nil {
		t.Fatalf("create component failed: %v", err)
	}
	return bike, fork
}

func (h *harness) assertHours(t *testing.T, componentID string, want float64) {
	t.Helper()
	var component rides.Component
	if err := h.db.Where("component_id = ?", componentID).Take(&component).Error; err != nil {
		t.Fatalf("failed to load component: %v", err)
	}
	if math.Abs(component.HoursUsed-want) > 1e-9 {
		t.Fatalf("expected %.4f hours, got %.4f", want, component.HoursUsed)
	}
}

func (h *harness) rideCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := h.db.Model(&rides.Ride{}).Count(&count).Error; err != nil {
		t.Fatalf("count rides failed: %v", err)
	}
	return count
}

func garminRide(externalID string, start time.Time, seconds int) vendor.Activity {
	return vendor.Activity{
		Provider:        vendor.ProviderGarmin,
		ExternalID:      externalID,
		ProviderUserID:  "garmin-user",
		Type:            "CYCLING",
		StartTime:       start,
		DurationSeconds: seconds,
	}
}
