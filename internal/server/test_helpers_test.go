package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/auth"
	"github.com/MarcoPoloResearchLab/ridelog/internal/ingest"
	"github.com/MarcoPoloResearchLab/ridelog/internal/rides"
	"github.com/MarcoPoloResearchLab/ridelog/internal/users"
	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	"github.com/MarcoPoloResearchLab/ridelog/internal/webhooks"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
	testUserID        = "user-1"
	testVerifyToken   = "verify-me"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type stubSessionValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type stubIntegrations struct {
	mu             sync.Mutex
	backfillResult ingest.BackfillResult
	backfillErr    error
	backfillDays   []int
	connectCodes   []string
	connectErr     error
	disconnected   []vendor.Provider
	activeSources  []vendor.Provider
	connections    ingest.ConnectionStatus
}

func (s *stubIntegrations) Backfill(_ context.Context, _ string, _ vendor.Provider, days int) (ingest.BackfillResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backfillDays = append(s.backfillDays, days)
	return s.backfillResult, s.backfillErr
}

func (s *stubIntegrations) Connect(_ context.Context, _ string, provider vendor.Provider, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectCodes = append(s.connectCodes, code)
	if s.connectErr != nil {
		return "", s.connectErr
	}
	return provider.String() + "-athlete", nil
}

func (s *stubIntegrations) Disconnect(_ context.Context, _ string, provider vendor.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = append(s.disconnected, provider)
	return nil
}

func (s *stubIntegrations) SetActiveDataSource(_ context.Context, _ string, provider vendor.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeSources = append(s.activeSources, provider)
	return nil
}

func (s *stubIntegrations) Connections(context.Context, string) (ingest.ConnectionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections, nil
}

type recordingQueue struct {
	mu     sync.Mutex
	events []webhooks.Event
	err    error
}

func (q *recordingQueue) Enqueue(event webhooks.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, event)
	return nil
}

func (q *recordingQueue) snapshot() []webhooks.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]webhooks.Event(nil), q.events...)
}

type testServer struct {
	handler      http.Handler
	db           *gorm.DB
	rides        *rides.Service
	integrations *stubIntegrations
	queue        *recordingQueue
	realtime     *RealtimeDispatcher
	logs         *observer.ObservedLogs
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	models := append([]any{&users.User{}, &users.Identity{}}, rides.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newSessionValidator(t *testing.T) *auth.SessionValidator {
	t.Helper()
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}
	return validator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := openTestDatabase(t)
	rideService, err := rides.NewService(rides.ServiceConfig{
		Database:   db,
		IDProvider: rides.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build ride service: %v", err)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	server := &testServer{
		db:           db,
		rides:        rideService,
		integrations: &stubIntegrations{},
		queue:        &recordingQueue{},
		realtime:     NewRealtimeDispatcher(),
		logs:         logs,
	}
	handler, err := NewHTTPHandler(Dependencies{
		Sessions:          newSessionValidator(t),
		Rides:             rideService,
		Integrations:      server.integrations,
		Webhooks:          server.queue,
		Realtime:          server.realtime,
		StravaVerifyToken: testVerifyToken,
		Clock:             func() time.Time { return testNow },
		Logger:            zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to build http handler: %v", err)
	}
	server.handler = handler
	return server
}

func sessionToken(t *testing.T, userID string) string {
	t.Helper()
	now := time.Now()
	claims := auth.SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tauth",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign session token: %v", err)
	}
	return signed
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return s.doAs(t, testUserID, method, path, body)
}

func (s *testServer) doAs(t *testing.T, userID, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		request.AddCookie(&http.Cookie{Name: testCookieName, Value: sessionToken(t, userID)})
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, want int) {
	t.Helper()
	if recorder.Code != want {
		t.Fatalf("unexpected status: got %d, want %d (body %s)", recorder.Code, want, recorder.Body.String())
	}
}

func (s *testServer) componentHours(t *testing.T, componentID string) float64 {
	t.Helper()
	var component rides.Component
	if err := s.db.Where("component_id = ?", componentID).Take(&component).Error; err != nil {
		t.Fatalf("failed to load component: %v", err)
	}
	return component.HoursUsed
}
