package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/makotoclub/backend/client"
	"github.com/makotoclub/backend/internal/auth"
	"github.com/makotoclub/backend/internal/config"
	"github.com/makotoclub/backend/internal/reviews"
	"github.com/makotoclub/backend/internal/server"
	"gorm.io/gorm"
)

const (
	integrationAdminToken = "integration-admin"
	pageOrigin            = "https://makoto.example"
	jsonContentType       = "application/json"
)

// redirectUserAgent records navigations instead of performing them.
type redirectUserAgent struct {
	navigatedTo string
}

func (a *redirectUserAgent) OpenPopup(string) (client.Popup, error) {
	return nil, errors.New("popups disabled in this host")
}

func (a *redirectUserAgent) Navigate(url string) error {
	a.navigatedTo = url
	return nil
}

func (a *redirectUserAgent) Origin() string { return pageOrigin }

func newProviderBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", jsonContentType)
		fmt.Fprint(w, `{"access_token":"provider-token","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", jsonContentType)
		fmt.Fprint(w, `{"userId":"U123","displayName":"花子","pictureUrl":"https://img.example/u123.png"}`)
	})
	providerServer := httptest.NewServer(mux)
	t.Cleanup(providerServer.Close)
	return providerServer
}

func newAPIServer(t *testing.T) (*httptest.Server, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:integration?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&reviews.Review{}, &auth.Identity{}, &auth.LoginState{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	providerBackend := newProviderBackend(t)
	providers := auth.NewProviders(config.ProviderConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AuthorizeURL: providerBackend.URL + "/authorize",
		TokenURL:     providerBackend.URL + "/token",
		ProfileURL:   providerBackend.URL + "/profile",
		RedirectURL:  "https://api.makoto.example/auth/line/callback",
	}, config.ProviderConfig{})

	states, err := auth.NewStateStore(auth.StateStoreConfig{Database: db, TTL: 10 * time.Minute})
	if err != nil {
		t.Fatalf("failed to build state store: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("integration-secret")})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	authService, err := auth.NewService(auth.ServiceConfig{
		Database:  db,
		Providers: providers,
		States:    states,
		Issuer:    issuer,
	})
	if err != nil {
		t.Fatalf("failed to build auth service: %v", err)
	}
	reviewService, err := reviews.NewService(reviews.ServiceConfig{
		Database:   db,
		IDProvider: reviews.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build review service: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		AuthService:   authService,
		TokenIssuer:   issuer,
		ReviewService: reviewService,
		AdminToken:    integrationAdminToken,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	apiServer := httptest.NewServer(handler)
	t.Cleanup(apiServer.Close)
	return apiServer, db
}

func TestRedirectLoginBufferedSubmitAndModeration(t *testing.T) {
	apiServer, db := newAPIServer(t)

	storage := client.NewMemoryStorage()
	store := client.NewStore(client.StoreConfig{Storage: client.NewMemoryStorage()})
	agent := &redirectUserAgent{}

	handshake, err := client.NewHandshake(client.HandshakeConfig{
		Provider:    "line",
		BaseURL:     apiServer.URL,
		MessageType: "line-login-result",
		UserAgent:   agent,
		Store:       store,
		Storage:     storage,
		HTTPClient:  apiServer.Client(),
	})
	if err != nil {
		t.Fatalf("failed to build handshake: %v", err)
	}
	receiver, err := client.NewReceiver(client.ReceiverConfig{Store: store, Storage: storage})
	if err != nil {
		t.Fatalf("failed to build receiver: %v", err)
	}
	buffer := client.NewPendingBuffer(client.PendingBufferConfig{Storage: storage})
	submitter, err := client.NewSubmitter(client.SubmitterConfig{
		BaseURL:    apiServer.URL,
		HTTPClient: apiServer.Client(),
		Store:      store,
		Buffer:     buffer,
		Login:      handshake,
	})
	if err != nil {
		t.Fatalf("failed to build submitter: %v", err)
	}

	draft := client.ReviewDraft{
		StoreName:      "クラブ誠",
		Prefecture:     "東京都",
		Category:       "store_health",
		VisitedAt:      "2026-07",
		Age:            24,
		SpecScore:      100,
		WaitTimeHours:  3,
		AverageEarning: 6,
		Comment:        "待機は短め。",
	}

	// The reviewer submits before signing in: the draft is buffered.
	if err := submitter.Submit(context.Background(), draft); !errors.Is(err, client.ErrAuthRequired) {
		t.Fatalf("expected auth required, got %v", err)
	}

	// Redirect-mode login: the page navigates away...
	if err := handshake.StartLoginRedirect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if agent.navigatedTo == "" {
		t.Fatalf("expected navigation to authorization page")
	}

	// ...the provider calls back, and the backend redirects to the origin
	// page with the result in the URL fragment.
	authorizeURL := agent.navigatedTo
	stateIndex := strings.Index(authorizeURL, "state=")
	if stateIndex < 0 {
		t.Fatalf("expected state in authorization URL: %q", authorizeURL)
	}
	state := authorizeURL[stateIndex+len("state="):]
	if ampersand := strings.Index(state, "&"); ampersand >= 0 {
		state = state[:ampersand]
	}

	httpClient := apiServer.Client()
	httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	callbackURL := apiServer.URL + "/auth/line/callback?code=auth-code&state=" + state
	resp, err := httpClient.Get(callbackURL)
	if err != nil {
		t.Fatalf("callback request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("unexpected callback status: %d", resp.StatusCode)
	}
	location := resp.Header.Get("Location")
	if !strings.HasPrefix(location, pageOrigin+"/#line-login=") {
		t.Fatalf("unexpected redirect target: %q", location)
	}

	// Back on the origin page, the receiver verifies the fragment and the
	// buffered draft replays automatically.
	cleanURL, notice := receiver.HandlePageLoad(location)
	if notice == nil || !notice.Success {
		t.Fatalf("expected success notice, got %+v", notice)
	}
	if strings.Contains(cleanURL, "line-login=") {
		t.Fatalf("expected fragment stripped, got %q", cleanURL)
	}
	if _, ok := store.Read(); !ok {
		t.Fatalf("expected credential in store")
	}
	if submitter.State() != client.SubmitDone {
		t.Fatalf("expected buffered draft delivered, state %q", submitter.State())
	}
	if _, ok := buffer.Read(); ok {
		t.Fatalf("expected buffer cleared after delivery")
	}

	var stored reviews.Review
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("expected stored review: %v", err)
	}
	if stored.Status != string(reviews.StatusPending) {
		t.Fatalf("expected pending review, got %q", stored.Status)
	}
	if stored.ReviewerID != "line:U123" || stored.ReviewerName != "花子" {
		t.Fatalf("unexpected reviewer provenance: %+v", stored)
	}

	// Before moderation the review is publicly invisible.
	resp, err = http.Get(apiServer.URL + "/api/reviews/" + stored.ID)
	if err != nil {
		t.Fatalf("detail request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("pending review must be hidden, got %d", resp.StatusCode)
	}

	// An admin approves it.
	statusBody := []byte(`{"status":"approved","statusNote":"良質","reviewedBy":"admin","rewardStatus":"ready"}`)
	request, err := http.NewRequest(http.MethodPatch, apiServer.URL+"/api/admin/reviews/"+stored.ID+"/status", bytes.NewReader(statusBody))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	request.Header.Set("Authorization", "Bearer "+integrationAdminToken)
	resp, err = http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("moderation request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected moderation status: %d", resp.StatusCode)
	}

	// Now it is publicly visible.
	resp, err = http.Get(apiServer.URL + "/api/reviews/" + stored.ID)
	if err != nil {
		t.Fatalf("detail request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approved review must be visible, got %d", resp.StatusCode)
	}
	var detail struct {
		ID          string `json:"id"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("failed to decode detail: %v", err)
	}
	if detail.ID != stored.ID || detail.Description != "待機は短め。" {
		t.Fatalf("unexpected detail payload: %+v", detail)
	}
}
