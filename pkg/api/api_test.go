package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/spotify/comet-core/internal/config"
	"github.com/spotify/comet-core/internal/fingerprint"
	"github.com/spotify/comet-core/pkg/api"
	"github.com/spotify/comet-core/pkg/ingest"
	"github.com/spotify/comet-core/pkg/models"
	"github.com/spotify/comet-core/pkg/registry"
	"github.com/spotify/comet-core/pkg/store"
)

const (
	hmacSecret = "hmac-test-secret"
	jwtSecret  = "jwt-test-secret"
)

type testAPI struct {
	st     *store.DataStore
	reg    *registry.Registry
	server *httptest.Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  glogger.Default.LogMode(glogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	raw, err := db.DB()
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)

	st, err := store.New(db)
	require.NoError(t, err)

	conf := &config.APIConfig{
		HMACSecret:      hmacSecret,
		JWTSecret:       jwtSecret,
		MetadataHeaders: []string{"User-Agent"},
		SnoozeDuration:  30 * 24 * time.Hour,
		IngestRate:      100,
		IngestBurst:     100,
	}

	reg := registry.New()
	srv := api.NewServer(conf, st, ingest.New(reg, st), nil)
	ts := httptest.NewServer(srv.Router(zap.NewNop()))
	t.Cleanup(ts.Close)

	return &testAPI{st: st, reg: reg, server: ts}
}

func bearerToken(t *testing.T, owner string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email": owner,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return token
}

func TestHealthAndDBCheck(t *testing.T) {
	a := newTestAPI(t)

	resp, err := http.Get(a.server.URL + "/v0/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(a.server.URL + "/v0/dbcheck")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestActionLinkAcceptRisk(t *testing.T) {
	a := newTestAPI(t)
	fp := "scanner_abc123def456"
	token := fingerprint.Token(fp, hmacSecret)

	req, _ := http.NewRequest(http.MethodGet,
		a.server.URL+"/v0/acceptrisk?fp="+fp+"&t="+token, nil)
	req.Header.Set("User-Agent", "test-client")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	ignored, err := a.st.FingerprintIsIgnored(context.Background(), fp)
	require.NoError(t, err)
	assert.True(t, ignored)

	// The allow-listed header landed in the interaction metadata.
	interactions, err := a.st.GetInteractionsFingerprint(context.Background(), fp)
	require.NoError(t, err)
	require.Len(t, interactions, 1)
	assert.Equal(t, models.IgnoreAcceptRisk, interactions[0].IgnoreType)
	assert.EqualValues(t, "test-client", interactions[0].RecordMetadata["User-Agent"])
	assert.Nil(t, interactions[0].ExpiresAt)
}

func TestActionLinkSnoozeExpires(t *testing.T) {
	a := newTestAPI(t)
	fp := "scanner_snooze12345"
	token := fingerprint.Token(fp, hmacSecret)

	resp, err := http.Get(a.server.URL + "/v0/snooze?fp=" + fp + "&t=" + token)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	interactions, err := a.st.GetInteractionsFingerprint(context.Background(), fp)
	require.NoError(t, err)
	require.Len(t, interactions, 1)
	require.NotNil(t, interactions[0].ExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(30*24*time.Hour),
		*interactions[0].ExpiresAt, time.Minute)
}

func TestActionLinkRejectsBadToken(t *testing.T) {
	a := newTestAPI(t)
	fp := "scanner_abc123def456"

	resp, err := http.Get(a.server.URL + "/v0/falsepositive?fp=" + fp + "&t=bogus")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ignored, err := a.st.FingerprintIsIgnored(context.Background(), fp)
	require.NoError(t, err)
	assert.False(t, ignored)
}

func TestActionLinkRejectsBadFingerprint(t *testing.T) {
	a := newTestAPI(t)

	for _, fp := range []string{"short", "bad/characters!aaaa", ""} {
		resp, err := http.Get(a.server.URL + "/v0/acknowledge?fp=" + fp + "&t=x")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, fp)
	}
}

func TestActionPostWithToken(t *testing.T) {
	a := newTestAPI(t)
	fp := "scanner_post1234567"
	body, _ := json.Marshal(map[string]string{
		"fingerprint": fp,
		"token":       fingerprint.Token(fp, hmacSecret),
	})

	resp, err := http.Post(a.server.URL+"/v0/resolve", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	interactions, err := a.st.GetInteractionsFingerprint(context.Background(), fp)
	require.NoError(t, err)
	require.Len(t, interactions, 1)
	assert.Equal(t, models.IgnoreResolved, interactions[0].IgnoreType)
}

func TestActionPostOwnerAuthorization(t *testing.T) {
	a := newTestAPI(t)
	fp := "scanner_owned1234567"
	require.NoError(t, a.st.AddRecord(context.Background(), &models.EventRecord{
		SourceType: "scanner", Fingerprint: fp, Owner: "alice@example.com",
	}))

	body, _ := json.Marshal(map[string]string{"fingerprint": fp})

	// No identity, no token.
	resp, err := http.Post(a.server.URL+"/v0/acknowledge", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The wrong owner is rejected.
	req, _ := http.NewRequest(http.MethodPost, a.server.URL+"/v0/acknowledge", strings.NewReader(string(body)))
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, "mallory@example.com"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The owner of the fingerprint may acknowledge it.
	req, _ = http.NewRequest(http.MethodPost, a.server.URL+"/v0/acknowledge", strings.NewReader(string(body)))
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, "alice@example.com"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIssues(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	require.NoError(t, a.st.AddRecord(ctx, &models.EventRecord{
		SourceType: "scanner", Fingerprint: "scanner_mine1234567", Owner: "alice@example.com",
		ReceivedAt: time.Now().UTC().Add(-time.Hour),
		Data:       map[string]any{"issue": "open-port"},
	}))
	require.NoError(t, a.st.AddRecord(ctx, &models.EventRecord{
		SourceType: "scanner", Fingerprint: "scanner_theirs123456", Owner: "bob@example.com",
		ReceivedAt: time.Now().UTC().Add(-time.Hour),
	}))

	// Unauthenticated requests are rejected.
	resp, err := http.Get(a.server.URL + "/v0/issues")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, a.server.URL+"/v0/issues", nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, "alice@example.com"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Issues []struct {
			Fingerprint string `json:"fingerprint"`
			Owner       string `json:"owner"`
		} `json:"issues"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload.Issues, 1)
	assert.Equal(t, "scanner_mine1234567", payload.Issues[0].Fingerprint)
}

func TestInteractions(t *testing.T) {
	a := newTestAPI(t)
	fp := "scanner_history12345"
	require.NoError(t, a.st.IgnoreEventFingerprint(context.Background(), fp, models.IgnoreSnooze, nil, nil))

	resp, err := http.Get(a.server.URL + "/v0/interactions/" + fp)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Fingerprint  string `json:"fingerprint"`
		Interactions []struct {
			IgnoreType string `json:"ignore_type"`
		} `json:"interactions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, fp, payload.Fingerprint)
	require.Len(t, payload.Interactions, 1)
	assert.Equal(t, models.IgnoreSnooze, payload.Interactions[0].IgnoreType)
}

func TestIngestEndpoint(t *testing.T) {
	a := newTestAPI(t)
	a.reg.RegisterParser("scanner", registry.ParserFunc(func(raw []byte) (map[string]any, error) {
		var parsed map[string]any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, err
		}
		return parsed, nil
	}))

	resp, err := http.Post(a.server.URL+"/v0/ingest/scanner", "application/json",
		strings.NewReader(`{"issue":"open-port"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	backlog, err := a.st.GetUnprocessedBacklog(context.Background())
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, "scanner", backlog[0].SourceType)

	// Unparseable and unknown-source messages are rejected.
	resp, err = http.Post(a.server.URL+"/v0/ingest/scanner", "application/json",
		strings.NewReader("not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(a.server.URL+"/v0/ingest/unknown", "application/json",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequestIDEchoed(t *testing.T) {
	a := newTestAPI(t)

	resp, err := http.Get(a.server.URL + "/v0/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	req, _ := http.NewRequest(http.MethodGet, a.server.URL+"/v0/", nil)
	req.Header.Set("X-Request-Id", "fixed-id")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "fixed-id", resp.Header.Get("X-Request-Id"))
}
