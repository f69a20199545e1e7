package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"reliefline/internal/config"
	"reliefline/internal/db"
	"reliefline/internal/engine"
	"reliefline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func signup(t *testing.T, srv *testServer, body map[string]any) SignupResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/actors", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("signup status %d: %s", res.StatusCode, string(data))
	}
	var out SignupResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal signup: %v", err)
	}
	return out
}

func TestSignupAndAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	victim := signup(t, srv, map[string]any{"name": "Vera", "role": "victim"})
	if victim.Actor.ID == "" || victim.APIKey == "" {
		t.Fatalf("signup response incomplete: %+v", victim)
	}

	// /me requires auth.
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated /me status %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": victim.APIKey})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("/me status %d: %s", res.StatusCode, string(data))
	}
	var me ActorResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal /me: %v", err)
	}
	if me.ID != victim.Actor.ID {
		t.Fatalf("/me returned %s, want %s", me.ID, victim.Actor.ID)
	}
}

func TestLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	victim := signup(t, srv, map[string]any{"name": "Vera", "role": "victim"})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/login", map[string]any{"actor_id": victim.Actor.ID}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var login LoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("/me with token status %d: %s", res.StatusCode, string(data))
	}
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	victim := signup(t, srv, map[string]any{
		"name": "Vera", "role": "victim",
		"location": map[string]any{"latitude": 37.78, "longitude": -122.43},
	})
	volunteer := signup(t, srv, map[string]any{
		"name": "Vlad", "role": "volunteer", "skills": []string{"food"},
		"location": map[string]any{"latitude": 37.77, "longitude": -122.42},
	})
	victimHdr := map[string]string{"X-Api-Key": victim.APIKey}
	volHdr := map[string]string{"X-Api-Key": volunteer.APIKey}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", map[string]any{
		"type": "food", "description": "need supplies", "urgency": "high",
	}, victimHdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create request status %d: %s", res.StatusCode, string(data))
	}
	var created RequestResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if created.Status != "pending" {
		t.Fatalf("new request status %s", created.Status)
	}

	// Volunteers cannot create requests.
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", map[string]any{
		"type": "food", "description": "nope", "urgency": "low",
		"location": map[string]any{"latitude": 1, "longitude": 1},
	}, volHdr)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("volunteer create status %d", res.StatusCode)
	}

	// Suggestions rank the new request.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/suggestions", nil, volHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("suggestions status %d: %s", res.StatusCode, string(data))
	}
	var suggestions []SuggestionResponse
	if err := json.Unmarshal(data, &suggestions); err != nil {
		t.Fatalf("unmarshal suggestions: %v", err)
	}
	if len(suggestions) != 1 || suggestions[0].Request.ID != created.ID {
		t.Fatalf("suggestions = %+v", suggestions)
	}
	if suggestions[0].Score <= 0 || len(suggestions[0].Reasons) == 0 {
		t.Fatalf("suggestion missing score or reasons: %+v", suggestions[0])
	}

	// Claim, then double-claim conflicts.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/claim", nil, volHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/claim", nil, volHdr)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("double claim status %d: %s", res.StatusCode, string(data))
	}

	// Only the owner fulfills.
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/status", map[string]any{"status": "fulfilled"}, volHdr)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("volunteer fulfill status %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/status", map[string]any{"status": "fulfilled"}, victimHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fulfill status %d: %s", res.StatusCode, string(data))
	}
	var done RequestResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal fulfilled: %v", err)
	}
	if done.Status != "fulfilled" || done.FulfilledAt == nil {
		t.Fatalf("fulfilled = %+v", done)
	}

	// Terminal transitions map to 409.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/status", map[string]any{"status": "cancelled"}, victimHdr)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("terminal transition status %d: %s", res.StatusCode, string(data))
	}

	// Events are visible.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?entity_kind=request&entity_id="+created.ID, nil, victimHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts []EventResponse
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts) < 3 {
		t.Fatalf("expected request events, got %d", len(evts))
	}
}

func TestSuggestionErrorMappings(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	victim := signup(t, srv, map[string]any{"name": "Vera", "role": "victim"})
	unlocated := signup(t, srv, map[string]any{"name": "Vlad", "role": "volunteer"})

	// Victims are forbidden.
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/suggestions", nil, map[string]string{"X-Api-Key": victim.APIKey})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("victim suggestions status %d", res.StatusCode)
	}
	// Volunteers without a location get 422.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/suggestions", nil, map[string]string{"X-Api-Key": unlocated.APIKey})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unlocated suggestions status %d", res.StatusCode)
	}
}

func TestSuggestionLimit(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	victim := signup(t, srv, map[string]any{
		"name": "Vera", "role": "victim",
		"location": map[string]any{"latitude": 37.78, "longitude": -122.43},
	})
	volunteer := signup(t, srv, map[string]any{
		"name": "Vlad", "role": "volunteer",
		"location": map[string]any{"latitude": 37.77, "longitude": -122.42},
	})
	victimHdr := map[string]string{"X-Api-Key": victim.APIKey}
	for i := 0; i < 12; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", map[string]any{
			"type": "water", "description": "bottled water", "urgency": "medium",
		}, victimHdr)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %d status %d: %s", i, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/suggestions", nil, map[string]string{"X-Api-Key": volunteer.APIKey})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("suggestions status %d: %s", res.StatusCode, string(data))
	}
	var capped []SuggestionResponse
	if err := json.Unmarshal(data, &capped); err != nil {
		t.Fatalf("unmarshal suggestions: %v", err)
	}
	if len(capped) != 10 {
		t.Fatalf("default limit should cap at 10, got %d", len(capped))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/suggestions?limit=3", nil, map[string]string{"X-Api-Key": volunteer.APIKey})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("limited suggestions status %d: %s", res.StatusCode, string(data))
	}
	var three []SuggestionResponse
	if err := json.Unmarshal(data, &three); err != nil {
		t.Fatalf("unmarshal suggestions: %v", err)
	}
	if len(three) != 3 {
		t.Fatalf("limit=3 returned %d", len(three))
	}
}

func TestMaxDistanceQueryFilter(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	victim := signup(t, srv, map[string]any{
		"name": "Vera", "role": "victim",
		"location": map[string]any{"latitude": 37.78, "longitude": -122.43},
	})
	volunteer := signup(t, srv, map[string]any{
		"name": "Vlad", "role": "volunteer",
		"location": map[string]any{"latitude": 37.77, "longitude": -122.42},
	})
	victimHdr := map[string]string{"X-Api-Key": victim.APIKey}
	volHdr := map[string]string{"X-Api-Key": volunteer.APIKey}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", map[string]any{
		"type": "food", "description": "close by", "urgency": "medium",
	}, victimHdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create near status %d: %s", res.StatusCode, string(data))
	}
	var near RequestResponse
	if err := json.Unmarshal(data, &near); err != nil {
		t.Fatalf("unmarshal near: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", map[string]any{
		"type": "food", "description": "far away", "urgency": "medium",
		"location": map[string]any{"latitude": 38.5, "longitude": -121.5},
	}, victimHdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create far status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/suggestions", nil, volHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("suggestions status %d: %s", res.StatusCode, string(data))
	}
	var all []SuggestionResponse
	if err := json.Unmarshal(data, &all); err != nil {
		t.Fatalf("unmarshal suggestions: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered suggestions = %d", len(all))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/suggestions?max_distance_km=5", nil, volHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered suggestions status %d: %s", res.StatusCode, string(data))
	}
	var capped []SuggestionResponse
	if err := json.Unmarshal(data, &capped); err != nil {
		t.Fatalf("unmarshal filtered: %v", err)
	}
	if len(capped) != 1 || capped[0].Request.ID != near.ID {
		t.Fatalf("max_distance_km=5 returned %+v", capped)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/map?max_distance_km=5", nil, volHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("map status %d: %s", res.StatusCode, string(data))
	}
	var pins []RequestResponse
	if err := json.Unmarshal(data, &pins); err != nil {
		t.Fatalf("unmarshal map: %v", err)
	}
	if len(pins) != 1 || pins[0].ID != near.ID {
		t.Fatalf("map max_distance_km=5 returned %+v", pins)
	}
}

func TestAPIKeyRevocation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	victim := signup(t, srv, map[string]any{"name": "Vera", "role": "victim"})
	other := signup(t, srv, map[string]any{"name": "Olga", "role": "victim"})
	if victim.APIKeyID == "" {
		t.Fatalf("signup response missing key id: %+v", victim)
	}

	// Keys only revoke for their owner.
	res, data := doJSON(t, client, http.MethodDelete, srv.URL+"/v1/me/keys/"+victim.APIKeyID, nil, map[string]string{"X-Api-Key": other.APIKey})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign revoke status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": victim.APIKey})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("/me before revoke status %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/me/keys/"+victim.APIKeyID, nil, map[string]string{"X-Api-Key": victim.APIKey})
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": victim.APIKey})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("/me after revoke status %d", res.StatusCode)
	}
}

func TestLegacyActorHeader(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	victim := signup(t, srv, map[string]any{"name": "Vera", "role": "victim"})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Actor-Id": victim.Actor.ID})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("legacy header /me status %d: %s", res.StatusCode, string(data))
	}
}
