package relieflinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Reliefline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Location is a WGS84 coordinate pair.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Actor represents the API actor model.
type Actor struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Role     string    `json:"role"`
	Phone    string    `json:"phone,omitempty"`
	Location *Location `json:"location,omitempty"`
	Skills   []string  `json:"skills,omitempty"`
}

// Signup is the registration response: the actor plus its plaintext API key.
type Signup struct {
	Actor    Actor  `json:"actor"`
	APIKey   string `json:"api_key"`
	APIKeyID string `json:"api_key_id"`
}

// Request represents the API help request model.
type Request struct {
	ID          string   `json:"id"`
	VictimID    string   `json:"victim_id"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Urgency     string   `json:"urgency"`
	Location    Location `json:"location"`
	Status      string   `json:"status"`
	VolunteerID *string  `json:"volunteer_id,omitempty"`
	CreatedAt   string   `json:"created_at"`
	FulfilledAt *string  `json:"fulfilled_at,omitempty"`
	DistanceKm  *float64 `json:"distance_km,omitempty"`
}

// Suggestion is a ranked request for a volunteer.
type Suggestion struct {
	Request    Request  `json:"request"`
	DistanceKm float64  `json:"distance_km"`
	Score      int      `json:"score"`
	Reasons    []string `json:"reasons"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SignupOptions are parameters for Signup.
type SignupOptions struct {
	Name     string    `json:"name"`
	Role     string    `json:"role"`
	Phone    string    `json:"phone,omitempty"`
	Location *Location `json:"location,omitempty"`
	Skills   []string  `json:"skills,omitempty"`
}

// Signup registers an actor and returns its API key. The key is stored on
// the client for subsequent calls.
func (c *Client) Signup(ctx context.Context, opts SignupOptions) (Signup, error) {
	var resp Signup
	if err := c.do(ctx, http.MethodPost, "actors", opts, &resp); err != nil {
		return Signup{}, err
	}
	if c.APIKey == "" && c.BearerToken == "" {
		c.APIKey = resp.APIKey
	}
	return resp, nil
}

// Me returns the authenticated actor's profile.
func (c *Client) Me(ctx context.Context) (Actor, error) {
	var resp Actor
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// CreateRequest posts a help request as the authenticated victim.
func (c *Client) CreateRequest(ctx context.Context, reqType, description, urgency string, loc *Location) (Request, error) {
	body := map[string]any{
		"type":        reqType,
		"description": description,
		"urgency":     urgency,
	}
	if loc != nil {
		body["location"] = loc
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", body, &resp)
	return resp, err
}

// ListRequests returns requests visible to the authenticated actor.
func (c *Client) ListRequests(ctx context.Context, status string) ([]Request, error) {
	endpoint := "requests"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Request
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetRequest fetches one request by id.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Suggestions returns ranked pending requests for the authenticated volunteer.
func (c *Client) Suggestions(ctx context.Context, limit int) ([]Suggestion, error) {
	endpoint := "suggestions"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Suggestion
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Claim commits the authenticated volunteer to a pending request.
func (c *Client) Claim(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(id)+"/claim", nil, &resp)
	return resp, err
}

// SetStatus applies a lifecycle transition to a request.
func (c *Client) SetStatus(ctx context.Context, id, status string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(id)+"/status", map[string]any{"status": status}, &resp)
	return resp, err
}

// RevokeKey deletes one of the authenticated actor's API keys by ID.
func (c *Client) RevokeKey(ctx context.Context, keyID string) error {
	return c.do(ctx, http.MethodDelete, "me/keys/"+url.PathEscape(keyID), nil, nil)
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
