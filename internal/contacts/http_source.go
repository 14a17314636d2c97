package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"chatsync/internal/models"
)

type tokenKey struct{}

// WithToken attaches the caller's bearer token for HTTPSource requests.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func tokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

// HTTPSource reads contacts from the REST contact service.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (s *HTTPSource) DirectContacts(ctx context.Context, userID string) ([]models.DirectContact, error) {
	var out []models.DirectContact
	if err := s.get(ctx, "/api/contact/get-dm-list", &out); err != nil {
		return nil, fmt.Errorf("fetch direct contacts for %s: %w", userID, err)
	}
	return out, nil
}

func (s *HTTPSource) Groups(ctx context.Context, userID string) ([]models.GroupContact, error) {
	var out []models.GroupContact
	if err := s.get(ctx, "/api/groups", &out); err != nil {
		return nil, fmt.Errorf("fetch groups for %s: %w", userID, err)
	}
	return out, nil
}

func (s *HTTPSource) get(ctx context.Context, path string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	if token := tokenFrom(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
