package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rendis/chainflow/pkg/schema"
)

// stateStore holds pending OAuth authorization states until the provider
// redirects back. States are single use.
type stateStore struct {
	ttl time.Duration

	mu      sync.Mutex
	pending map[string]oauthState
}

type oauthState struct {
	userID   string
	provider string
	expires  time.Time
}

func newStateStore(ttl time.Duration) *stateStore {
	return &stateStore{ttl: ttl, pending: make(map[string]oauthState)}
}

func (s *stateStore) issue(userID, provider string, now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, st := range s.pending {
		if now.After(st.expires) {
			delete(s.pending, k)
		}
	}
	state := uuid.NewString()
	s.pending[state] = oauthState{userID: userID, provider: provider, expires: now.Add(s.ttl)}
	return state
}

func (s *stateStore) consume(state string, now time.Time) (oauthState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.pending[state]
	if !ok {
		return oauthState{}, false
	}
	delete(s.pending, state)
	return st, !now.After(st.expires)
}

func requireUser(c echo.Context) (string, error) {
	user := userID(c)
	if user == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, errorBody{
			Error: HeaderUserID + " header is required",
			Code:  schema.ErrCodeCredential,
		})
	}
	return user, nil
}

// handleListCredentials lists configured providers and the ones the
// caller has connected.
// (GET /api/v1/credentials)
func (s *Server) handleListCredentials(c echo.Context) error {
	user, err := requireUser(c)
	if err != nil {
		return err
	}
	connected, err := s.deps.Credentials.Connected(c.Request().Context(), user)
	if err != nil {
		return httpError(err)
	}
	if connected == nil {
		connected = []string{}
	}
	return c.JSON(http.StatusOK, envelope{Data: map[string]any{
		"providers": s.deps.Credentials.Providers(),
		"connected": connected,
	}})
}

// handleAuthorize starts the OAuth flow for a provider. With
// ?redirect=true the caller is redirected to the consent page.
// (GET /api/v1/credentials/:provider/authorize)
func (s *Server) handleAuthorize(c echo.Context) error {
	user, err := requireUser(c)
	if err != nil {
		return err
	}
	provider := c.Param("provider")
	state := s.states.issue(user, provider, s.now())
	url, err := s.deps.Credentials.AuthCodeURL(provider, state)
	if err != nil {
		return httpError(err)
	}
	if c.QueryParam("redirect") == "true" {
		return c.Redirect(http.StatusFound, url)
	}
	return c.JSON(http.StatusOK, envelope{Data: map[string]string{"url": url, "state": state}})
}

// handleCallback finishes the OAuth flow and stores the token for the
// user that started it.
// (GET /api/v1/credentials/:provider/callback)
func (s *Server) handleCallback(c echo.Context) error {
	provider := c.Param("provider")
	if msg := c.QueryParam("error"); msg != "" {
		return httpError(schema.NewErrorf(schema.ErrCodeCredential, "authorization denied: %s", msg))
	}
	code := c.QueryParam("code")
	if code == "" {
		return badRequest("code is required")
	}
	st, ok := s.states.consume(c.QueryParam("state"), s.now())
	if !ok || st.provider != provider {
		return badRequest("unknown or expired state")
	}
	if err := s.deps.Credentials.Exchange(c.Request().Context(), st.userID, provider, code); err != nil {
		return httpError(err)
	}
	s.logger.InfoContext(c.Request().Context(), "credential connected", "provider", provider, "user_id", st.userID)
	return c.JSON(http.StatusOK, envelope{Data: map[string]any{"provider": provider, "connected": true}})
}

// (DELETE /api/v1/credentials/:provider)
func (s *Server) handleDeleteCredential(c echo.Context) error {
	user, err := requireUser(c)
	if err != nil {
		return err
	}
	if err := s.deps.Credentials.Delete(c.Request().Context(), user, c.Param("provider")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
