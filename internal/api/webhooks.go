package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/internal/webhooks"
	"github.com/rendis/chainflow/pkg/schema"
)

// eventWebhookTest is the type of the event sent by the test route.
const eventWebhookTest = "webhook.test"

// webhookView is a subscription as the API shows it. The secret never
// leaves the server.
type webhookView struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id,omitempty"`
	Name           string            `json:"name"`
	EventTypes     []string          `json:"event_types"`
	TargetURL      string            `json:"target_url"`
	HasSecret      bool              `json:"has_secret"`
	Headers        map[string]string `json:"headers,omitempty"`
	Active         bool              `json:"active"`
	LastDeliveryAt *time.Time        `json:"last_delivery_at,omitempty"`
	LastStatus     int               `json:"last_status,omitempty"`
	FailureCount   int               `json:"failure_count"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func viewWebhook(sub *store.Subscription) webhookView {
	return webhookView{
		ID:             sub.ID,
		UserID:         sub.UserID,
		Name:           sub.Name,
		EventTypes:     sub.EventTypes,
		TargetURL:      sub.TargetURL,
		HasSecret:      sub.SecretKey != "",
		Headers:        sub.Headers,
		Active:         sub.Active,
		LastDeliveryAt: sub.LastDeliveryAt,
		LastStatus:     sub.LastStatus,
		FailureCount:   sub.FailureCount,
		CreatedAt:      sub.CreatedAt,
		UpdatedAt:      sub.UpdatedAt,
	}
}

type webhookBody struct {
	Name       *string           `json:"name"`
	EventTypes []string          `json:"event_types"`
	TargetURL  *string           `json:"target_url"`
	SecretKey  *string           `json:"secret_key"`
	Headers    map[string]string `json:"headers"`
	Active     *bool             `json:"active"`
}

// ownedWebhook loads a subscription, hiding those of other users.
func (s *Server) ownedWebhook(c echo.Context) (*store.Subscription, error) {
	sub, err := s.deps.Store.GetSubscription(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if user := userID(c); user != "" && sub.UserID != "" && sub.UserID != user {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "subscription %q not found", sub.ID)
	}
	return sub, nil
}

// (GET /api/v1/webhooks)
func (s *Server) handleListWebhooks(c echo.Context) error {
	subs, err := s.deps.Store.ListSubscriptions(c.Request().Context(), store.SubscriptionFilter{UserID: userID(c)})
	if err != nil {
		return httpError(err)
	}
	out := make([]webhookView, 0, len(subs))
	for _, sub := range subs {
		out = append(out, viewWebhook(sub))
	}
	return c.JSON(http.StatusOK, envelope{Data: out})
}

// (GET /api/v1/webhooks/:id)
func (s *Server) handleGetWebhook(c echo.Context) error {
	sub, err := s.ownedWebhook(c)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, envelope{Data: viewWebhook(sub)})
}

// handleCreateWebhook registers a subscription. It is active unless the
// body says otherwise.
// (POST /api/v1/webhooks)
func (s *Server) handleCreateWebhook(c echo.Context) error {
	var body webhookBody
	if err := readJSON(c, &body); err != nil {
		return err
	}
	sub := &store.Subscription{
		UserID:     userID(c),
		EventTypes: body.EventTypes,
		Headers:    body.Headers,
		Active:     body.Active == nil || *body.Active,
	}
	if body.Name != nil {
		sub.Name = *body.Name
	}
	if body.TargetURL != nil {
		sub.TargetURL = *body.TargetURL
	}
	if body.SecretKey != nil {
		sub.SecretKey = *body.SecretKey
	}
	if err := webhooks.Validate(sub); err != nil {
		return httpError(err)
	}
	if err := s.deps.Store.CreateSubscription(c.Request().Context(), sub); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, envelope{Data: viewWebhook(sub)})
}

// handleUpdateWebhook changes the fields present in the body. An empty
// secret_key removes signing.
// (PUT /api/v1/webhooks/:id)
func (s *Server) handleUpdateWebhook(c echo.Context) error {
	sub, err := s.ownedWebhook(c)
	if err != nil {
		return httpError(err)
	}
	var body webhookBody
	if err := readJSON(c, &body); err != nil {
		return err
	}
	if body.Name != nil && *body.Name == "" {
		return badRequest("name must not be empty")
	}
	if body.TargetURL != nil {
		if err := webhooks.ValidateTarget(*body.TargetURL); err != nil {
			return httpError(err)
		}
	}
	if body.EventTypes != nil {
		if err := webhooks.ValidateEventTypes(body.EventTypes); err != nil {
			return httpError(err)
		}
	}
	ctx := c.Request().Context()
	update := store.SubscriptionUpdate{
		Name:       body.Name,
		EventTypes: body.EventTypes,
		TargetURL:  body.TargetURL,
		SecretKey:  body.SecretKey,
		Headers:    body.Headers,
		Active:     body.Active,
	}
	if err := s.deps.Store.UpdateSubscription(ctx, sub.ID, update); err != nil {
		return httpError(err)
	}
	sub, err = s.deps.Store.GetSubscription(ctx, sub.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, envelope{Data: viewWebhook(sub)})
}

// (DELETE /api/v1/webhooks/:id)
func (s *Server) handleDeleteWebhook(c echo.Context) error {
	sub, err := s.ownedWebhook(c)
	if err != nil {
		return httpError(err)
	}
	if err := s.deps.Store.DeleteSubscription(c.Request().Context(), sub.ID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleTestWebhook sends one synthetic event to the subscription and
// reports the target's answer.
// (POST /api/v1/webhooks/:id/test)
func (s *Server) handleTestWebhook(c echo.Context) error {
	sub, err := s.ownedWebhook(c)
	if err != nil {
		return httpError(err)
	}
	ev := streaming.RunEvent{Type: eventWebhookTest, Status: "test", At: s.now()}
	res := s.deps.Webhooks.Deliver(context.WithoutCancel(c.Request().Context()), sub, ev)
	return c.JSON(http.StatusOK, envelope{Data: map[string]any{
		"delivered": res.Succeeded(),
		"status":    res.Status,
	}})
}
