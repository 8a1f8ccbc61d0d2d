package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dtroode/academysync/internal/model"
)

// streamBuffer is how many events a slow stream client may lag behind.
const streamBuffer = 32

type notificationAPI struct {
	svc Notifications
}

func registerNotificationAPI(g *echo.Group, svc Notifications) {
	api := notificationAPI{svc: svc}

	ng := g.Group("/notifications")
	ng.GET("", api.active)
	ng.GET("/stream", api.stream)
	ng.DELETE("/:id", api.dismiss)
}

func (api *notificationAPI) active(c echo.Context) error {
	return c.JSON(http.StatusOK, api.svc.Active())
}

func (api *notificationAPI) dismiss(c echo.Context) error {
	if !api.svc.Dismiss(c.Param("id")) {
		return fmt.Errorf("notification %s: %w", c.Param("id"), model.ErrNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

// stream sends later notifications as server-sent events until the client
// goes away. Events the client cannot keep up with are dropped.
func (api *notificationAPI) stream(c echo.Context) error {
	events := make(chan model.Event, streamBuffer)
	unsubscribe := api.svc.Subscribe(func(event model.Event) {
		select {
		case events <- event:
		default:
		}
	})
	defer unsubscribe()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-events:
			data, err := json.Marshal(event)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Kind, data); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
