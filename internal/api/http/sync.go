package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type syncAPI struct {
	svc Academy
}

func registerSyncAPI(g *echo.Group, svc Academy) {
	api := syncAPI{svc: svc}

	sg := g.Group("/sync")
	sg.GET("", api.state)
	sg.POST("", api.trigger)
	sg.GET("/operations", api.operations)
	sg.POST("/operations/retry", api.retryAll)
	sg.POST("/operations/:id/retry", api.retry)
	sg.DELETE("/operations/:id", api.discard)
}

func (api *syncAPI) state(c echo.Context) error {
	state, err := api.svc.SyncState(c.Request().Context(), callerToken(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newSyncStateResponse(state))
}

// trigger answers 202 whether or not a new cycle started; a running cycle
// absorbs the request.
func (api *syncAPI) trigger(c echo.Context) error {
	started, err := api.svc.TriggerSync(c.Request().Context(), callerToken(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, triggerResponse{Started: started})
}

func (api *syncAPI) operations(c echo.Context) error {
	ops, err := api.svc.PendingOperations(c.Request().Context(), callerToken(c))
	if err != nil {
		return err
	}
	resp := make([]operationResponse, 0, len(ops))
	for _, op := range ops {
		resp = append(resp, newOperationResponse(op))
	}
	return c.JSON(http.StatusOK, resp)
}

func (api *syncAPI) retry(c echo.Context) error {
	if err := api.svc.RetryOperation(c.Request().Context(), callerToken(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (api *syncAPI) retryAll(c echo.Context) error {
	n, err := api.svc.RetryAll(c.Request().Context(), callerToken(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, retryAllResponse{Requeued: n})
}

func (api *syncAPI) discard(c echo.Context) error {
	if err := api.svc.DiscardOperation(c.Request().Context(), callerToken(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
