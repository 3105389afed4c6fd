package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gridbot/internal/backtest"
	"gridbot/internal/database"
	"gridbot/internal/exchange"
	"gridbot/internal/grid"
	"gridbot/internal/live"
	"gridbot/internal/marketdata"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// fail maps a domain error to a status code and error code.
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, backtest.ErrInvalidRequest),
		errors.Is(err, live.ErrInvalidSettings),
		errors.Is(err, grid.ErrInvalidLevelCount),
		errors.Is(err, grid.ErrInvalidRange):
		abort(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, live.ErrSessionNotFound), errors.Is(err, database.ErrNotFound):
		abort(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, marketdata.ErrNoReferencePrice),
		errors.Is(err, marketdata.ErrNoData),
		errors.Is(err, exchange.ErrUnknownSymbol):
		abort(c, http.StatusUnprocessableEntity, "NO_MARKET_DATA", err.Error())
	case errors.Is(err, exchange.ErrUnavailable):
		abort(c, http.StatusServiceUnavailable, "VENUE_UNAVAILABLE", err.Error())
	default:
		abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
