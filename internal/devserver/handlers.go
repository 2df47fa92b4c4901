package devserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/middleware"
	"github.com/nfrund/chatsync/internal/persistence"
)

// ErrorResponse is the standard format for API error responses.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) createMessage(c echo.Context) error {
	var req persistence.CreateMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := s.client.CreateMessage(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rec)
}

func (s *Server) editMessage(c echo.Context) error {
	var req persistence.EditMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := s.client.EditMessage(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) deleteMessage(c echo.Context) error {
	var body struct {
		AuthorID string `json:"authorId" query:"authorId"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if body.AuthorID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "authorId is required")
	}
	if err := s.client.DeleteMessage(c.Request().Context(), c.Param("id"), body.AuthorID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) react(c echo.Context) error {
	var req persistence.ReactionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.client.React(c.Request().Context(), c.Param("id"), req); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) history(c echo.Context) error {
	q := persistence.HistoryQuery{ChannelID: c.QueryParam("channelId")}
	if q.ChannelID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channelId is required")
	}
	if v := c.QueryParam("before"); v != "" {
		before, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "before must be an RFC 3339 timestamp")
		}
		q.Before = before
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 200")
		}
		q.Limit = n
	}

	recs, err := s.client.History(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, recs)
}

// errorHandler maps domain errors onto status codes.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, code, msg := http.StatusInternalServerError, "internal", "internal server error"
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		status, code = he.Code, strings.ToLower(strings.ReplaceAll(http.StatusText(he.Code), " ", "_"))
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(he.Code)
		}
	case errors.Is(err, domain.ErrMessageNotFound), errors.Is(err, domain.ErrNotFound):
		status, code, msg = http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, domain.ErrMutationRejected):
		status, code, msg = http.StatusUnprocessableEntity, "rejected", err.Error()
	case errors.Is(err, domain.ErrTransportUnavailable):
		status, code, msg = http.StatusServiceUnavailable, "unavailable", "storage unavailable"
	}

	logger := middleware.FromContext(c.Request().Context())
	if status >= 500 {
		logger.Error("Request failed", "status", status, "error", err)
	} else {
		logger.Debug("Request rejected", "status", status, "error", err)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, ErrorResponse{Code: code, Message: msg})
}
