package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/diagnostd/internal/card"
	"github.com/fyrsmithlabs/diagnostd/internal/cardstore"
	"github.com/fyrsmithlabs/diagnostd/internal/events"
	"github.com/fyrsmithlabs/diagnostd/internal/importer"
	"github.com/fyrsmithlabs/diagnostd/internal/logging"
	"github.com/fyrsmithlabs/diagnostd/internal/matching"
	"github.com/fyrsmithlabs/diagnostd/internal/patterns"
	"github.com/fyrsmithlabs/diagnostd/internal/signature"
	"github.com/fyrsmithlabs/diagnostd/internal/ticket"
)

type matchRequest struct {
	Text            string   `json:"text"`
	ErrorCodes      []string `json:"error_codes"`
	Subsystem       string   `json:"subsystem"`
	FailureMode     string   `json:"failure_mode"`
	VehicleCategory string   `json:"vehicle_category"`
	VehicleMake     string   `json:"vehicle_make"`
	VehicleModel    string   `json:"vehicle_model"`
	EnvironmentTags []string `json:"environment_tags"`
	Limit           int      `json:"limit"`
}

type matchResponse struct {
	Candidates []matching.Candidate `json:"candidates"`
	Matched    bool                 `json:"matched"`
}

func (s *Server) handleMatch(c echo.Context) error {
	var req matchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" && len(req.ErrorCodes) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "text or error_codes required")
	}

	candidates, err := s.services.Pipeline.Match(c.Request().Context(), matching.Request{
		OrgID:           orgID(c),
		Text:            req.Text,
		ErrorCodes:      req.ErrorCodes,
		Subsystem:       signature.Subsystem(req.Subsystem),
		FailureMode:     signature.FailureMode(req.FailureMode),
		VehicleCategory: req.VehicleCategory,
		VehicleMake:     req.VehicleMake,
		VehicleModel:    req.VehicleModel,
		EnvironmentTags: req.EnvironmentTags,
		Limit:           req.Limit,
	})
	if err != nil {
		return s.mapError(c, err)
	}

	return c.JSON(http.StatusOK, matchResponse{
		Candidates: candidates,
		Matched:    len(candidates) > 0,
	})
}

// handleTicketResolution records that a ticket closed. The confidence
// update itself runs through the event router, so the endpoint only
// enqueues and returns 202.
func (s *Server) handleTicketResolution(c echo.Context) error {
	ticketID := c.Param("id")

	event, err := s.services.Router.Emit(c.Request().Context(), &events.TicketResolvedPayload{
		TicketID: ticketID,
		OrgID:    orgID(c),
	}, events.PriorityNormal)
	if err != nil {
		return s.mapError(c, err)
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"event_id":  event.ID,
		"ticket_id": ticketID,
	})
}

type approveRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleCardApprove(c echo.Context) error {
	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Actor == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor is required")
	}

	updated, err := s.services.Engine.Approve(c.Request().Context(), orgID(c), c.Param("id"), req.Actor)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

type deprecateRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (s *Server) handleCardDeprecate(c echo.Context) error {
	var req deprecateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reason is required")
	}
	if req.Actor == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor is required")
	}

	updated, err := s.services.Engine.Deprecate(c.Request().Context(), orgID(c), c.Param("id"), req.Reason, req.Actor)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

type importRequest struct {
	Rows []importer.Row `json:"rows"`
}

// handleImport runs a bulk import synchronously and returns the
// finished job. Imports are operator-driven batches, not a hot path.
func (s *Server) handleImport(c echo.Context) error {
	if s.services.Importer == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "import is not configured")
	}

	var req importRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Rows) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "rows are required")
	}

	job, err := s.services.Importer.Run(c.Request().Context(), orgID(c), req.Rows)
	if err != nil && job == nil {
		return s.mapError(c, err)
	}
	// A failed job is still a created resource; the status field
	// carries the outcome.
	return c.JSON(http.StatusCreated, job)
}

func (s *Server) handleImportStatus(c echo.Context) error {
	if s.services.Jobs == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "import is not configured")
	}

	job, err := s.services.Jobs.Get(c.Request().Context(), orgID(c), c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

type detectRequest struct {
	MinOccurrences int `json:"min_occurrences"`
	LookbackDays   int `json:"lookback_days"`
}

type detectResponse struct {
	Patterns []patterns.EmergingPattern `json:"patterns"`
}

func (s *Server) handlePatternDetect(c echo.Context) error {
	if s.services.Detector == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "pattern detection is not configured")
	}

	var req detectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	found, err := s.services.Detector.Detect(c.Request().Context(), orgID(c), patterns.Params{
		MinOccurrences: req.MinOccurrences,
		Lookback:       time.Duration(req.LookbackDays) * 24 * time.Hour,
	})
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, detectResponse{Patterns: found})
}

func (s *Server) handlePatternList(c echo.Context) error {
	if s.services.Patterns == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "pattern detection is not configured")
	}

	var statuses []patterns.Status
	if raw := c.QueryParam("status"); raw != "" {
		statuses = append(statuses, patterns.Status(raw))
	}

	found, err := s.services.Patterns.List(c.Request().Context(), orgID(c), statuses...)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, detectResponse{Patterns: found})
}

// mapError translates domain errors into HTTP status codes.
func (s *Server) mapError(c echo.Context, err error) error {
	ctx := c.Request().Context()

	switch {
	case errors.Is(err, card.ErrNotFound),
		errors.Is(err, ticket.ErrNotFound),
		errors.Is(err, patterns.ErrNotFound),
		errors.Is(err, importer.ErrJobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, card.ErrInvalidTransition),
		errors.Is(err, patterns.ErrInvalidTransition),
		errors.Is(err, cardstore.ErrDuplicateID):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, events.ErrInvalidPayload),
		errors.Is(err, events.ErrEmitCycle):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed",
			append(logging.ContextFields(ctx),
				zap.String("path", c.Path()),
				zap.Error(err))...)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
