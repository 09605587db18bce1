package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/pushtalk/domain/entities"
	"github.com/satriahrh/pushtalk/domain/repositories"
	"github.com/satriahrh/pushtalk/internal/auth"
	"github.com/satriahrh/pushtalk/internal/metrics"
	"github.com/satriahrh/pushtalk/usecase"
)

const (
	maxAudioBody     = 1 << 20
	defaultListLimit = 20
	maxListLimit     = 200
	claimsContextKey = "claims"
)

// Dependencies are the services the control API drives
type Dependencies struct {
	Dictation   *usecase.DictationService
	Transcripts repositories.TranscriptRepository // optional
	Signer      *auth.Signer
	Metrics     *metrics.Metrics // optional
	Logger      *zap.Logger
}

type handler struct {
	Dependencies
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies) {
	h := &handler{Dependencies: deps}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "pushtalk",
		})
	})

	e.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))

	v1 := e.Group("/api/v1", h.requireToken)

	v1.POST("/dictation/start", h.startDictation)
	v1.POST("/dictation/audio", h.sendAudio)
	v1.POST("/dictation/stop", h.stopDictation)
	v1.GET("/dictation/status", h.dictationStatus)

	v1.GET("/transcripts", h.listTranscripts)
	v1.GET("/transcripts/:id", h.getTranscript)
}

// requireToken accepts only controller tokens in the Authorization header
func (h *handler) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			h.Logger.Warn("Request rejected: missing token", zap.String("path", c.Path()))
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "missing_token",
				Message: "JWT token is required in Authorization header",
			})
		}

		claims, err := h.Signer.ValidateToken(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidRole) {
				h.Logger.Warn("Request rejected: invalid role", zap.Error(err))
				return c.JSON(http.StatusForbidden, ErrorResponse{
					Error:   "invalid_role",
					Message: "Only controller tokens are allowed",
				})
			}
			h.Logger.Warn("Request rejected: invalid token", zap.Error(err))
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "invalid_token",
				Message: "Invalid or expired JWT token",
			})
		}

		c.Set(claimsContextKey, claims)
		return next(c)
	}
}

func (h *handler) startDictation(c echo.Context) error {
	err := h.Dictation.Start(c.Request().Context())
	switch {
	case err == nil:
	case errors.Is(err, usecase.ErrSessionActive):
		return c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "session_active",
			Message: err.Error(),
		})
	case errors.Is(err, usecase.ErrServiceClosed):
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "shutting_down"})
	default:
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "connect_failed",
			Message: err.Error(),
		})
	}

	requestID, _ := h.Dictation.Active()
	if claims, ok := c.Get(claimsContextKey).(*auth.JWTClaims); ok {
		h.Logger.Info("Dictation started via control API",
			zap.String("client_id", claims.ClientID),
			zap.String("requestID", requestID))
	}
	return c.JSON(http.StatusOK, StartResponse{
		RequestID: requestID,
		Status:    h.Dictation.Status(),
	})
}

func (h *handler) sendAudio(c echo.Context) error {
	if _, active := h.Dictation.Active(); !active {
		return c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "no_session",
			Message: usecase.ErrNoActiveSession.Error(),
		})
	}

	body := http.MaxBytesReader(c.Response(), c.Request().Body, maxAudioBody)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:   "chunk_too_large",
				Message: "Audio chunks must be at most 1 MiB",
			})
		}
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Failed to read audio body",
		})
	}
	if len(data) == 0 {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "empty_chunk",
			Message: "Audio body is empty",
		})
	}

	h.Dictation.SendAudio(data)
	return c.JSON(http.StatusAccepted, AudioResponse{Accepted: len(data)})
}

func (h *handler) stopDictation(c echo.Context) error {
	transcript, err := h.Dictation.Finish(c.Request().Context())
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, StopResponse{Transcript: transcript})
	case errors.Is(err, usecase.ErrNoActiveSession), errors.Is(err, usecase.ErrStopInProgress):
		return c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "no_session",
			Message: err.Error(),
		})
	case errors.Is(err, usecase.ErrNoSpeech):
		return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "no_speech",
			Message: err.Error(),
		})
	default:
		h.Logger.Error("Failed to finish dictation", zap.Error(err))
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "finish_failed",
			Message: err.Error(),
		})
	}
}

func (h *handler) dictationStatus(c echo.Context) error {
	requestID, active := h.Dictation.Active()
	resp := StatusResponse{
		Status:    h.Dictation.Status(),
		Active:    active,
		RequestID: requestID,
	}
	if err := h.Dictation.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *handler) listTranscripts(c echo.Context) error {
	if h.Transcripts == nil {
		return historyDisabled(c)
	}

	limit := defaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be a positive integer",
			})
		}
		limit = min(n, maxListLimit)
	}

	transcripts, err := h.Transcripts.ListRecent(c.Request().Context(), limit)
	if err != nil {
		h.Logger.Error("Failed to list transcripts", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
	if transcripts == nil {
		transcripts = []*entities.Transcript{}
	}
	return c.JSON(http.StatusOK, TranscriptsResponse{Transcripts: transcripts})
}

func (h *handler) getTranscript(c echo.Context) error {
	if h.Transcripts == nil {
		return historyDisabled(c)
	}

	transcript, err := h.Transcripts.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		h.Logger.Error("Failed to get transcript", zap.String("id", c.Param("id")), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
	if transcript == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found"})
	}
	return c.JSON(http.StatusOK, transcript)
}

func historyDisabled(c echo.Context) error {
	return c.JSON(http.StatusNotFound, ErrorResponse{
		Error:   "history_disabled",
		Message: "Transcript history is not enabled",
	})
}
