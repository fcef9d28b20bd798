package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/urekai/urekai-engine/pkg/apperrors"
	"github.com/urekai/urekai-engine/pkg/auth"
	"github.com/urekai/urekai-engine/pkg/models"
	"github.com/urekai/urekai-engine/pkg/services"
)

// unsupportedType is the response type for questions the data cannot answer.
const unsupportedType = "Unsupported"

// QueryRequest is the POST /api/query body.
type QueryRequest struct {
	UserQuery string `json:"userQuery"`
	Immediate bool   `json:"immediate"`
}

// MessageAnswer answers general and unsupported questions.
type MessageAnswer struct {
	Type    models.QueryType `json:"type"`
	Message string           `json:"message"`
}

// UnsupportedAnswer explains why the uploaded data cannot answer a question.
type UnsupportedAnswer struct {
	Type        string   `json:"type"`
	Reason      string   `json:"reason"`
	Suggestions []string `json:"suggestions"`
}

// AnalysisAnswer is an accepted data analysis.
type AnalysisAnswer struct {
	Type       models.QueryType        `json:"type"`
	Analysis   *models.Analysis        `json:"analysis"`
	Queries    []models.GeneratedQuery `json:"queries,omitempty"`
	Iterations int                     `json:"iterations"`
}

// QueryHandler answers natural-language questions over the user's tables.
type QueryHandler struct {
	orchestrator services.QueryOrchestrator
	origins      []string
	logger       *zap.Logger
}

// NewQueryHandler creates a query handler. origins lists the host patterns allowed to
// open the WebSocket from a browser; same-origin requests are always allowed.
func NewQueryHandler(orchestrator services.QueryOrchestrator, origins []string, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{orchestrator: orchestrator, origins: origins, logger: logger}
}

// RegisterRoutes registers the query handler's routes on the given mux.
func (h *QueryHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, scopeMiddleware ScopeMiddleware) {
	mux.HandleFunc("POST /api/query", authMiddleware.RequireUser(scopeMiddleware(h.Query)))
	mux.HandleFunc("GET /api/query/ws", authMiddleware.RequireUser(scopeMiddleware(h.Stream)))
}

// Query handles POST /api/query.
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	question := strings.TrimSpace(req.UserQuery)
	if question == "" {
		h.errorResponse(w, http.StatusBadRequest, "missing_query", "userQuery is required")
		return
	}
	userID := auth.GetUserIDFromContext(r.Context())

	outcome, err := h.orchestrator.Run(r.Context(), userID, question, services.RunOptions{Immediate: req.Immediate})
	if err != nil {
		var unsupported *services.UnsupportedError
		if errors.As(err, &unsupported) {
			h.writeData(w, UnsupportedAnswer{
				Type:        unsupportedType,
				Reason:      unsupported.Reason,
				Suggestions: nonNil(unsupported.Suggestions),
			})
			return
		}
		status, code := queryErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Query failed", zap.String("user_id", userID), zap.Error(err))
		}
		h.errorResponse(w, status, code, queryErrorMessage(err))
		return
	}

	if outcome.Analysis == nil {
		h.writeData(w, MessageAnswer{Type: outcome.Type, Message: outcome.Message})
		return
	}
	h.writeData(w, AnalysisAnswer{
		Type:       outcome.Type,
		Analysis:   outcome.Analysis,
		Queries:    outcome.Queries,
		Iterations: outcome.Iterations,
	})
}

func (h *QueryHandler) writeData(w http.ResponseWriter, data any) {
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: data}); err != nil {
		h.logger.Error("Failed to encode query response", zap.Error(err))
	}
}

func (h *QueryHandler) errorResponse(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

func queryErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, apperrors.ErrNoData):
		return http.StatusNotFound, "no_data"
	case errors.Is(err, apperrors.ErrBudgetExhausted):
		return http.StatusUnprocessableEntity, "budget_exhausted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "query_failed"
	}
}

func queryErrorMessage(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrNoData):
		return apperrors.ErrNoData.Error()
	case errors.Is(err, apperrors.ErrBudgetExhausted):
		return apperrors.ErrBudgetExhausted.Error()
	default:
		return "An unexpected error occurred."
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
