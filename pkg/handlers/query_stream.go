package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/urekai/urekai-engine/pkg/auth"
	"github.com/urekai/urekai-engine/pkg/models"
	"github.com/urekai/urekai-engine/pkg/services"
)

// Stream message types sent to the client.
const (
	StreamThinking    = "thinking"
	StreamGeneral     = "general"
	StreamUnsupported = "unsupported"
	StreamError       = "error"
	StreamAnalysis    = "analysis"
)

// maxStreamRequestBytes bounds the single client message.
const maxStreamRequestBytes = 64 << 10

// StreamMessage is one server-to-client message on the query WebSocket.
type StreamMessage struct {
	Type    string `json:"type"`
	Content any    `json:"content"`
}

// StreamRequest is the single client-to-server message.
type StreamRequest struct {
	UserQuery string `json:"userQuery"`
	Immediate bool   `json:"immediate"`
}

// Stream handles GET /api/query/ws. The client sends one StreamRequest; the server
// streams progress as "thinking" messages, then one final message, and closes.
func (h *QueryHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxStreamRequestBytes)

	ctx := r.Context()
	userID := auth.GetUserIDFromContext(ctx)
	logger := h.logger.With(zap.String("user_id", userID))

	_, data, err := conn.Read(ctx)
	if err != nil {
		logger.Debug("WebSocket closed before a query arrived", zap.Error(err))
		return
	}

	var req StreamRequest
	if err := json.Unmarshal(data, &req); err != nil || strings.TrimSpace(req.UserQuery) == "" {
		h.send(ctx, conn, StreamError, "userQuery is required.", logger)
		conn.Close(websocket.StatusPolicyViolation, "invalid request")
		return
	}

	outcome, err := h.orchestrator.Run(ctx, userID, strings.TrimSpace(req.UserQuery), services.RunOptions{
		Immediate: req.Immediate,
		OnStep: func(step services.Step) {
			h.send(ctx, conn, StreamThinking, stepMessage(step), logger)
		},
	})

	switch {
	case err != nil:
		var unsupported *services.UnsupportedError
		if errors.As(err, &unsupported) {
			h.send(ctx, conn, StreamUnsupported, unsupportedMessage(unsupported), logger)
			break
		}
		if status, _ := queryErrorStatus(err); status == http.StatusInternalServerError {
			logger.Error("Streamed query failed", zap.Error(err))
		}
		h.send(ctx, conn, StreamError, queryErrorMessage(err), logger)
	case outcome.Analysis == nil:
		msgType := StreamGeneral
		if outcome.Type == models.QueryTypeUnsupported {
			msgType = StreamUnsupported
		}
		h.send(ctx, conn, msgType, outcome.Message, logger)
	default:
		h.send(ctx, conn, StreamAnalysis, outcome.Analysis, logger)
	}

	conn.Close(websocket.StatusNormalClosure, "done")
}

func (h *QueryHandler) send(ctx context.Context, conn *websocket.Conn, msgType string, content any, logger *zap.Logger) {
	data, err := json.Marshal(StreamMessage{Type: msgType, Content: content})
	if err != nil {
		logger.Error("Failed to marshal stream message", zap.Error(err))
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		logger.Debug("Failed to write stream message", zap.String("type", msgType), zap.Error(err))
	}
}

func stepMessage(step services.Step) string {
	if step.Iteration == 0 {
		return step.Message
	}
	if step.Stage == services.StageGenerating {
		return fmt.Sprintf("Generating insights (Attempt %d)...", step.Iteration)
	}
	return step.Message
}

func unsupportedMessage(err *services.UnsupportedError) string {
	if len(err.Suggestions) > 0 {
		return "Data is not sufficient. " + err.Suggestions[0]
	}
	if err.Reason != "" {
		return "Data is not sufficient. " + err.Reason
	}
	return "Data is not sufficient."
}
