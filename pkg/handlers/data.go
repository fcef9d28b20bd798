package handlers

import (
	"errors"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/urekai/urekai-engine/pkg/apperrors"
	"github.com/urekai/urekai-engine/pkg/auth"
	"github.com/urekai/urekai-engine/pkg/models"
	"github.com/urekai/urekai-engine/pkg/services"
)

// maxMultipartMemory is buffered in memory per request; larger parts spill to disk.
const maxMultipartMemory = 32 << 20

// UploadFileResult is the per-file entry of an upload response.
type UploadFileResult struct {
	Success          bool             `json:"success"`
	Message          string           `json:"message"`
	UploadID         string           `json:"upload_id,omitempty"`
	TableName        string           `json:"table_name,omitempty"`
	OriginalFileName string           `json:"original_file_name"`
	Status           models.JobStatus `json:"status"`
	Error            string           `json:"error,omitempty"`
}

// UploadResponse is the POST /api/data/upload body.
type UploadResponse struct {
	Success bool               `json:"success"`
	Message string             `json:"message"`
	Results []UploadFileResult `json:"results"`
}

// SourceResponse describes one loaded table.
type SourceResponse struct {
	TableName      string                          `json:"table_name"`
	FileName       string                          `json:"file_name"`
	Columns        []models.SchemaColumn           `json:"columns"`
	ColumnInsights map[string]models.ColumnInsight `json:"column_insights,omitempty"`
	CreatedAt      string                          `json:"created_at"`
}

// DataHandler handles file uploads and the user's loaded sources.
type DataHandler struct {
	uploads services.UploadService
	logger  *zap.Logger
}

// NewDataHandler creates a data handler.
func NewDataHandler(uploads services.UploadService, logger *zap.Logger) *DataHandler {
	return &DataHandler{uploads: uploads, logger: logger}
}

// RegisterRoutes registers the data handler's routes on the given mux.
func (h *DataHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, scopeMiddleware ScopeMiddleware) {
	mux.HandleFunc("POST /api/data/upload", authMiddleware.RequireUser(scopeMiddleware(h.Upload)))
	mux.HandleFunc("GET /api/data/uploads/{upload_id}", authMiddleware.RequireUser(scopeMiddleware(h.Status)))
	mux.HandleFunc("GET /api/data/sources", authMiddleware.RequireUser(scopeMiddleware(h.ListSources)))
	mux.HandleFunc("DELETE /api/data/sources/{table_name}", authMiddleware.RequireUser(scopeMiddleware(h.DeleteSource)))
}

// Upload handles POST /api/data/upload. Each file in the "files" field is queued
// independently; a failed file does not fail the others.
func (h *DataHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserIDFromContext(r.Context())

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		h.errorResponse(w, http.StatusBadRequest, "invalid_request", "Expected a multipart form")
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			h.logger.Warn("Failed to remove multipart temp files", zap.Error(err))
		}
	}()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		h.errorResponse(w, http.StatusBadRequest, "missing_files", "At least one file is required")
		return
	}

	results := make([]UploadFileResult, 0, len(files))
	for _, fh := range files {
		results = append(results, h.uploadOne(r, userID, fh))
	}

	if err := WriteJSON(w, http.StatusOK, UploadResponse{
		Success: true,
		Message: "Upload initiated for files",
		Results: results,
	}); err != nil {
		h.logger.Error("Failed to encode upload response", zap.Error(err))
	}
}

func (h *DataHandler) uploadOne(r *http.Request, userID string, fh *multipart.FileHeader) UploadFileResult {
	name := fh.Filename
	failed := func(err error) UploadFileResult {
		h.logger.Warn("Upload rejected",
			zap.String("user_id", userID),
			zap.String("file_name", name),
			zap.Error(err))
		return UploadFileResult{
			Success:          false,
			Message:          "Failed to process file",
			OriginalFileName: name,
			Status:           models.JobStatusFailed,
			Error:            uploadErrorMessage(err),
		}
	}

	f, err := fh.Open()
	if err != nil {
		return failed(err)
	}
	defer f.Close()

	result, err := h.uploads.Upload(r.Context(), services.UploadRequest{
		UserID:   userID,
		FileName: name,
		Content:  f,
	})
	if err != nil {
		return failed(err)
	}

	return UploadFileResult{
		Success:          true,
		Message:          "Upload accepted",
		UploadID:         result.UploadID.String(),
		TableName:        result.TableName,
		OriginalFileName: result.OriginalFileName,
		Status:           result.Status,
	}
}

func uploadErrorMessage(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrUnsupportedFile):
		return "Unsupported file format. Upload .csv, .xlsx or .xlsm files."
	case errors.Is(err, apperrors.ErrFileTooLarge):
		return "File is too large"
	default:
		return "Could not store the file"
	}
}

// Status handles GET /api/data/uploads/{upload_id}.
func (h *DataHandler) Status(w http.ResponseWriter, r *http.Request) {
	uploadID, ok := ParseUploadID(w, r, h.logger)
	if !ok {
		return
	}
	userID := auth.GetUserIDFromContext(r.Context())

	status, err := h.uploads.Status(r.Context(), userID, uploadID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			h.errorResponse(w, http.StatusNotFound, "not_found", "Upload not found")
			return
		}
		h.logger.Error("Failed to get upload status",
			zap.String("upload_id", uploadID.String()),
			zap.Error(err))
		h.errorResponse(w, http.StatusInternalServerError, "status_failed", "Failed to get upload status")
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: status}); err != nil {
		h.logger.Error("Failed to encode status response", zap.Error(err))
	}
}

// ListSources handles GET /api/data/sources.
func (h *DataHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserIDFromContext(r.Context())

	sources, err := h.uploads.ListSources(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list sources", zap.String("user_id", userID), zap.Error(err))
		h.errorResponse(w, http.StatusInternalServerError, "list_failed", "Failed to list sources")
		return
	}

	data := make([]SourceResponse, len(sources))
	for i, s := range sources {
		data[i] = SourceResponse{
			TableName:      s.TableName,
			FileName:       s.FileName,
			Columns:        s.Schema.Columns,
			ColumnInsights: s.ColumnInsights,
			CreatedAt:      s.CreatedAt.UTC().Format(time.RFC3339),
		}
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: data}); err != nil {
		h.logger.Error("Failed to encode sources response", zap.Error(err))
	}
}

// DeleteSource handles DELETE /api/data/sources/{table_name}.
func (h *DataHandler) DeleteSource(w http.ResponseWriter, r *http.Request) {
	tableName, ok := ParseTableName(w, r, h.logger)
	if !ok {
		return
	}
	userID := auth.GetUserIDFromContext(r.Context())

	if err := h.uploads.DeleteSource(r.Context(), userID, tableName); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			h.errorResponse(w, http.StatusNotFound, "not_found", "Source not found")
			return
		}
		h.logger.Error("Failed to delete source",
			zap.String("table_name", tableName),
			zap.Error(err))
		h.errorResponse(w, http.StatusInternalServerError, "delete_failed", "Failed to delete source")
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Source deleted"}); err != nil {
		h.logger.Error("Failed to encode delete response", zap.Error(err))
	}
}

func (h *DataHandler) errorResponse(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
