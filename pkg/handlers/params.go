package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/urekai/urekai-engine/pkg/models"
)

// ParseUploadID extracts and validates the upload ID from the request path.
// Returns the parsed UUID and true on success, or uuid.Nil and false on error
// (after writing an error response).
// Expects path parameter: upload_id
func ParseUploadID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "upload_id", "invalid_upload_id", "Invalid upload ID format", logger)
}

// ParseTableName extracts the table_name path parameter. Only names generated for an
// upload are accepted, so arbitrary identifiers never reach DROP TABLE.
func ParseTableName(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (string, bool) {
	name := r.PathValue("table_name")
	if _, ok := models.UploadIDFromTableName(name); !ok {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_table_name", "Invalid table name"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return "", false
	}
	return name, true
}

// parseUUID is the internal helper that does the actual parsing work.
func parseUUID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (uuid.UUID, bool) {
	idStr := r.PathValue(pathParam)
	id, err := uuid.Parse(idStr)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, errorCode, errorMessage); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}
