package models

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileKind identifies which ingestion queue a job belongs to.
type FileKind string

const (
	FileKindCSV   FileKind = "csv"
	FileKindExcel FileKind = "excel"
)

// AllFileKinds lists every kind with its own queue table and notification channel.
var AllFileKinds = []FileKind{FileKindCSV, FileKindExcel}

// QueueTable returns the queue table holding jobs of this kind.
func (k FileKind) QueueTable() string {
	return string(k) + "_queue"
}

// Channel returns the LISTEN/NOTIFY channel for this kind.
func (k FileKind) Channel() string {
	return string(k) + "_job"
}

// Valid reports whether k is a known kind.
func (k FileKind) Valid() bool {
	return k == FileKindCSV || k == FileKindExcel
}

// ParseFileKind maps a notification payload or stored value to a FileKind.
func ParseFileKind(s string) (FileKind, error) {
	k := FileKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown file kind %q", s)
	}
	return k, nil
}

// FileKindForName picks the kind from a file name's extension.
func FileKindForName(name string) (FileKind, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return FileKindCSV, true
	case ".xlsx", ".xlsm", ".xls":
		return FileKindExcel, true
	default:
		return "", false
	}
}

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
)

// Ingestion progress checkpoints reported while a job runs.
const (
	ProgressSampled       int16 = 10
	ProgressInferred      int16 = 30
	ProgressTableCreated  int16 = 50
	ProgressLoaded        int16 = 80
	ProgressMetadataSaved int16 = 90
	ProgressComplete      int16 = 100
)

// IngestionJob is one queued upload waiting to be loaded into its own table.
type IngestionJob struct {
	ID               int64     `json:"id"`
	Kind             FileKind  `json:"kind"`
	UploadID         uuid.UUID `json:"upload_id"`
	UserID           string    `json:"user_id"`
	TableName        string    `json:"table_name"`
	FilePath         string    `json:"-"`
	OriginalFileName string    `json:"original_file_name"`
	Status           JobStatus `json:"status"`
	Progress         int16     `json:"progress"`
	Medium           *string   `json:"medium,omitempty"`
	ReceiverNo       *string   `json:"receiver_no,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// TableNameForUpload derives the physical table name from an upload id.
// Upload ids are unique, so table names never collide.
func TableNameForUpload(uploadID uuid.UUID) string {
	return tableNamePrefix + strings.ReplaceAll(uploadID.String(), "-", "")
}

const tableNamePrefix = "table_"

// UploadIDFromTableName reverses TableNameForUpload. It reports false for any name
// that was not derived from an upload id.
func UploadIDFromTableName(name string) (uuid.UUID, bool) {
	hex, ok := strings.CutPrefix(name, tableNamePrefix)
	if !ok || len(hex) != 32 || strings.ToLower(hex) != hex {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(hex)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// UploadStatus is the read-only view of a job exposed to the uploader.
type UploadStatus struct {
	Status   JobStatus `json:"status"`
	Progress int16     `json:"progress"`
}
