package handlers

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/urekai/urekai-engine/pkg/apperrors"
	"github.com/urekai/urekai-engine/pkg/auth"
	"github.com/urekai/urekai-engine/pkg/models"
	"github.com/urekai/urekai-engine/pkg/services"
)

// newTestMux wires handlers behind header-based auth and a pass-through scope.
func newTestMux(uploads services.UploadService, orchestrator services.QueryOrchestrator) *http.ServeMux {
	authService := auth.NewAuthService(auth.NewHMACValidator("", false), nil, true, zap.NewNop())
	authMiddleware := auth.NewMiddleware(authService, zap.NewNop())
	passThrough := func(next http.HandlerFunc) http.HandlerFunc { return next }

	mux := http.NewServeMux()
	if uploads != nil {
		NewDataHandler(uploads, zap.NewNop()).RegisterRoutes(mux, authMiddleware, passThrough)
	}
	if orchestrator != nil {
		NewQueryHandler(orchestrator, nil, zap.NewNop()).RegisterRoutes(mux, authMiddleware, passThrough)
	}
	return mux
}

type uploadedFile struct {
	userID  string
	name    string
	content string
}

type mockUploadService struct {
	mu        sync.Mutex
	uploaded  []uploadedFile
	uploadErr map[string]error
	statuses  map[uuid.UUID]*models.UploadStatus
	sources   []*models.AnalysisMetadata
	deleted   []string
}

func (m *mockUploadService) Upload(_ context.Context, req services.UploadRequest) (*services.UploadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.uploadErr[req.FileName]; err != nil {
		return nil, err
	}
	content, err := io.ReadAll(req.Content)
	if err != nil {
		return nil, err
	}
	m.uploaded = append(m.uploaded, uploadedFile{userID: req.UserID, name: req.FileName, content: string(content)})
	id := uuid.New()
	return &services.UploadResult{
		UploadID:         id,
		TableName:        models.TableNameForUpload(id),
		OriginalFileName: req.FileName,
		Status:           models.JobStatusPending,
	}, nil
}

func (m *mockUploadService) Status(_ context.Context, _ string, uploadID uuid.UUID) (*models.UploadStatus, error) {
	if s, ok := m.statuses[uploadID]; ok {
		return s, nil
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockUploadService) ListSources(_ context.Context, userID string) ([]*models.AnalysisMetadata, error) {
	var out []*models.AnalysisMetadata
	for _, s := range m.sources {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockUploadService) DeleteSource(_ context.Context, userID, tableName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sources {
		if s.UserID == userID && s.TableName == tableName {
			m.deleted = append(m.deleted, tableName)
			return nil
		}
	}
	return apperrors.ErrNotFound
}

type mockOrchestrator struct {
	steps    []services.Step
	outcome  *services.QueryOutcome
	err      error
	question string
	userID   string
	opts     services.RunOptions
}

func (m *mockOrchestrator) Run(_ context.Context, userID, question string, opts services.RunOptions) (*services.QueryOutcome, error) {
	m.userID, m.question, m.opts = userID, question, opts
	for _, s := range m.steps {
		if opts.OnStep != nil {
			opts.OnStep(s)
		}
	}
	return m.outcome, m.err
}
