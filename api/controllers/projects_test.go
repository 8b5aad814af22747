package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/stagepay/stagepay-backend/api/middleware"
	"github.com/stagepay/stagepay-backend/internal/projects"
	"github.com/stagepay/stagepay-backend/internal/stages"
	"github.com/stagepay/stagepay-backend/pkg/db/models"
	"github.com/stagepay/stagepay-backend/pkg/enums"
	pkgerrors "github.com/stagepay/stagepay-backend/pkg/errors"
	"github.com/stagepay/stagepay-backend/pkg/logger"
	"github.com/stagepay/stagepay-backend/pkg/pagination"
)

type stubProjectsService struct {
	created    *projects.CreateInput
	accepted   *projects.AcceptContractorInput
	project    *models.Project
	listFilter *projects.ListFilter
}

func (s *stubProjectsService) Create(ctx context.Context, input projects.CreateInput) (*models.Project, error) {
	s.created = &input
	return &models.Project{
		ID:          uuid.New(),
		Name:        input.Name,
		HomeownerID: input.HomeownerID,
		Budget:      input.Budget,
		Spent:       decimal.Zero,
		Status:      enums.ProjectStatusDraft,
	}, nil
}

func (s *stubProjectsService) AcceptContractor(ctx context.Context, input projects.AcceptContractorInput) (*models.Project, error) {
	s.accepted = &input
	contractorID := input.ContractorID
	return &models.Project{
		ID:           input.ProjectID,
		Name:         "Garage build",
		HomeownerID:  input.Actor.UserID,
		ContractorID: &contractorID,
		Budget:       decimal.RequireFromString("40000"),
		Status:       enums.ProjectStatusDraft,
	}, nil
}

func (s *stubProjectsService) InitiateActivationPayment(ctx context.Context, input projects.ActivationPaymentInput) (*models.Payment, error) {
	return nil, pkgerrors.New(pkgerrors.CodeInternal, "not implemented")
}

func (s *stubProjectsService) ConfirmActivationPayment(ctx context.Context, input projects.ConfirmActivationInput) (*models.Project, error) {
	return nil, pkgerrors.New(pkgerrors.CodeInternal, "not implemented")
}

func (s *stubProjectsService) Pause(ctx context.Context, input projects.PauseInput) (*models.Project, error) {
	return nil, pkgerrors.New(pkgerrors.CodeInternal, "not implemented")
}

func (s *stubProjectsService) Resume(ctx context.Context, input projects.ResumeInput) (*models.Project, error) {
	return nil, pkgerrors.New(pkgerrors.CodeInternal, "not implemented")
}

func (s *stubProjectsService) Cancel(ctx context.Context, input projects.CancelInput) (*models.Project, error) {
	return nil, pkgerrors.New(pkgerrors.CodeInternal, "not implemented")
}

func (s *stubProjectsService) Get(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	if s.project == nil || s.project.ID != projectID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "project not found")
	}
	return s.project, nil
}

func (s *stubProjectsService) List(ctx context.Context, filter projects.ListFilter, params pagination.Params) (*projects.ProjectList, error) {
	s.listFilter = &filter
	return &projects.ProjectList{}, nil
}

func (s *stubProjectsService) ReleaseStageFunds(ctx context.Context, tx *gorm.DB, project *models.Project, stage *models.Stage, actor stages.Actor) (*models.Payment, error) {
	return nil, pkgerrors.New(pkgerrors.CodeInternal, "not implemented")
}

func controllersTestLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Level: zerolog.Disabled, Output: io.Discard})
}

func authedRequest(t *testing.T, method, target string, body []byte, userID uuid.UUID, role string) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	ctx := middleware.WithUserID(req.Context(), userID.String())
	ctx = middleware.WithRole(ctx, role)
	return req.WithContext(ctx)
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestProjectCreateRecordsHomeownerFromContext(t *testing.T) {
	svc := &stubProjectsService{}
	handler := ProjectCreate(svc, controllersTestLogger())

	homeowner := uuid.New()
	payload, err := json.Marshal(map[string]any{
		"name":   "Kitchen remodel",
		"budget": "60000",
		"stages": []map[string]string{
			{"name": "Demolition", "estimated_cost": "10000"},
			{"name": "Finishing", "estimated_cost": "50000"},
		},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	req := authedRequest(t, http.MethodPost, "/api/v1/projects", payload, homeowner, "homeowner")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.created == nil {
		t.Fatal("expected service create call")
	}
	if svc.created.HomeownerID != homeowner {
		t.Fatal("homeowner must come from the authenticated context")
	}
	if len(svc.created.Stages) != 2 {
		t.Fatalf("expected 2 stage definitions, got %d", len(svc.created.Stages))
	}
	if !svc.created.Budget.Equal(decimal.RequireFromString("60000")) {
		t.Fatalf("unexpected budget %s", svc.created.Budget)
	}
}

func TestProjectCreateRejectsBadBudget(t *testing.T) {
	svc := &stubProjectsService{}
	handler := ProjectCreate(svc, controllersTestLogger())

	payload := []byte(`{"name":"Deck","budget":"not-a-number"}`)
	req := authedRequest(t, http.MethodPost, "/api/v1/projects", payload, uuid.New(), "homeowner")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if svc.created != nil {
		t.Fatal("service must not be called on invalid input")
	}
}

func TestProjectGetRejectsNonParticipant(t *testing.T) {
	projectID := uuid.New()
	svc := &stubProjectsService{project: &models.Project{
		ID:          projectID,
		Name:        "Garage build",
		HomeownerID: uuid.New(),
		Budget:      decimal.RequireFromString("40000"),
		Status:      enums.ProjectStatusActive,
	}}
	handler := ProjectGet(svc, controllersTestLogger())

	req := authedRequest(t, http.MethodGet, "/api/v1/projects/"+projectID.String(), nil, uuid.New(), "homeowner")
	req = withURLParam(req, "projectId", projectID.String())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for outsider, got %d", rec.Code)
	}
}

func TestContractorAcceptReadsContractorFromBody(t *testing.T) {
	svc := &stubProjectsService{}
	handler := ContractorAccept(svc, controllersTestLogger())

	homeowner := uuid.New()
	contractor := uuid.New()
	projectID := uuid.New()
	payload := []byte(`{"contractor_id":"` + contractor.String() + `"}`)

	req := authedRequest(t, http.MethodPost, "/api/v1/projects/"+projectID.String()+"/contractor", payload, homeowner, "homeowner")
	req = withURLParam(req, "projectId", projectID.String())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.accepted == nil {
		t.Fatal("expected service accept call")
	}
	if svc.accepted.ContractorID != contractor {
		t.Fatal("contractor must come from the request body")
	}
	if svc.accepted.Actor.UserID != homeowner {
		t.Fatal("acting user must come from the authenticated context")
	}
}

func TestContractorAcceptRejectsMalformedContractorID(t *testing.T) {
	svc := &stubProjectsService{}
	handler := ContractorAccept(svc, controllersTestLogger())

	projectID := uuid.New()
	payload := []byte(`{"contractor_id":"not-a-uuid"}`)
	req := authedRequest(t, http.MethodPost, "/api/v1/projects/"+projectID.String()+"/contractor", payload, uuid.New(), "homeowner")
	req = withURLParam(req, "projectId", projectID.String())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if svc.accepted != nil {
		t.Fatal("service must not be called on invalid input")
	}
}

func TestProjectListScopesToCaller(t *testing.T) {
	svc := &stubProjectsService{}
	handler := ProjectList(svc, controllersTestLogger())

	contractor := uuid.New()
	req := authedRequest(t, http.MethodGet, "/api/v1/projects", nil, contractor, "general_contractor")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.listFilter == nil || svc.listFilter.ContractorID == nil || *svc.listFilter.ContractorID != contractor {
		t.Fatal("contractor listing must be scoped to the caller")
	}
	if svc.listFilter.HomeownerID != nil {
		t.Fatal("homeowner filter must be empty for a contractor")
	}
}
