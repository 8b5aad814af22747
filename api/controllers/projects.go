package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stagepay/stagepay-backend/api/responses"
	"github.com/stagepay/stagepay-backend/api/validators"
	"github.com/stagepay/stagepay-backend/internal/projects"
	"github.com/stagepay/stagepay-backend/internal/stages"
	"github.com/stagepay/stagepay-backend/pkg/db/models"
	"github.com/stagepay/stagepay-backend/pkg/enums"
	pkgerrors "github.com/stagepay/stagepay-backend/pkg/errors"
	"github.com/stagepay/stagepay-backend/pkg/logger"
	"github.com/stagepay/stagepay-backend/pkg/pagination"
	"github.com/stagepay/stagepay-backend/pkg/types"
)

type projectStageRequest struct {
	Name          string `json:"name" validate:"required"`
	EstimatedCost string `json:"estimated_cost" validate:"required"`
}

type projectCreateRequest struct {
	Name    string                `json:"name" validate:"required"`
	Address *types.Address        `json:"address"`
	Budget  string                `json:"budget" validate:"required"`
	Stages  []projectStageRequest `json:"stages" validate:"omitempty,dive"`
}

func (r projectCreateRequest) toInput(homeownerID uuid.UUID, actor projects.Actor) (projects.CreateInput, error) {
	budget, err := decimal.NewFromString(strings.TrimSpace(r.Budget))
	if err != nil {
		return projects.CreateInput{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid budget")
	}

	defs := make([]stages.Definition, 0, len(r.Stages))
	for _, stage := range r.Stages {
		cost, err := decimal.NewFromString(strings.TrimSpace(stage.EstimatedCost))
		if err != nil {
			return projects.CreateInput{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid stage estimated_cost")
		}
		defs = append(defs, stages.Definition{
			Name:          strings.TrimSpace(stage.Name),
			EstimatedCost: cost,
		})
	}

	return projects.CreateInput{
		Name:        strings.TrimSpace(r.Name),
		Address:     r.Address,
		HomeownerID: homeownerID,
		Budget:      budget,
		Stages:      defs,
		Actor:       actor,
	}, nil
}

// ProjectCreate registers a new draft project for the calling homeowner.
func ProjectCreate(svc projects.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "project service unavailable"))
			return
		}

		userID, role, err := actorFromContext(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload projectCreateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		input, err := payload.toInput(userID, projects.Actor{UserID: userID, Role: role})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		created, err := svc.Create(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, projectDetailFromModel(created))
	}
}

// ProjectList returns the caller's projects one cursor page at a time.
// Homeowners and contractors only see projects they participate in; admins
// see everything and may filter by status.
func ProjectList(svc projects.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "project service unavailable"))
			return
		}

		userID, role, err := actorFromContext(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var filter projects.ListFilter
		switch role {
		case enums.ActorRoleHomeowner:
			filter.HomeownerID = &userID
		case enums.ActorRoleContractor:
			filter.ContractorID = &userID
		case enums.ActorRoleAdmin:
			// unrestricted
		default:
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "role cannot list projects"))
			return
		}

		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, err := enums.ParseProjectStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid status filter"))
				return
			}
			filter.Status = &status
		}

		limit, err := validators.ParseQueryInt(r, "limit", 0, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params := pagination.Params{
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		}

		page, err := svc.List(r.Context(), filter, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]projectResponse, 0, len(page.Items))
		for i := range page.Items {
			items = append(items, projectFromModel(&page.Items[i]))
		}
		responses.WriteSuccess(w, projectListResponse{Items: items, NextCursor: page.NextCursor})
	}
}

// ProjectGet returns a single project with its ordered stages.
func ProjectGet(svc projects.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "project service unavailable"))
			return
		}

		userID, role, err := actorFromContext(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		projectID, err := validators.ParseUUIDParam(r, "projectId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		project, err := svc.Get(r.Context(), projectID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := requireParticipant(project, userID, role); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, projectDetailFromModel(project))
	}
}

type contractorAcceptRequest struct {
	ContractorID string `json:"contractor_id" validate:"required"`
}

// ContractorAccept records the homeowner's acceptance of a contractor's bid
// and assigns them to the draft project.
func ContractorAccept(svc projects.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "project service unavailable"))
			return
		}

		userID, role, err := actorFromContext(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		projectID, err := validators.ParseUUIDParam(r, "projectId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload contractorAcceptRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		contractorID, err := uuid.Parse(strings.TrimSpace(payload.ContractorID))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid contractor_id"))
			return
		}

		updated, err := svc.AcceptContractor(r.Context(), projects.AcceptContractorInput{
			ProjectID:    projectID,
			ContractorID: contractorID,
			Actor:        projects.Actor{UserID: userID, Role: role},
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, projectFromModel(updated))
	}
}

type depositRequest struct {
	Amount   string `json:"amount" validate:"required"`
	Method   string `json:"method" validate:"required"`
	SourceID string `json:"source_id" validate:"required"`
}

// ProjectDeposit starts the activation deposit through the escrow gateway.
func ProjectDeposit(svc projects.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "project service unavailable"))
			return
		}

		userID, role, err := actorFromContext(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		projectID, err := validators.ParseUUIDParam(r, "projectId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload depositRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		amount, err := decimal.NewFromString(strings.TrimSpace(payload.Amount))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid amount"))
			return
		}
		method, err := enums.ParsePaymentMethod(strings.TrimSpace(payload.Method))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid payment method"))
			return
		}

		payment, err := svc.InitiateActivationPayment(r.Context(), projects.ActivationPaymentInput{
			ProjectID: projectID,
			Amount:    amount,
			Method:    method,
			SourceID:  strings.TrimSpace(payload.SourceID),
			Actor:     projects.Actor{UserID: userID, Role: role},
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, paymentFromModel(payment))
	}
}

type activateRequest struct {
	PaymentID string `json:"payment_id" validate:"required"`
}

// ProjectActivate confirms the activation deposit and moves the project to
// active.
func ProjectActivate(svc projects.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "project service unavailable"))
			return
		}

		userID, role, err := actorFromContext(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		projectID, err := validators.ParseUUIDParam(r, "projectId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload activateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		paymentID, err := uuid.Parse(strings.TrimSpace(payload.PaymentID))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid payment_id"))
			return
		}

		project, err := svc.ConfirmActivationPayment(r.Context(), projects.ConfirmActivationInput{
			ProjectID: projectID,
			PaymentID: paymentID,
			Actor:     projects.Actor{UserID: userID, Role: role},
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, projectFromModel(project))
	}
}

// requireParticipant rejects reads from users outside the project. Admins
// always pass.
func requireParticipant(project *models.Project, userID uuid.UUID, role enums.ActorRole) error {
	if role == enums.ActorRoleAdmin {
		return nil
	}
	if project.HomeownerID == userID {
		return nil
	}
	if project.ContractorID != nil && *project.ContractorID == userID {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeForbidden, "not a participant on this project")
}

type projectResponse struct {
	ID              uuid.UUID           `json:"id"`
	Name            string              `json:"name"`
	Address         *types.Address      `json:"address,omitempty"`
	HomeownerID     uuid.UUID           `json:"homeowner_id"`
	ContractorID    *uuid.UUID          `json:"contractor_id,omitempty"`
	Budget          decimal.Decimal     `json:"budget"`
	Spent           decimal.Decimal     `json:"spent"`
	Progress        int                 `json:"progress"`
	Status          enums.ProjectStatus `json:"status"`
	PauseReason     *string             `json:"pause_reason,omitempty"`
	CancelReason    *string             `json:"cancel_reason,omitempty"`
	AdminOverridden bool                `json:"admin_overridden"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	CancelledAt     *time.Time          `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

type projectDetailResponse struct {
	projectResponse
	Stages []stageResponse `json:"stages"`
}

type projectListResponse struct {
	Items      []projectResponse `json:"items"`
	NextCursor *string           `json:"next_cursor,omitempty"`
}

func projectFromModel(m *models.Project) projectResponse {
	return projectResponse{
		ID:              m.ID,
		Name:            m.Name,
		Address:         m.Address,
		HomeownerID:     m.HomeownerID,
		ContractorID:    m.ContractorID,
		Budget:          m.Budget,
		Spent:           m.Spent,
		Progress:        m.Progress,
		Status:          m.Status,
		PauseReason:     m.PauseReason,
		CancelReason:    m.CancelReason,
		AdminOverridden: m.AdminOverridden,
		CompletedAt:     m.CompletedAt,
		CancelledAt:     m.CancelledAt,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func projectDetailFromModel(m *models.Project) projectDetailResponse {
	stages := make([]stageResponse, 0, len(m.Stages))
	for i := range m.Stages {
		stages = append(stages, stageFromModel(&m.Stages[i]))
	}
	return projectDetailResponse{
		projectResponse: projectFromModel(m),
		Stages:          stages,
	}
}
