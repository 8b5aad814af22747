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
)

// StageStart moves the next queued stage to in_progress.
func StageStart(svc stages.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stage service unavailable"))
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
		stageID, err := validators.ParseUUIDParam(r, "stageId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		stage, err := svc.Start(r.Context(), stages.StartInput{
			ProjectID: projectID,
			StageID:   stageID,
			Actor:     stages.Actor{UserID: userID, Role: role},
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, stageFromModel(stage))
	}
}

type stageCostRequest struct {
	ActualCost string `json:"actual_cost" validate:"required"`
}

// StageRecordCost documents the actual cost of an in-progress stage.
func StageRecordCost(svc stages.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stage service unavailable"))
			return
		}

		userID, role, err := actorFromContext(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		stageID, err := validators.ParseUUIDParam(r, "stageId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload stageCostRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		cost, err := decimal.NewFromString(strings.TrimSpace(payload.ActualCost))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid actual_cost"))
			return
		}

		stage, err := svc.RecordActualCost(r.Context(), stages.RecordActualCostInput{
			StageID:    stageID,
			ActualCost: cost,
			Actor:      stages.Actor{UserID: userID, Role: role},
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, stageFromModel(stage))
	}
}

// StageComplete approves an in-progress stage and releases its funds.
func StageComplete(svc stages.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stage service unavailable"))
			return
		}

		userID, role, err := actorFromContext(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		stageID, err := validators.ParseUUIDParam(r, "stageId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		stage, err := svc.Complete(r.Context(), stages.CompleteInput{
			StageID: stageID,
			Actor:   stages.Actor{UserID: userID, Role: role},
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, stageFromModel(stage))
	}
}

// StageList returns a project's stages in position order. Only participants
// of the project (and admins) may read them.
func StageList(svc stages.Service, projectSvc projects.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || projectSvc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stage service unavailable"))
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

		project, err := projectSvc.Get(r.Context(), projectID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := requireParticipant(project, userID, role); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items, err := svc.ListByProject(r.Context(), projectID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out := make([]stageResponse, 0, len(items))
		for i := range items {
			out = append(out, stageFromModel(&items[i]))
		}
		responses.WriteSuccess(w, out)
	}
}

type stageResponse struct {
	ID                 uuid.UUID         `json:"id"`
	ProjectID          uuid.UUID         `json:"project_id"`
	Name               string            `json:"name"`
	Position           int               `json:"position"`
	EstimatedCost      decimal.Decimal   `json:"estimated_cost"`
	ActualCost         *decimal.Decimal  `json:"actual_cost,omitempty"`
	Status             enums.StageStatus `json:"status"`
	BlockedByDisputeID *uuid.UUID        `json:"blocked_by_dispute_id,omitempty"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

func stageFromModel(m *models.Stage) stageResponse {
	return stageResponse{
		ID:                 m.ID,
		ProjectID:          m.ProjectID,
		Name:               m.Name,
		Position:           m.Position,
		EstimatedCost:      m.EstimatedCost,
		ActualCost:         m.ActualCost,
		Status:             m.Status,
		BlockedByDisputeID: m.BlockedByDisputeID,
		StartedAt:          m.StartedAt,
		CompletedAt:        m.CompletedAt,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}
