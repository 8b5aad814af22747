package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stagepay/stagepay-backend/api/responses"
	"github.com/stagepay/stagepay-backend/api/validators"
	"github.com/stagepay/stagepay-backend/internal/disputes"
	"github.com/stagepay/stagepay-backend/internal/projects"
	"github.com/stagepay/stagepay-backend/pkg/db/models"
	"github.com/stagepay/stagepay-backend/pkg/enums"
	pkgerrors "github.com/stagepay/stagepay-backend/pkg/errors"
	"github.com/stagepay/stagepay-backend/pkg/logger"
)

type disputeFileRequest struct {
	ProjectID   string   `json:"project_id" validate:"required"`
	StageID     string   `json:"stage_id" validate:"required"`
	Reasons     []string `json:"reasons" validate:"required,min=1"`
	OtherReason *string  `json:"other_reason"`
}

func (r disputeFileRequest) toInput(actor disputes.Actor) (disputes.FileInput, error) {
	projectID, err := uuid.Parse(strings.TrimSpace(r.ProjectID))
	if err != nil {
		return disputes.FileInput{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid project_id")
	}
	stageID, err := uuid.Parse(strings.TrimSpace(r.StageID))
	if err != nil {
		return disputes.FileInput{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid stage_id")
	}

	reasons := make([]enums.DisputeReason, 0, len(r.Reasons))
	for _, raw := range r.Reasons {
		reason, err := enums.ParseDisputeReason(strings.TrimSpace(raw))
		if err != nil {
			return disputes.FileInput{}, pkgerrors.New(pkgerrors.CodeValidation, "invalid dispute reason")
		}
		reasons = append(reasons, reason)
	}

	return disputes.FileInput{
		ProjectID:   projectID,
		StageID:     stageID,
		Reasons:     reasons,
		OtherReason: r.OtherReason,
		Actor:       actor,
	}, nil
}

// DisputeFile opens a dispute and puts the stage on hold.
func DisputeFile(svc disputes.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "dispute service unavailable"))
			return
		}

		userID, role, err := actorFromContext(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload disputeFileRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		input, err := payload.toInput(disputes.Actor{UserID: userID, Role: role})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		created, err := svc.File(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, disputeFromModel(created))
	}
}

// DisputeGet returns a single dispute. Only participants of the dispute's
// project (and admins) may read it.
func DisputeGet(svc disputes.Service, projectSvc projects.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || projectSvc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "dispute service unavailable"))
			return
		}

		userID, role, err := actorFromContext(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		disputeID, err := validators.ParseUUIDParam(r, "disputeId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		dispute, err := svc.Get(r.Context(), disputeID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		project, err := projectSvc.Get(r.Context(), dispute.ProjectID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := requireParticipant(project, userID, role); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, disputeFromModel(dispute))
	}
}

// DisputeReview moves an open dispute to in_review. Admin only.
func DisputeReview(svc disputes.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "dispute service unavailable"))
			return
		}

		userID, role, err := actorFromContext(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		disputeID, err := validators.ParseUUIDParam(r, "disputeId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		updated, err := svc.SetInReview(r.Context(), disputeID, disputes.Actor{UserID: userID, Role: role})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, disputeFromModel(updated))
	}
}

type disputeResolveRequest struct {
	ResolutionNotes string `json:"resolution_notes" validate:"required"`
}

// DisputeResolve closes an in_review dispute and restores the stage. Admin
// only.
func DisputeResolve(svc disputes.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "dispute service unavailable"))
			return
		}

		userID, role, err := actorFromContext(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		disputeID, err := validators.ParseUUIDParam(r, "disputeId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload disputeResolveRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resolved, err := svc.Resolve(r.Context(), disputes.ResolveInput{
			DisputeID:       disputeID,
			ResolutionNotes: strings.TrimSpace(payload.ResolutionNotes),
			Actor:           disputes.Actor{UserID: userID, Role: role},
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, disputeFromModel(resolved))
	}
}

type disputeResponse struct {
	ID              uuid.UUID           `json:"id"`
	ProjectID       uuid.UUID           `json:"project_id"`
	StageID         uuid.UUID           `json:"stage_id"`
	FiledByID       uuid.UUID           `json:"filed_by_id"`
	FiledByRole     enums.ActorRole     `json:"filed_by_role"`
	Reasons         []string            `json:"reasons"`
	OtherReason     *string             `json:"other_reason,omitempty"`
	Status          enums.DisputeStatus `json:"status"`
	ResolutionNotes *string             `json:"resolution_notes,omitempty"`
	InReviewAt      *time.Time          `json:"in_review_at,omitempty"`
	ResolvedAt      *time.Time          `json:"resolved_at,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

func disputeFromModel(m *models.Dispute) disputeResponse {
	return disputeResponse{
		ID:              m.ID,
		ProjectID:       m.ProjectID,
		StageID:         m.StageID,
		FiledByID:       m.FiledByID,
		FiledByRole:     m.FiledByRole,
		Reasons:         []string(m.Reasons),
		OtherReason:     m.OtherReason,
		Status:          m.Status,
		ResolutionNotes: m.ResolutionNotes,
		InReviewAt:      m.InReviewAt,
		ResolvedAt:      m.ResolvedAt,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}
