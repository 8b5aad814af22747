package controllers

import (
	"net/http"
	"strings"

	"github.com/stagepay/stagepay-backend/api/responses"
	"github.com/stagepay/stagepay-backend/api/validators"
	"github.com/stagepay/stagepay-backend/internal/projects"
	pkgerrors "github.com/stagepay/stagepay-backend/pkg/errors"
	"github.com/stagepay/stagepay-backend/pkg/logger"
)

type adminPauseRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// AdminProjectPause holds an active project.
func AdminProjectPause(svc projects.Service, logg *logger.Logger) http.HandlerFunc {
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

		var payload adminPauseRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		updated, err := svc.Pause(r.Context(), projects.PauseInput{
			ProjectID: projectID,
			Reason:    strings.TrimSpace(payload.Reason),
			Actor:     projects.Actor{UserID: userID, Role: role},
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, projectFromModel(updated))
	}
}

// AdminProjectResume returns a paused project to active.
func AdminProjectResume(svc projects.Service, logg *logger.Logger) http.HandlerFunc {
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

		updated, err := svc.Resume(r.Context(), projects.ResumeInput{
			ProjectID: projectID,
			Actor:     projects.Actor{UserID: userID, Role: role},
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, projectFromModel(updated))
	}
}

type adminCancelRequest struct {
	Reason   string `json:"reason" validate:"required"`
	Override bool   `json:"override"`
}

// AdminProjectCancel terminates a project. Override forces cancellation of
// an active project despite committed work.
func AdminProjectCancel(svc projects.Service, logg *logger.Logger) http.HandlerFunc {
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

		var payload adminCancelRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		updated, err := svc.Cancel(r.Context(), projects.CancelInput{
			ProjectID: projectID,
			Reason:    strings.TrimSpace(payload.Reason),
			Override:  payload.Override,
			Actor:     projects.Actor{UserID: userID, Role: role},
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, projectFromModel(updated))
	}
}
