package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stagepay/stagepay-backend/api/responses"
	"github.com/stagepay/stagepay-backend/api/validators"
	"github.com/stagepay/stagepay-backend/internal/payments"
	"github.com/stagepay/stagepay-backend/internal/projects"
	"github.com/stagepay/stagepay-backend/pkg/db/models"
	"github.com/stagepay/stagepay-backend/pkg/enums"
	pkgerrors "github.com/stagepay/stagepay-backend/pkg/errors"
	"github.com/stagepay/stagepay-backend/pkg/logger"
	"github.com/stagepay/stagepay-backend/pkg/pagination"
)

// PaymentListByProject returns a project's ledger page, newest first.
func PaymentListByProject(svc payments.Service, projectSvc projects.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || projectSvc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment service unavailable"))
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

		limit, err := validators.ParseQueryInt(r, "limit", 0, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params := pagination.Params{
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		}

		page, err := svc.ListByProject(r.Context(), projectID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]paymentResponse, 0, len(page.Items))
		for i := range page.Items {
			items = append(items, paymentFromModel(&page.Items[i]))
		}
		responses.WriteSuccess(w, paymentListResponse{Items: items, NextCursor: page.NextCursor})
	}
}

type refundRequest struct {
	Amount string `json:"amount" validate:"required"`
}

// PaymentRefund creates a linked refund record for a completed payment.
// Admin only.
func PaymentRefund(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment service unavailable"))
			return
		}

		userID, role, err := actorFromContext(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		paymentID, err := validators.ParseUUIDParam(r, "paymentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload refundRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(payload.Amount))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid amount"))
			return
		}

		refund, err := svc.Refund(r.Context(), payments.RefundInput{
			PaymentID: paymentID,
			Amount:    amount,
			Actor:     payments.Actor{UserID: userID, Role: role},
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, paymentFromModel(refund))
	}
}

type paymentResponse struct {
	ID                    uuid.UUID           `json:"id"`
	ProjectID             uuid.UUID           `json:"project_id"`
	StageID               *uuid.UUID          `json:"stage_id,omitempty"`
	Amount                decimal.Decimal     `json:"amount"`
	Status                enums.PaymentStatus `json:"status"`
	Method                enums.PaymentMethod `json:"method"`
	ExternalTransactionID *string             `json:"external_transaction_id,omitempty"`
	RefundOfID            *uuid.UUID          `json:"refund_of_id,omitempty"`
	FailureReason         *string             `json:"failure_reason,omitempty"`
	CompletedAt           *time.Time          `json:"completed_at,omitempty"`
	FailedAt              *time.Time          `json:"failed_at,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

type paymentListResponse struct {
	Items      []paymentResponse `json:"items"`
	NextCursor *string           `json:"next_cursor,omitempty"`
}

func paymentFromModel(m *models.Payment) paymentResponse {
	return paymentResponse{
		ID:                    m.ID,
		ProjectID:             m.ProjectID,
		StageID:               m.StageID,
		Amount:                m.Amount,
		Status:                m.Status,
		Method:                m.Method,
		ExternalTransactionID: m.ExternalTransactionID,
		RefundOfID:            m.RefundOfID,
		FailureReason:         m.FailureReason,
		CompletedAt:           m.CompletedAt,
		FailedAt:              m.FailedAt,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
}
