package controllers

import (
	"context"

	"github.com/google/uuid"

	"github.com/stagepay/stagepay-backend/api/middleware"
	"github.com/stagepay/stagepay-backend/pkg/enums"
	pkgerrors "github.com/stagepay/stagepay-backend/pkg/errors"
)

// actorFromContext resolves the authenticated caller seeded by the auth
// middleware into a typed id and role.
func actorFromContext(ctx context.Context) (uuid.UUID, enums.ActorRole, error) {
	rawUser := middleware.UserIDFromContext(ctx)
	if rawUser == "" {
		return uuid.Nil, "", pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing")
	}
	userID, err := uuid.Parse(rawUser)
	if err != nil {
		return uuid.Nil, "", pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user id")
	}
	role, err := enums.ParseActorRole(middleware.RoleFromContext(ctx))
	if err != nil {
		return uuid.Nil, "", pkgerrors.New(pkgerrors.CodeForbidden, "role context missing")
	}
	return userID, role, nil
}
