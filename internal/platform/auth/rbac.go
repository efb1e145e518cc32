package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
	// RoleGateway is held by the payment collaborator that relays gateway confirmations.
	RoleGateway = "gateway"
)

var validRoles = map[string]bool{
	RolePatient: true, RoleDoctor: true, RoleAdmin: true, RoleGateway: true,
}

// Actor is the request-scoped identity handed to core operations.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// UUID parses the actor id; patient and doctor subjects must be UUIDs.
func (a Actor) UUID() (uuid.UUID, error) {
	id, err := uuid.Parse(a.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("actor id %q is not a uuid: %w", a.ID, err)
	}
	return id, nil
}

// RequireRole returns middleware that checks the actor holds one of roles. Admin always passes.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor, ok := ActorFromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
			}
			if actor.IsAdmin() {
				return next(c)
			}
			for _, required := range roles {
				if actor.Role == required {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
