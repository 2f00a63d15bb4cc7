package middleware

import (
	"context"

	"creator-earnings/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// Authentication happens upstream; the gateway forwards the resolved caller
// in these headers.
const (
	HeaderActorID   = "X-Actor-Id"
	HeaderActorRole = "X-Actor-Role"
)

const (
	RoleAdmin   = "admin"
	RoleSystem  = "system"
	RoleCreator = "creator"
)

type actorKey struct{}

type Actor struct {
	ID   string
	Role string
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// ActorFromHeaders copies the forwarded caller identity into the request context.
func ActorFromHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := Actor{
			ID:   c.GetHeader(HeaderActorID),
			Role: c.GetHeader(HeaderActorRole),
		}
		c.Request = c.Request.WithContext(WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func GetActor(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok && a.ID != ""
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := GetActor(c.Request.Context())
		if !ok {
			_ = c.Error(errutil.Unauthorized("missing caller identity", nil))
			c.Abort()
			return
		}
		for _, r := range roles {
			if a.Role == r {
				c.Next()
				return
			}
		}
		_ = c.Error(errutil.Forbidden("role not allowed", nil))
		c.Abort()
	}
}

func RequireAdmin() gin.HandlerFunc {
	return RequireRole(RoleAdmin)
}

// AuthorizeCreator allows admins and the creator itself.
func AuthorizeCreator(ctx context.Context, creatorID string) error {
	a, ok := GetActor(ctx)
	if !ok {
		return errutil.Unauthorized("missing caller identity", nil)
	}
	if a.IsAdmin() || a.ID == creatorID {
		return nil
	}
	return errutil.Forbidden("not allowed to access this creator", nil)
}
