package gateway

import (
	"context"

	dbmodel "netherealmstudio.com/toolbroker/db"
)

type contextKey struct{}

func withUser(ctx context.Context, user *dbmodel.User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

func userFromContext(ctx context.Context) *dbmodel.User {
	user, _ := ctx.Value(contextKey{}).(*dbmodel.User)
	return user
}
