package server

import (
	"context"

	"github.com/fleethub/fleethub/internal/authority"
)

type contextKey string

const operatorContextKey contextKey = "operator"

// withOperator stores the verified operator identity in the context.
func withOperator(ctx context.Context, identity authority.OperatorIdentity) context.Context {
	return context.WithValue(ctx, operatorContextKey, identity)
}

// operatorFromContext retrieves the operator identity stored by requireOperator.
func operatorFromContext(ctx context.Context) (authority.OperatorIdentity, bool) {
	identity, ok := ctx.Value(operatorContextKey).(authority.OperatorIdentity)
	return identity, ok
}
