package auth

import (
	"context"
	"fmt"

	"voice-platform/internal/apperr"
)

type ctxKey int

const (
	ctxOperatorID ctxKey = iota
	ctxRole
)

func WithIdentity(ctx context.Context, operatorID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxOperatorID, operatorID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func OperatorID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxOperatorID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", fmt.Errorf("operator_id not in context: %w", apperr.ErrAuthentication)
}

func Role(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRole)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", fmt.Errorf("role not in context: %w", apperr.ErrAuthentication)
}
