package middleware

import (
	"context"
	"time"

	"github.com/99designs/gqlgen/graphql"
	"go.uber.org/zap"
)

// OperationLogger logs one line per GraphQL operation.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger returns the gqlgen extension.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

// ExtensionName implements graphql.HandlerExtension
func (o *OperationLogger) ExtensionName() string {
	return "OperationLogger"
}

// Validate implements graphql.HandlerExtension
func (o *OperationLogger) Validate(schema graphql.ExecutableSchema) error {
	return nil
}

// InterceptResponse logs the operation name, duration and error count.
func (o *OperationLogger) InterceptResponse(ctx context.Context, next graphql.ResponseHandler) *graphql.Response {
	start := time.Now()
	resp := next(ctx)
	if resp == nil {
		return nil
	}

	fields := []zap.Field{
		zap.Duration("duration", time.Since(start)),
		zap.Int("errors", len(resp.Errors)),
	}
	if graphql.HasOperationContext(ctx) {
		opCtx := graphql.GetOperationContext(ctx)
		fields = append(fields, zap.String("operation", opCtx.OperationName))
		if opCtx.Operation != nil {
			fields = append(fields, zap.String("kind", string(opCtx.Operation.Operation)))
		}
	}
	if id, ok := RequestIDFromContext(ctx); ok {
		fields = append(fields, zap.String("request_id", id))
	}

	if len(resp.Errors) > 0 {
		o.logger.Warn("graphql operation", append(fields, zap.String("first_error", resp.Errors[0].Message))...)
		return resp
	}
	o.logger.Info("graphql operation", fields...)
	return resp
}
