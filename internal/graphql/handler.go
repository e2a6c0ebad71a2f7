package graphql

import (
	"net/http"

	"github.com/99designs/gqlgen/graphql/handler"
	"github.com/99designs/gqlgen/graphql/handler/transport"
	"go.uber.org/zap"

	"github.com/rpattn/dwhsync/internal/middleware"
)

// NewHandler serves the ops schema over GET and POST. Introspection and the
// playground are not mounted.
func NewHandler(resolver *Resolver, logger *zap.Logger) http.Handler {
	srv := handler.New(NewExecutableSchema(resolver))
	srv.AddTransport(transport.GET{})
	srv.AddTransport(transport.POST{})
	srv.Use(middleware.NewOperationLogger(logger))
	return srv
}
