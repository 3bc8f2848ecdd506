package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// bearerScheme is the OpenAPI security scheme name for JWT bearer tokens.
const bearerScheme = "bearer"

// TokenVerifier resolves a bearer token to the actor it identifies.
type TokenVerifier interface {
	Verify(raw string) (domain.Actor, error)
}

type actorKey struct{}

func actorFrom(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(domain.Actor)
	return actor, ok
}

// bearerSecurity marks an operation as requiring a bearer token.
var bearerSecurity = []map[string][]string{{bearerScheme: {}}}

// APIConfig returns the huma configuration with the bearer scheme declared.
func APIConfig(title, version string) huma.Config {
	cfg := huma.DefaultConfig(title, version)
	if cfg.Components.SecuritySchemes == nil {
		cfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	cfg.Components.SecuritySchemes[bearerScheme] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	return cfg
}

// Authenticate returns a huma middleware that requires a valid bearer token
// on every operation declaring the bearer scheme and puts the actor on the
// request context.
func Authenticate(api huma.API, verifier TokenVerifier) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		if !requiresBearer(ctx.Operation()) {
			next(ctx)
			return
		}

		raw, ok := strings.CutPrefix(ctx.Header("Authorization"), "Bearer ")
		if !ok || raw == "" {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "missing bearer token")
			return
		}

		actor, err := verifier.Verify(raw)
		if err != nil {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "invalid bearer token")
			return
		}

		next(huma.WithValue(ctx, actorKey{}, actor))
	}
}

func requiresBearer(op *huma.Operation) bool {
	if op == nil {
		return false
	}
	for _, req := range op.Security {
		if _, ok := req[bearerScheme]; ok {
			return true
		}
	}
	return false
}
