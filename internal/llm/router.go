package llm

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/real2ai/contract-cli/internal/resilience"
)

// ErrNoRoute is returned when no invoker serves the requested model.
var ErrNoRoute = eris.New("llm: no provider for model")

type route struct {
	prefix  string
	invoker Invoker
}

// Router dispatches requests to an invoker by model-name prefix. The longest
// matching prefix wins. Routes are registered before first use.
type Router struct {
	routes []route
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Handle registers inv for every model whose name starts with prefix.
func (r *Router) Handle(prefix string, inv Invoker) *Router {
	r.routes = append(r.routes, route{prefix: prefix, invoker: inv})
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
	return r
}

// Invoke routes req by req.Model. An unroutable model is a permanent error.
func (r *Router) Invoke(ctx context.Context, req Request) (*Response, error) {
	for _, rt := range r.routes {
		if strings.HasPrefix(req.Model, rt.prefix) {
			return rt.invoker.Invoke(ctx, req)
		}
	}
	return nil, resilience.NewPermanentError(
		eris.Wrapf(ErrNoRoute, "model %q", req.Model), "unroutable model")
}

// Prefixes lists the registered prefixes, longest first.
func (r *Router) Prefixes() []string {
	out := make([]string, len(r.routes))
	for i, rt := range r.routes {
		out[i] = rt.prefix
	}
	return out
}
