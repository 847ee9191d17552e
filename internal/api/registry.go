package api

import (
	"net/http"

	"github.com/spf13/cobra"
)

// Registry holds all registered endpoints.
type Registry struct {
	endpoints []Endpoint
}

// NewRegistry creates a new endpoint registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an endpoint to the registry.
func (r *Registry) Register(ep Endpoint) {
	r.endpoints = append(r.endpoints, ep)
}

// RegisterRoutes registers all endpoint HTTP routes with the given mux.
// initMiddleware wraps handlers that require full server initialization.
func (r *Registry) RegisterRoutes(mux *http.ServeMux, initMiddleware func(http.HandlerFunc) http.HandlerFunc) {
	for _, ep := range r.endpoints {
		method, path, handler := ep.Route()
		if ep.RequiresInit() {
			handler = initMiddleware(handler)
		}
		mux.HandleFunc(method+" "+path, handler)
	}
}

// BuildCommands returns a cobra.Command tree for all registered endpoints.
// Commands sharing a group are nested under it, so documents endpoints
// become "bindery api documents <verb>".
// getServerURL is called at runtime to get the server URL.
func (r *Registry) BuildCommands(getServerURL func() string) *cobra.Command {
	apiCmd := &cobra.Command{
		Use:   "api",
		Short: "Commands that call the running server",
		Long: `API commands call the running Bindery server via HTTP.

These commands require a running server (bindery serve).
Use --server to specify a custom server URL.

Examples:
  bindery api health                       # Check server health
  bindery api documents upload book.pdf    # Upload and process a PDF
  bindery api documents status <id>        # Show processing status
  bindery api jobs list --document <id>    # List a document's jobs`,
	}

	groups := make(map[string]*cobra.Command)
	for _, ep := range r.endpoints {
		cmd := ep.Command(getServerURL)
		if cmd == nil {
			continue
		}
		g, ok := ep.(Grouped)
		if !ok || g.Group() == "" {
			apiCmd.AddCommand(cmd)
			continue
		}
		parent, ok := groups[g.Group()]
		if !ok {
			parent = &cobra.Command{
				Use:   g.Group(),
				Short: "Manage " + g.Group(),
			}
			groups[g.Group()] = parent
			apiCmd.AddCommand(parent)
		}
		parent.AddCommand(cmd)
	}

	return apiCmd
}

// Grouped is implemented by endpoints whose command nests under a group.
type Grouped interface {
	Group() string
}

// Endpoints returns all registered endpoints.
func (r *Registry) Endpoints() []Endpoint {
	return r.endpoints
}
