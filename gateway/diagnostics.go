package gateway

import (
	"net/http"

	"github.com/c360/edgegate/health"
)

const systemName = "edgegate"

type healthResponse struct {
	Version     string          `json:"version"`
	Environment string          `json:"environment"`
	Status      string          `json:"status"`
	Components  map[string]bool `json:"components"`
}

// handleHealth reports per-component up/down flags. Only an unhealthy
// aggregate returns 503; degraded still serves traffic.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := health.Rollup(systemName, nil)
	components := map[string]bool{}
	if g.health != nil {
		status = g.health.Check(r.Context(), systemName)
		components = g.health.Monitor().Components()
	}

	code := http.StatusOK
	if !status.Serving() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{
		Version:     g.cfg.Version,
		Environment: g.cfg.Environment,
		Status:      status.State.String(),
		Components:  components,
	})
}

type routeCounts struct {
	Internal   int `json:"internal"`
	ThirdParty int `json:"third_party"`
}

type routeInfo struct {
	Name            string   `json:"name"`
	Path            string   `json:"path"`
	Kind            string   `json:"kind"`
	RequiresAuth    bool     `json:"requires_auth"`
	RateTier        string   `json:"rate_tier,omitempty"`
	CacheTTLSeconds int      `json:"cache_ttl_seconds"`
	Transform       string   `json:"transform"`
	Methods         []string `json:"methods,omitempty"`
}

type infoResponse struct {
	Version      string      `json:"version"`
	RouteCounts  routeCounts `json:"route_counts"`
	Transforms   int         `json:"transforms"`
	TransformIDs []string    `json:"transform_ids"`
	Routes       []routeInfo `json:"routes"`
}

// handleInfo enumerates routes without exposing upstream targets
func (g *Gateway) handleInfo(w http.ResponseWriter) {
	internal, thirdParty := g.routes.Counts()

	descs := g.routes.Routes()
	routes := make([]routeInfo, 0, len(descs))
	for _, d := range descs {
		routes = append(routes, routeInfo{
			Name:            d.Name,
			Path:            d.MatchPath,
			Kind:            string(d.Kind),
			RequiresAuth:    d.RequiresAuth,
			RateTier:        string(d.RateTier),
			CacheTTLSeconds: d.CacheTTLSeconds,
			Transform:       d.TransformID,
			Methods:         d.Methods,
		})
	}

	writeJSON(w, http.StatusOK, infoResponse{
		Version:      g.cfg.Version,
		RouteCounts:  routeCounts{Internal: internal, ThirdParty: thirdParty},
		Transforms:   g.transforms.Len(),
		TransformIDs: g.transforms.IDs(),
		Routes:       routes,
	})
}
