// Package gateway accepts deployment triggers over HTTP and serves the
// read-only status API.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/artpar/deployagent/internal/core/domain"
)

// Query parameter names of the trigger endpoint. Matching is case-insensitive.
const (
	ParamDeploymentType = "deploymenttype"
	ParamRepository     = "repository"
)

// Gateway hands trigger requests to the deployment loop. A request is only
// accepted while the loop is blocked in AwaitRequest.
type Gateway struct {
	requests chan domain.DeploymentRequest
	logger   *slog.Logger
}

// New creates a Gateway.
func New(logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		requests: make(chan domain.DeploymentRequest),
		logger:   logger.With("component", "gateway"),
	}
}

// AwaitRequest blocks until a trigger arrives or ctx is done.
func (g *Gateway) AwaitRequest(ctx context.Context) (domain.DeploymentRequest, error) {
	select {
	case req := <-g.requests:
		return req, nil
	case <-ctx.Done():
		return domain.DeploymentRequest{}, ctx.Err()
	}
}

// Offer hands req to a waiting loop. It returns false when nobody is waiting.
func (g *Gateway) Offer(req domain.DeploymentRequest) bool {
	select {
	case g.requests <- req:
		return true
	default:
		return false
	}
}

// ServeHTTP handles GET and POST on the trigger endpoint.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := ParseRequest(r.URL.Query())
	if err != nil {
		g.logger.Warn("rejected trigger", "query", r.URL.RawQuery, "error", err)
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}

	if !g.Offer(req) {
		g.logger.Warn("dropped trigger, deployment in progress", "request", req.String())
		writeText(w, http.StatusConflict, "busy")
		return
	}

	g.logger.Info("accepted trigger", "request", req.String())
	writeText(w, http.StatusOK, "ok")
}

// ParseRequest extracts a deployment request from query values. Parameter
// names are matched without regard to case; the first value wins.
func ParseRequest(values url.Values) (domain.DeploymentRequest, error) {
	var deploymentType, repository string
	var haveType, haveRepo bool

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		vals := values[name]
		if len(vals) == 0 {
			continue
		}
		switch {
		case strings.EqualFold(name, ParamDeploymentType) && !haveType:
			deploymentType, haveType = vals[0], true
		case strings.EqualFold(name, ParamRepository) && !haveRepo:
			repository, haveRepo = vals[0], true
		}
	}

	if !haveType || !haveRepo {
		return domain.DeploymentRequest{}, fmt.Errorf("%w: both %s and %s are required",
			domain.ErrInvalidRequest, ParamDeploymentType, ParamRepository)
	}

	return domain.NewDeploymentRequest(deploymentType, repository)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body + "\n"))
}
