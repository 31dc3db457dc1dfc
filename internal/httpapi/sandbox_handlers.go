package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/plugbox/internal/sandbox"
	"github.com/jkaninda/plugbox/internal/security"
)

// defaultSandboxPolicy is used when a create request names no policy.
const defaultSandboxPolicy = security.PolicySandboxed

func (g *Gateway) registerSandboxRoutes() {
	g.group.Get("/sandboxes", g.handleSandboxList,
		okapi.DocSummary("List registered sandboxes"),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse([]SandboxSummary{}),
	)
	g.group.Post("/sandboxes", g.handleSandboxCreate,
		okapi.DocSummary("Create and initialize a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocRequestBody(CreateSandboxRequest{}),
		okapi.DocResponse(http.StatusCreated, SandboxResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/sandboxes/{id}", g.handleSandboxGet,
		okapi.DocSummary("Get a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sandboxes/{id}", g.handleSandboxDelete,
		okapi.DocSummary("Shut down and remove a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(map[string]string{}),
	)
	g.group.Post("/sandboxes/{id}/execute", g.handleSandboxExecute,
		okapi.DocSummary("Launch a plugin in the sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(http.StatusAccepted, sandbox.ExecutionInfo{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/terminate", g.handleSandboxTerminate,
		okapi.DocSummary("Terminate the running plugin"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/sandboxes/{id}/usage", g.handleSandboxUsage,
		okapi.DocSummary("Current resource usage"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(security.ResourceUsage{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/sandboxes/{id}/policy", g.handleSandboxPolicy,
		okapi.DocSummary("Replace the sandbox policy"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(PolicyRef{}),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/validate", g.handleSandboxValidate,
		okapi.DocSummary("Check an access attempt against the sandbox policy"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(ValidateRequest{}),
		okapi.DocResponse(ValidateResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
}

// PolicyRef selects a policy by registered name or carries one inline.
// An inline policy wins when both are set.
type PolicyRef struct {
	PolicyName string          `json:"policy_name,omitempty"`
	Policy     json.RawMessage `json:"policy,omitempty"`
}

// CreateSandboxRequest is the JSON body for POST /v1/sandboxes.
type CreateSandboxRequest struct {
	ID string `json:"id"`
	PolicyRef
}

// ExecuteRequest is the JSON body for POST /v1/sandboxes/{id}/execute.
type ExecuteRequest struct {
	PluginPath string         `json:"plugin_path"`
	Type       string         `json:"type,omitempty"` // native, python, javascript. Default: native.
	Args       []string       `json:"args,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
}

// ValidateRequest is the JSON body for POST /v1/sandboxes/{id}/validate.
type ValidateRequest struct {
	Kind   string `json:"kind"` // file, network, process, system_call, api
	Target string `json:"target"`
	Write  bool   `json:"write,omitempty"`
	Port   int    `json:"port,omitempty"`
}

// ValidateResponse reports the enforcer's decision.
type ValidateResponse struct {
	Kind    string `json:"kind"`
	Target  string `json:"target"`
	Allowed bool   `json:"allowed"`
}

// SandboxSummary is one entry of GET /v1/sandboxes.
type SandboxSummary struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Policy  string `json:"policy"`
	Level   string `json:"level"`
	Running bool   `json:"running"`
}

// ResultResponse is a finished run.
type ResultResponse struct {
	*sandbox.ExecutionResult
	DurationMS int64 `json:"duration_ms"`
}

// SandboxResponse is the detailed view of one sandbox.
type SandboxResponse struct {
	SandboxSummary
	PolicyDocument security.SecurityPolicy `json:"policy_document"`
	Usage          security.ResourceUsage  `json:"usage"`
	Violations     uint64                  `json:"violations"`
	LastResult     *ResultResponse         `json:"last_result,omitempty"`
	Errors         []sandbox.ErrorRecord   `json:"errors"`
}

func summarize(sb *sandbox.PluginSandbox) SandboxSummary {
	p := sb.Policy()
	return SandboxSummary{
		ID:      sb.ID(),
		State:   sb.State().String(),
		Policy:  p.Name,
		Level:   p.Level.String(),
		Running: sb.IsRunning(),
	}
}

func describe(sb *sandbox.PluginSandbox) SandboxResponse {
	resp := SandboxResponse{
		SandboxSummary: summarize(sb),
		PolicyDocument: sb.Policy(),
		Usage:          sb.ResourceUsage(),
		Violations:     sb.Enforcer().ViolationCount(),
		Errors:         sb.Errors(),
	}
	if r := sb.LastResult(); r != nil {
		resp.LastResult = &ResultResponse{ExecutionResult: r, DurationMS: r.Duration.Milliseconds()}
	}
	return resp
}

func (g *Gateway) lookup(id string) (*sandbox.PluginSandbox, error) {
	sb := g.manager.Manager().Sandbox(id)
	if sb == nil {
		return nil, fmt.Errorf("%w: sandbox %q", security.ErrNotFound, id)
	}
	return sb, nil
}

// resolvePolicy turns a PolicyRef into a validated policy.
func (g *Gateway) resolvePolicy(ref PolicyRef, fallback string) (security.SecurityPolicy, error) {
	if len(ref.Policy) > 0 && string(ref.Policy) != "null" {
		p, err := security.PolicyFromJSON(ref.Policy)
		if err != nil {
			return security.SecurityPolicy{}, err
		}
		return p, p.Validate()
	}
	name := ref.PolicyName
	if name == "" {
		name = fallback
	}
	if name == "" {
		return security.SecurityPolicy{}, fmt.Errorf("%w: policy_name or policy is required", security.ErrInvalidArgument)
	}
	return g.manager.Manager().Policy(name)
}

func (g *Gateway) handleSandboxList(c *okapi.Context) error {
	mgr := g.manager.Manager()
	ids := mgr.SandboxIDs()
	sort.Strings(ids)
	resp := make([]SandboxSummary, 0, len(ids))
	for _, id := range ids {
		if sb := mgr.Sandbox(id); sb != nil {
			resp = append(resp, summarize(sb))
		}
	}
	return c.OK(resp)
}

func (g *Gateway) handleSandboxCreate(c *okapi.Context) error {
	var req CreateSandboxRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ID == "" {
		return c.AbortBadRequest("id is required")
	}
	policy, err := g.resolvePolicy(req.PolicyRef, defaultSandboxPolicy)
	if err != nil {
		return g.writeError(c, err)
	}
	sb, err := g.manager.CreateSandbox(c.Context(), req.ID, policy)
	if err != nil {
		return g.writeError(c, err)
	}
	g.logger.Info("http sandbox created",
		slog.String("caller_id", c.GetString("callerID")),
		slog.String("sandbox_id", req.ID),
		slog.String("policy", policy.Name),
	)
	return c.JSON(http.StatusCreated, describe(sb))
}

func (g *Gateway) handleSandboxGet(c *okapi.Context) error {
	sb, err := g.lookup(c.Param("id"))
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(describe(sb))
}

func (g *Gateway) handleSandboxDelete(c *okapi.Context) error {
	id := c.Param("id")
	g.manager.RemoveSandbox(c.Context(), id)
	return c.OK(map[string]string{"status": "removed", "id": id})
}

func (g *Gateway) handleSandboxExecute(c *okapi.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.PluginPath == "" {
		return c.AbortBadRequest("plugin_path is required")
	}
	pt, err := security.ParsePluginType(req.Type)
	if err != nil {
		return g.writeError(c, err)
	}
	id := c.Param("id")
	info, err := g.manager.ExecutePlugin(c.Context(), id, sandbox.ExecuteRequest{
		PluginPath: req.PluginPath,
		Type:       pt,
		Args:       req.Args,
		Input:      req.Input,
	})
	if err != nil {
		return g.writeError(c, err)
	}
	g.logger.Info("http plugin started",
		slog.String("caller_id", c.GetString("callerID")),
		slog.String("sandbox_id", id),
		slog.String("execution_id", info.ExecutionID),
		slog.Int("pid", info.PID),
	)
	return c.JSON(http.StatusAccepted, info)
}

func (g *Gateway) handleSandboxTerminate(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.manager.TerminatePlugin(c.Context(), id); err != nil {
		return g.writeError(c, err)
	}
	return c.OK(map[string]string{"status": "terminated", "id": id})
}

func (g *Gateway) handleSandboxUsage(c *okapi.Context) error {
	sb, err := g.lookup(c.Param("id"))
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(sb.ResourceUsage())
}

func (g *Gateway) handleSandboxPolicy(c *okapi.Context) error {
	var ref PolicyRef
	if err := c.Bind(&ref); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	policy, err := g.resolvePolicy(ref, "")
	if err != nil {
		return g.writeError(c, err)
	}
	id := c.Param("id")
	if err := g.manager.UpdatePolicy(c.Context(), id, policy); err != nil {
		return g.writeError(c, err)
	}
	sb, err := g.lookup(id)
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(describe(sb))
}

func (g *Gateway) handleSandboxValidate(c *okapi.Context) error {
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	sb, err := g.lookup(c.Param("id"))
	if err != nil {
		return g.writeError(c, err)
	}
	allowed, err := validateAccess(sb.Enforcer(), req)
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(ValidateResponse{Kind: req.Kind, Target: req.Target, Allowed: allowed})
}

// validateAccess dispatches to the enforcer predicate named by req.Kind.
// Denials are recorded by the enforcer like any mediated access.
func validateAccess(e *security.Enforcer, req ValidateRequest) (bool, error) {
	if req.Target == "" {
		return false, fmt.Errorf("%w: target is required", security.ErrInvalidArgument)
	}
	switch req.Kind {
	case "file":
		return e.ValidateFileAccess(req.Target, req.Write), nil
	case "network":
		return e.ValidateNetworkAccess(req.Target, req.Port), nil
	case "process":
		return e.ValidateProcessCreation(req.Target), nil
	case "system_call":
		return e.ValidateSystemCall(req.Target), nil
	case "api":
		return e.ValidateAPICall(req.Target), nil
	default:
		return false, fmt.Errorf("%w: unknown access kind %q", security.ErrInvalidArgument, req.Kind)
	}
}
