package httpapi

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/plugbox/internal/security"
)

func (g *Gateway) registerPolicyRoutes() {
	g.group.Get("/policies", g.handlePolicyList,
		okapi.DocSummary("List registered policies"),
		okapi.DocTags("Policies"),
		okapi.DocResponse([]security.SecurityPolicy{}),
	)
	g.group.Get("/policies/{name}", g.handlePolicyGet,
		okapi.DocSummary("Get a policy by name"),
		okapi.DocTags("Policies"),
		okapi.DocPathParam("name", "string", "Policy name"),
		okapi.DocResponse(security.SecurityPolicy{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/policies/{name}", g.handlePolicyPut,
		okapi.DocSummary("Register or replace a named policy"),
		okapi.DocTags("Policies"),
		okapi.DocPathParam("name", "string", "Policy name"),
		okapi.DocRequestBody(security.SecurityPolicy{}),
		okapi.DocResponse(security.SecurityPolicy{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
}

func (g *Gateway) handlePolicyList(c *okapi.Context) error {
	return c.OK(g.manager.Manager().Policies())
}

func (g *Gateway) handlePolicyGet(c *okapi.Context) error {
	p, err := g.manager.Manager().Policy(c.Param("name"))
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(p)
}

// handlePolicyPut registers the body under the path name. The body's own
// policy_name is ignored; it may be omitted.
func (g *Gateway) handlePolicyPut(c *okapi.Context) error {
	name := c.Param("name")
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, g.config.maxRequestSize()+1))
	if err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if int64(len(data)) > g.config.maxRequestSize() {
		return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large"})
	}
	p, err := security.PolicyFromJSON(data)
	if err != nil {
		return g.writeError(c, err)
	}
	p.Name = name
	if err := p.Validate(); err != nil {
		return g.writeError(c, err)
	}
	if err := g.manager.Manager().RegisterPolicy(c.Context(), name, p); err != nil {
		return g.writeError(c, fmt.Errorf("registering policy: %w", err))
	}
	g.logger.Info("http policy registered",
		slog.String("caller_id", c.GetString("callerID")),
		slog.String("policy", name),
		slog.String("level", p.Level.String()),
	)
	stored, err := g.manager.Manager().Policy(name)
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(stored)
}
