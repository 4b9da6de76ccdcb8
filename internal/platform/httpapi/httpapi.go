// Package httpapi is the thin HTTP routing layer: it deserialises
// requests, calls straight into the fhirstore engine, and
// serialises the result. No storage or search logic lives here.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/nirmitee-tech/fhir-server/internal/platform/fhir"
	"github.com/nirmitee-tech/fhir-server/internal/platform/fhirstore"
)

const contentTypeFHIR = "application/fhir+json"

// Server holds the engine and base URL every handler needs.
type Server struct {
	engine  *fhirstore.Engine
	baseURL string
}

func New(engine *fhirstore.Engine, baseURL string) *Server {
	return &Server{engine: engine, baseURL: baseURL}
}

// Register wires every route onto e, under /fhir/r4.
func (s *Server) Register(e *echo.Echo) {
	g := e.Group("/fhir/r4")
	g.POST("/metadata", s.notAllowed) // metadata is GET-only; explicit 405 beats echo's default 404
	g.GET("/metadata", s.capabilities)

	g.POST("/:type", s.create)
	g.GET("/:type", s.search)
	g.GET("/:type/:id", s.read)
	g.PUT("/:type/:id", s.update)
	g.PATCH("/:type/:id", s.patch)
	g.DELETE("/:type/:id", s.delete)
	g.GET("/:type/:id/_history", s.history)
	g.GET("/:type/:id/_history/:vid", s.readVersion)
}

func (s *Server) notAllowed(c echo.Context) error {
	return c.NoContent(http.StatusMethodNotAllowed)
}

func (s *Server) capabilities(c echo.Context) error {
	resources, err := s.engine.CapabilityResources(c.Request().Context())
	if err != nil {
		return writeEngineError(c, err)
	}
	cs := fhir.NewCapabilityStatement(s.baseURL, resources)
	return c.JSON(http.StatusOK, cs)
}

func (s *Server) create(c echo.Context) error {
	resourceType := c.Param("type")
	var body map[string]any
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return writeOutcome(c, http.StatusBadRequest, fhir.ValidationOutcome("body", "request body must be valid JSON"))
	}
	if rt, _ := body["resourceType"].(string); rt != "" && rt != resourceType {
		return writeOutcome(c, http.StatusBadRequest, fhir.ValidationOutcome("resourceType", "resourceType must match the path segment"))
	}
	body["resourceType"] = resourceType

	created, err := s.engine.Create(c.Request().Context(), resourceType, body)
	if err != nil {
		return writeEngineError(c, err)
	}
	c.Response().Header().Set(echo.HeaderLocation, s.baseURL+"/"+resourceType+"/"+stringField(created, "id"))
	return writeFHIR(c, http.StatusCreated, created)
}

func (s *Server) read(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	resource, err := s.engine.Read(c.Request().Context(), resourceType, id)
	if err != nil {
		return writeEngineError(c, err)
	}
	setVersionHeadersFromMeta(c, resource)
	return writeFHIR(c, http.StatusOK, resource)
}

func (s *Server) update(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	var body map[string]any
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return writeOutcome(c, http.StatusBadRequest, fhir.ValidationOutcome("body", "request body must be valid JSON"))
	}
	if bodyID, _ := body["id"].(string); bodyID != "" && bodyID != id {
		return writeOutcome(c, http.StatusUnprocessableEntity, fhir.ValidationOutcome("id", "id in body must match id in path"))
	}
	body["resourceType"] = resourceType
	body["id"] = id

	updated, err := s.engine.Update(c.Request().Context(), resourceType, id, body)
	if err != nil {
		return writeEngineError(c, err)
	}
	return writeFHIR(c, http.StatusOK, updated)
}

func (s *Server) patch(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	raw, err := readBody(c)
	if err != nil {
		return writeOutcome(c, http.StatusBadRequest, fhir.ValidationOutcome("body", "request body must be valid JSON"))
	}
	updated, err := s.engine.Patch(c.Request().Context(), resourceType, id, raw)
	if err != nil {
		return writeEngineError(c, err)
	}
	return writeFHIR(c, http.StatusOK, updated)
}

func (s *Server) delete(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	if err := s.engine.Delete(c.Request().Context(), resourceType, id); err != nil {
		return writeEngineError(c, err)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) history(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	versions, err := s.engine.History(c.Request().Context(), resourceType, id)
	if err != nil {
		return writeEngineError(c, err)
	}
	entries := make([]interface{}, len(versions))
	for i, v := range versions {
		entries[i] = v
	}
	return c.JSON(http.StatusOK, fhir.NewHistoryBundle(entries, s.baseURL))
}

func (s *Server) readVersion(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	vid, err := strconv.Atoi(c.Param("vid"))
	if err != nil {
		return writeOutcome(c, http.StatusBadRequest, fhir.ValidationOutcome("vid", "version id must be an integer"))
	}
	resource, err := s.engine.ReadVersion(c.Request().Context(), resourceType, id, vid)
	if err != nil {
		return writeEngineError(c, err)
	}
	setVersionHeadersFromMeta(c, resource)
	return writeFHIR(c, http.StatusOK, resource)
}

// setVersionHeadersFromMeta reads meta.versionId/meta.lastUpdated off a
// resource map and emits them as ETag/Last-Modified via fhir.SetVersionHeaders.
func setVersionHeadersFromMeta(c echo.Context, resource map[string]any) {
	meta, _ := resource["meta"].(map[string]any)
	if meta == nil {
		return
	}
	versionID, _ := strconv.Atoi(stringField(meta, "versionId"))
	fhir.SetVersionHeaders(c, versionID, stringField(meta, "lastUpdated"))
}

func (s *Server) search(c echo.Context) error {
	resourceType := c.Param("type")
	values := c.QueryParams()

	count := 0
	if v := values.Get("_count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			count = n
		}
	}
	offset := 0
	if v := values.Get("_offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	bundle, err := s.engine.Search(c.Request().Context(), fhirstore.SearchParams{
		ResourceType: resourceType,
		Values:       values,
		Count:        count,
		Offset:       offset,
		BaseURL:      s.baseURL,
		QueryString:  c.Request().URL.RawQuery,
	})
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, bundle)
}

func readBody(c echo.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(c.Request().Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func writeFHIR(c echo.Context, status int, body map[string]any) error {
	c.Response().Header().Set(echo.HeaderContentType, contentTypeFHIR)
	return c.JSON(status, body)
}

func writeOutcome(c echo.Context, status int, outcome *fhir.OperationOutcome) error {
	c.Response().Header().Set(echo.HeaderContentType, contentTypeFHIR)
	return c.JSON(status, outcome)
}

// writeEngineError maps an *fhirstore.Error to its HTTP status code.
func writeEngineError(c echo.Context, err error) error {
	fhirErr, ok := err.(*fhirstore.Error)
	if !ok {
		return writeOutcome(c, http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
	}
	switch fhirErr.Kind {
	case fhirstore.ErrNotFound:
		return writeOutcome(c, http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, fhirErr.Msg))
	case fhirstore.ErrConflict:
		return writeOutcome(c, http.StatusConflict, fhir.ConflictOutcome(fhirErr.Msg))
	case fhirstore.ErrInvalidInput:
		return writeOutcome(c, http.StatusBadRequest, fhir.ValidationOutcome("body", fhirErr.Msg))
	case fhirstore.ErrInvalidRef:
		return writeOutcome(c, http.StatusUnprocessableEntity, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeValue, fhirErr.Msg))
	case fhirstore.ErrUnsupportedParam:
		return writeOutcome(c, http.StatusBadRequest, fhir.NotSupportedOutcome(fhirErr.Msg))
	case fhirstore.ErrFormat:
		return writeOutcome(c, http.StatusBadRequest, fhir.ValidationOutcome("body", fhirErr.Msg))
	default:
		return writeOutcome(c, http.StatusInternalServerError, fhir.InternalErrorOutcome(fhirErr.Msg))
	}
}
