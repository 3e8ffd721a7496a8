package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/labstack/echo/v4"

	"github.com/coreauth/fga"
)

// Handler exposes the engine over HTTP/JSON. All store-scoped routes live
// under /stores/:store_id and pass through the API key middleware.
type Handler struct {
	service  *fga.StoreService
	resolver *fga.Resolver
	log      *slog.Logger
}

func NewHandler(service *fga.StoreService, resolver *fga.Resolver, log *slog.Logger) *Handler {
	return &Handler{service: service, resolver: resolver, log: log}
}

func (h *Handler) Register(e *echo.Echo, auth echo.MiddlewareFunc) {
	e.GET("/healthz", h.health)

	e.POST("/stores", h.createStore)
	e.GET("/stores", h.listStores)

	scoped := e.Group("/stores/:store_id", auth)
	scoped.GET("", h.getStore, requirePermission(fga.PermissionRead))
	scoped.PATCH("", h.updateStore, requirePermission(fga.PermissionAdmin))
	scoped.DELETE("", h.deleteStore, requirePermission(fga.PermissionAdmin))

	scoped.POST("/authorization-models", h.writeModel, requirePermission(fga.PermissionWrite))
	scoped.GET("/authorization-models", h.listModels, requirePermission(fga.PermissionRead))
	scoped.GET("/authorization-models/current", h.getCurrentModel, requirePermission(fga.PermissionRead))
	scoped.GET("/authorization-models/:version", h.getModel, requirePermission(fga.PermissionRead))

	scoped.POST("/tuples", h.writeTuples, requirePermission(fga.PermissionWrite))
	scoped.GET("/tuples", h.readTuples, requirePermission(fga.PermissionRead))

	scoped.POST("/check", h.check, requirePermission(fga.PermissionCheck))
	scoped.POST("/expand", h.expand, requirePermission(fga.PermissionRead))
	scoped.GET("/forward-auth", h.forwardAuth, requirePermission(fga.PermissionCheck))

	scoped.POST("/api-keys", h.createAPIKey, requirePermission(fga.PermissionAdmin))
	scoped.GET("/api-keys", h.listAPIKeys, requirePermission(fga.PermissionAdmin))
	scoped.DELETE("/api-keys/:key_id", h.revokeAPIKey, requirePermission(fga.PermissionAdmin))
}

type errorResponse struct {
	Error            string               `json:"error"`
	ValidationErrors fga.ValidationErrors `json:"validation_errors,omitempty"`
}

// writeError maps engine errors to HTTP statuses. ErrForbidden responses
// are uniform so callers cannot probe for store existence.
func writeError(c echo.Context, err error) error {
	if ve, ok := fga.AsValidationErrors(err); ok {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "validation failed", ValidationErrors: ve})
	}
	var pe *fga.ParseError
	if errors.As(err, &pe) {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: pe.Error()})
	}
	switch {
	case errors.Is(err, fga.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, fga.ErrNoModel):
		return c.JSON(http.StatusConflict, errorResponse{Error: fga.ErrNoModel.Error()})
	case errors.Is(err, fga.ErrStoreInactive):
		return c.JSON(http.StatusConflict, errorResponse{Error: fga.ErrStoreInactive.Error()})
	case errors.Is(err, fga.ErrDepthExceeded):
		return c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: fga.ErrDepthExceeded.Error()})
	case errors.Is(err, fga.ErrUnauthorized):
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: fga.ErrUnauthorized.Error()})
	case errors.Is(err, fga.ErrForbidden):
		return c.JSON(http.StatusForbidden, errorResponse{Error: fga.ErrForbidden.Error()})
	case errors.Is(err, fga.ErrUnavailable):
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: fga.ErrUnavailable.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func storeID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.FromString(c.Param("store_id"))
	if err != nil {
		return uuid.Nil, fga.ErrNotFound
	}
	return id, nil
}

func (h *Handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type storeRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *Handler) createStore(c echo.Context) error {
	req := storeRequest{}
	if err := c.Bind(&req); err != nil {
		return writeError(c, fga.ValidationErrors{{Reason: "malformed request body"}})
	}
	store, err := h.service.CreateStore(c.Request().Context(), req.Name, req.Description)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, store)
}

func (h *Handler) listStores(c echo.Context) error {
	stores, err := h.service.ListStores(c.Request().Context(), c.QueryParam("include_inactive") == "true")
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"stores": stores})
}

func (h *Handler) getStore(c echo.Context) error {
	id, err := storeID(c)
	if err != nil {
		return writeError(c, err)
	}
	store, err := h.service.GetStore(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, store)
}

func (h *Handler) updateStore(c echo.Context) error {
	id, err := storeID(c)
	if err != nil {
		return writeError(c, err)
	}
	req := storeRequest{}
	if err := c.Bind(&req); err != nil {
		return writeError(c, fga.ValidationErrors{{Reason: "malformed request body"}})
	}
	store, err := h.service.UpdateStore(c.Request().Context(), id, req.Name, req.Description)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, store)
}

func (h *Handler) deleteStore(c echo.Context) error {
	id, err := storeID(c)
	if err != nil {
		return writeError(c, err)
	}
	if err := h.service.DeleteStore(c.Request().Context(), id, c.QueryParam("hard") == "true"); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type writeModelRequest struct {
	// Exactly one of DSL and Schema is expected.
	DSL    string      `json:"dsl,omitempty"`
	Schema *fga.Schema `json:"schema,omitempty"`
}

func (h *Handler) writeModel(c echo.Context) error {
	id, err := storeID(c)
	if err != nil {
		return writeError(c, err)
	}
	req := writeModelRequest{}
	if err := c.Bind(&req); err != nil {
		return writeError(c, fga.ValidationErrors{{Reason: "malformed request body"}})
	}

	createdBy := keyName(c)
	var model *fga.AuthorizationModel
	switch {
	case req.DSL != "" && req.Schema == nil:
		model, err = h.service.WriteModelDSL(c.Request().Context(), id, req.DSL, createdBy)
	case req.DSL == "" && req.Schema != nil:
		model, err = h.service.WriteModelSchema(c.Request().Context(), id, req.Schema, createdBy)
	default:
		return writeError(c, fga.ValidationErrors{{Reason: "provide either dsl or schema"}})
	}
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, model)
}

func (h *Handler) listModels(c echo.Context) error {
	id, err := storeID(c)
	if err != nil {
		return writeError(c, err)
	}
	models, err := h.service.ListModels(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"authorization_models": models})
}

func (h *Handler) getCurrentModel(c echo.Context) error {
	id, err := storeID(c)
	if err != nil {
		return writeError(c, err)
	}
	model, err := h.service.GetCurrentModel(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, model)
}

func (h *Handler) getModel(c echo.Context) error {
	id, err := storeID(c)
	if err != nil {
		return writeError(c, err)
	}
	version := 0
	if err := echo.PathParamsBinder(c).Int("version", &version).BindError(); err != nil || version < 1 {
		return writeError(c, fga.ErrNotFound)
	}
	model, err := h.service.GetModel(c.Request().Context(), id, version)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, model)
}

type writeTuplesRequest struct {
	Writes  []fga.Tuple `json:"writes,omitempty"`
	Deletes []fga.Tuple `json:"deletes,omitempty"`
}

func (h *Handler) writeTuples(c echo.Context) error {
	id, err := storeID(c)
	if err != nil {
		return writeError(c, err)
	}
	req := writeTuplesRequest{}
	if err := c.Bind(&req); err != nil {
		return writeError(c, fga.ValidationErrors{{Reason: "malformed request body"}})
	}
	if err := h.service.WriteTuples(c.Request().Context(), id, req.Writes, req.Deletes); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) readTuples(c echo.Context) error {
	id, err := storeID(c)
	if err != nil {
		return writeError(c, err)
	}
	filter := fga.TupleFilter{
		ObjectType:      c.QueryParam("object_type"),
		ObjectID:        c.QueryParam("object_id"),
		Relation:        c.QueryParam("relation"),
		SubjectType:     c.QueryParam("subject_type"),
		SubjectID:       c.QueryParam("subject_id"),
		SubjectRelation: c.QueryParam("subject_relation"),
	}
	tuples, err := h.service.ReadTuples(c.Request().Context(), id, filter)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"tuples": tuples})
}

func (h *Handler) check(c echo.Context) error {
	id, err := storeID(c)
	if err != nil {
		return writeError(c, err)
	}
	t := fga.Tuple{}
	if err := c.Bind(&t); err != nil {
		return writeError(c, fga.ValidationErrors{{Reason: "malformed request body"}})
	}
	if !t.IsValid() {
		return writeError(c, fga.ValidationErrors{{Reason: "object, relation and subject are required"}})
	}
	result, err := h.resolver.Check(c.Request().Context(), id, t)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

type expandRequest struct {
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
	Relation   string `json:"relation"`
}

func (h *Handler) expand(c echo.Context) error {
	id, err := storeID(c)
	if err != nil {
		return writeError(c, err)
	}
	req := expandRequest{}
	if err := c.Bind(&req); err != nil {
		return writeError(c, fga.ValidationErrors{{Reason: "malformed request body"}})
	}
	if req.ObjectType == "" || req.ObjectID == "" || req.Relation == "" {
		return writeError(c, fga.ValidationErrors{{Reason: "object_type, object_id and relation are required"}})
	}
	tree, err := h.resolver.Expand(c.Request().Context(), id, req.ObjectType, req.ObjectID, req.Relation)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"tree": tree})
}

// forwardAuth is the decision-only endpoint for reverse proxies: 200 when
// the subject holds the relation, 403 otherwise. Object and subject use
// `type:id` notation in query parameters.
func (h *Handler) forwardAuth(c echo.Context) error {
	id, err := storeID(c)
	if err != nil {
		return writeError(c, err)
	}
	t := fga.TupleString(c.QueryParam("object") + "#" + c.QueryParam("relation") + "@" + c.QueryParam("subject"))
	if !t.IsValid() {
		return c.NoContent(http.StatusForbidden)
	}
	result, err := h.resolver.Check(c.Request().Context(), id, t)
	if err != nil || !result.Allowed {
		// Fail closed: any resolution error denies.
		return c.NoContent(http.StatusForbidden)
	}
	return c.NoContent(http.StatusOK)
}

type createAPIKeyRequest struct {
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func (h *Handler) createAPIKey(c echo.Context) error {
	id, err := storeID(c)
	if err != nil {
		return writeError(c, err)
	}
	req := createAPIKeyRequest{}
	if err := c.Bind(&req); err != nil {
		return writeError(c, fga.ValidationErrors{{Reason: "malformed request body"}})
	}
	key, err := h.service.CreateAPIKey(c.Request().Context(), id, req.Name, req.Permissions, req.ExpiresAt)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, key)
}

func (h *Handler) listAPIKeys(c echo.Context) error {
	id, err := storeID(c)
	if err != nil {
		return writeError(c, err)
	}
	keys, err := h.service.ListAPIKeys(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"api_keys": keys})
}

func (h *Handler) revokeAPIKey(c echo.Context) error {
	id, err := storeID(c)
	if err != nil {
		return writeError(c, err)
	}
	keyID, err := uuid.FromString(c.Param("key_id"))
	if err != nil {
		return writeError(c, fga.ErrNotFound)
	}
	if err := h.service.RevokeAPIKey(c.Request().Context(), id, keyID); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
