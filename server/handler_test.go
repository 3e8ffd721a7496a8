package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/coreauth/fga"
	"github.com/coreauth/fga/storage/memory"
)

const testDSL = `
type user

type doc
  relations
    define owner: [user]
    define viewer: [user] or owner
`

func newTestServer(t *testing.T, authEnabled bool) (*echo.Echo, *fga.StoreService) {
	t.Helper()
	storage := memory.NewStorage()
	t.Cleanup(func() { storage.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := fga.NewStoreService(storage, fga.WithServiceLogger(log))
	resolver := fga.NewResolver(storage, fga.WithLogger(log))

	e := echo.New()
	NewHandler(service, resolver, log).Register(e, APIKeyAuth(service, authEnabled))
	return e, service
}

func do(e *echo.Echo, method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandlerStoreFlow(t *testing.T) {
	e, _ := newTestServer(t, false)

	rec := do(e, http.MethodPost, "/stores", "", map[string]string{"name": "acme"})
	require.Equal(t, http.StatusCreated, rec.Code)
	store := fga.Store{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &store))
	base := "/stores/" + store.ID.String()

	rec = do(e, http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Checks before any model exists are a conflict, not a denial.
	rec = do(e, http.MethodPost, base+"/check", "", fga.TupleString("doc:readme#viewer@user:alice"))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(e, http.MethodPost, base+"/authorization-models", "", map[string]string{"dsl": testDSL})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(e, http.MethodPost, base+"/tuples", "", map[string]any{
		"writes": []fga.Tuple{fga.TupleString("doc:readme#owner@user:alice")},
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(e, http.MethodPost, base+"/check", "", fga.TupleString("doc:readme#viewer@user:alice"))
	require.Equal(t, http.StatusOK, rec.Code)
	result := fga.CheckResult{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.True(t, result.Allowed)

	rec = do(e, http.MethodPost, base+"/check", "", fga.TupleString("doc:readme#viewer@user:bob"))
	require.Equal(t, http.StatusOK, rec.Code)
	result = fga.CheckResult{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.False(t, result.Allowed)

	// Writing a tuple the model does not allow is a 400 with details.
	rec = do(e, http.MethodPost, base+"/tuples", "", map[string]any{
		"writes": []fga.Tuple{fga.TupleString("vault:x#viewer@user:alice")},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errResp := errorResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	require.NotEmpty(t, errResp.ValidationErrors)

	rec = do(e, http.MethodGet, "/stores/"+store.ID.String()+"/authorization-models/current", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodGet, "/stores/not-a-uuid", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerForwardAuth(t *testing.T) {
	e, service := newTestServer(t, false)
	ctx := context.Background()

	store, err := service.CreateStore(ctx, "proxy", "")
	require.NoError(t, err)
	_, err = service.WriteModelDSL(ctx, store.ID, testDSL, "test")
	require.NoError(t, err)
	require.NoError(t, service.WriteTuples(ctx, store.ID,
		[]fga.Tuple{fga.TupleString("doc:readme#viewer@user:alice")}, nil))

	base := "/stores/" + store.ID.String() + "/forward-auth"

	rec := do(e, http.MethodGet, base+"?object=doc:readme&relation=viewer&subject=user:alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodGet, base+"?object=doc:readme&relation=viewer&subject=user:bob", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Malformed and unresolvable requests deny, they never error open.
	rec = do(e, http.MethodGet, base+"?object=doc:readme", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(e, http.MethodGet, base+"?object=vault:x&relation=viewer&subject=user:alice", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandlerAPIKeyAuth(t *testing.T) {
	e, service := newTestServer(t, true)
	ctx := context.Background()

	store, err := service.CreateStore(ctx, "secured", "")
	require.NoError(t, err)
	other, err := service.CreateStore(ctx, "other", "")
	require.NoError(t, err)
	_, err = service.WriteModelDSL(ctx, store.ID, testDSL, "test")
	require.NoError(t, err)

	readKey, err := service.CreateAPIKey(ctx, store.ID, "reader", []string{fga.PermissionRead}, nil)
	require.NoError(t, err)
	adminKey, err := service.CreateAPIKey(ctx, store.ID, "root", []string{fga.PermissionAdmin}, nil)
	require.NoError(t, err)

	base := "/stores/" + store.ID.String()

	// Missing and bogus credentials.
	rec := do(e, http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(e, http.MethodGet, base, "fga_bogus", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// The right key against the right store.
	rec = do(e, http.MethodGet, base, readKey.Secret, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// A read key cannot write.
	rec = do(e, http.MethodPost, base+"/tuples", readKey.Secret, map[string]any{
		"writes": []fga.Tuple{fga.TupleString("doc:readme#owner@user:alice")},
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	// A key scoped to another store gets the same uniform forbidden as a
	// missing permission, existing store or not.
	rec = do(e, http.MethodGet, "/stores/"+other.ID.String(), readKey.Secret, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	missing := strings.Replace(rec.Body.String(), "\n", "", -1)
	rec = do(e, http.MethodPost, base+"/tuples", readKey.Secret, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, missing, strings.Replace(rec.Body.String(), "\n", "", -1))

	// Admin can manage keys; revoked keys stop working immediately.
	rec = do(e, http.MethodDelete, base+"/api-keys/"+readKey.ID.String(), adminKey.Secret, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(e, http.MethodGet, base, readKey.Secret, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// CreatedBy records the writing key.
	rec = do(e, http.MethodPost, base+"/authorization-models", adminKey.Secret, map[string]string{"dsl": testDSL})
	require.Equal(t, http.StatusCreated, rec.Code)
	model := fga.AuthorizationModel{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &model))
	require.Equal(t, "api-key:root", model.CreatedBy)
}
