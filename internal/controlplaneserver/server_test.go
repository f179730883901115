package controlplaneserver

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lanrage/mesh/pkg/mesh"
)

func TestBearerTokenExtractsFromHeader(t *testing.T) {
	req := httptest.NewRequest("GET", "/relays", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", bearerToken(req))
}

func TestBearerTokenMissingHeaderIsEmpty(t *testing.T) {
	req := httptest.NewRequest("GET", "/relays", nil)
	assert.Equal(t, "", bearerToken(req))
}

func TestBearerTokenRejectsWrongScheme(t *testing.T) {
	req := httptest.NewRequest("GET", "/relays", nil)
	req.Header.Set("Authorization", "Basic abc123")
	assert.Equal(t, "", bearerToken(req))
}

func TestWriteErrorSetsStatusAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, 404, "not found")
	assert.Equal(t, 404, rec.Code)
	assert.Contains(t, rec.Body.String(), "not found")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestWriteJSONEncodesBody(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, 200, map[string]string{"token": "tok"})
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "tok")
}

func TestWriteErrorForAuthMapsUnauthorized(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErrorForAuth(rec, mesh.ErrUnauthorized)
	assert.Equal(t, 401, rec.Code)
}

func TestWriteErrorForAuthDefaultsToInternalError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErrorForAuth(rec, mesh.ErrTransient)
	assert.Equal(t, 500, rec.Code)
}
