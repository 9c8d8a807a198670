package errors

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProblemDetailsFlattensExtra(t *testing.T) {
	p := NewServiceUnavailableError(TypeNotReady, "database unreachable", "/readyz").
		WithExtra("checks", map[string]string{"database": "down"})

	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, TypeNotReady, body["type"])
	assert.Equal(t, "Service Unavailable", body["title"])
	assert.Equal(t, float64(http.StatusServiceUnavailable), body["status"])
	assert.Equal(t, "/readyz", body["instance"])
	assert.Equal(t, "down", body["checks"].(map[string]interface{})["database"])
}

func TestProblemDetailsExtraCannotShadowStandardMembers(t *testing.T) {
	p := NewProblemDetails(TypeServiceUnavailable, http.StatusServiceUnavailable, "", "").
		WithExtra("status", "fine")

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"`+TypeServiceUnavailable+`","title":"Service Unavailable","status":503}`, string(raw))
	assert.Equal(t, "", p.Error())
}
