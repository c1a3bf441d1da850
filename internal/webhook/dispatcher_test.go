package webhook

import (
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapCodeStructure(t *testing.T) {
	wrapped := wrapCode("print('hi')\nx = request_data['body']", []byte(`{"method":"POST"}`))

	assert.Contains(t, wrapped, "import json")
	assert.Contains(t, wrapped, "request_data = json.loads(base64.b64decode(")
	assert.Contains(t, wrapped, `"message": "Webhook executed successfully"`)
	assert.Contains(t, wrapped, "try:\n    print('hi')\n    x = request_data['body']\n")
	assert.Contains(t, wrapped, "except Exception as exc:")
	assert.Contains(t, wrapped, "print(json.dumps(response_data))")

	// The request payload must survive the base64 round trip.
	encoded := base64.StdEncoding.EncodeToString([]byte(`{"method":"POST"}`))
	assert.Contains(t, wrapped, encoded)
}

func TestWrapCodeIndentsEveryLine(t *testing.T) {
	wrapped := wrapCode("a = 1\n\nif a:\n    b = 2", nil)
	inTry := false
	for _, line := range strings.Split(wrapped, "\n") {
		switch {
		case strings.HasPrefix(line, "try:"):
			inTry = true
		case strings.HasPrefix(line, "except"):
			inTry = false
		case inTry && line != "":
			assert.True(t, strings.HasPrefix(line, "    "), "line %q should be indented", line)
		}
	}
}

func TestLastJSONLine(t *testing.T) {
	out := "debug print\n{\"not\": \"last\"}\nmore noise\n{\"message\": \"ok\", \"timestamp\": \"t\"}\n"
	line, ok := lastJSONLine(out)
	require.True(t, ok)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(line, &parsed))
	assert.Equal(t, "ok", parsed["message"])
}

func TestLastJSONLineSkipsInvalidBraces(t *testing.T) {
	out := "{\"valid\": true}\n{broken json}\n"
	line, ok := lastJSONLine(out)
	require.True(t, ok)
	assert.JSONEq(t, `{"valid": true}`, string(line))
}

func TestLastJSONLineNoMatch(t *testing.T) {
	_, ok := lastJSONLine("plain output\nno json here\n")
	assert.False(t, ok)

	_, ok = lastJSONLine("")
	assert.False(t, ok)
}

func TestBuildRequestDataJSON(t *testing.T) {
	r := httptest.NewRequest("POST", "/webhook/orders?source=shop&retry=1", strings.NewReader(`{"id": 7}`))
	r.Header.Set("Content-Type", "application/json; charset=utf-8")
	r.Header.Set("X-Signature", "abc")

	data, err := buildRequestData(r, "orders")
	require.NoError(t, err)

	assert.Equal(t, "orders", data["endpoint"])
	assert.Equal(t, "POST", data["method"])
	headers := data["headers"].(map[string]string)
	assert.Equal(t, "abc", headers["X-Signature"])
	query := data["query_params"].(map[string]string)
	assert.Equal(t, "shop", query["source"])
	assert.Equal(t, "1", query["retry"])

	body := data["body"].(map[string]interface{})
	assert.Equal(t, float64(7), body["id"])
}

func TestBuildRequestDataForm(t *testing.T) {
	r := httptest.NewRequest("POST", "/webhook/form", strings.NewReader("name=alice&age=30"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	data, err := buildRequestData(r, "form")
	require.NoError(t, err)
	form := data["body"].(map[string]string)
	assert.Equal(t, "alice", form["name"])
	assert.Equal(t, "30", form["age"])
}

func TestBuildRequestDataRawFallback(t *testing.T) {
	r := httptest.NewRequest("POST", "/webhook/raw", strings.NewReader("plain text payload"))
	r.Header.Set("Content-Type", "text/plain")

	data, err := buildRequestData(r, "raw")
	require.NoError(t, err)
	assert.Equal(t, "plain text payload", data["body"])
}

func TestBuildRequestDataEmptyBody(t *testing.T) {
	r := httptest.NewRequest("GET", "/webhook/ping", nil)
	data, err := buildRequestData(r, "ping")
	require.NoError(t, err)
	assert.Nil(t, data["body"])
	assert.Equal(t, "ping", data["endpoint"])
}

func TestBuildRequestDataMalformedJSONFallsBackToRaw(t *testing.T) {
	r := httptest.NewRequest("POST", "/webhook/x", strings.NewReader("{not json"))
	r.Header.Set("Content-Type", "application/json")

	data, err := buildRequestData(r, "x")
	require.NoError(t, err)
	assert.Equal(t, "{not json", data["body"])
}
