package traderepublic

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimelinePage(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", DefaultBaseURL+timelinePath,
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer session-token", req.Header.Get("Authorization"))
			if req.URL.Query().Get("after") == "" {
				return httpmock.NewStringResponse(200,
					`{"data":{"items":[{"id":"t-1"}],"cursors":{"after":"c-1"}}}`), nil
			}
			assert.Equal(t, "c-1", req.URL.Query().Get("after"))
			return httpmock.NewStringResponse(200,
				`{"data":{"items":[],"cursors":{"after":null}}}`), nil
		})

	c := New(WithTokenSource(StaticToken("session-token")))

	raw, err := c.TimelinePage(context.Background(), "")
	require.NoError(t, err)
	var env struct {
		Data struct {
			Cursors struct {
				After *string `json:"after"`
			} `json:"cursors"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	require.NotNil(t, env.Data.Cursors.After)
	assert.Equal(t, "c-1", *env.Data.Cursors.After)

	raw, err = c.TimelinePage(context.Background(), "c-1")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Nil(t, env.Data.Cursors.After)
}

func TestEventDetailEscapesID(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", DefaultBaseURL+detailPath+"ev%2F1",
		httpmock.NewStringResponder(200, `{"data":{"ok":true}}`))

	c := New()
	raw, err := c.EventDetail(context.Background(), "ev/1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"ok":true}}`, string(raw))
}

func TestRetryOnServerError(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	calls := 0
	httpmock.RegisterResponder("GET", DefaultBaseURL+activityPath,
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				return httpmock.NewStringResponse(503, `upstream unavailable`), nil
			}
			return httpmock.NewStringResponse(200, `{"data":{"items":[]}}`), nil
		})

	c := New(WithMaxRetries(2))
	raw, err := c.ActivityPage(context.Background(), "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"items":[]}}`, string(raw))
	assert.Equal(t, 2, calls)
}

func TestClientErrorIsNotRetried(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	calls := 0
	httpmock.RegisterResponder("GET", DefaultBaseURL+timelinePath,
		func(req *http.Request) (*http.Response, error) {
			calls++
			return httpmock.NewStringResponse(401, `unauthorized`), nil
		})

	c := New(WithMaxRetries(3))
	_, err := c.TimelinePage(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestAPIErrorEnvelope(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", DefaultBaseURL+timelinePath,
		httpmock.NewStringResponder(200,
			`{"error":{"code":"SESSION_EXPIRED","message":"please log in again"}}`))

	c := New()
	_, err := c.TimelinePage(context.Background(), "")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "SESSION_EXPIRED", apiErr.Code)
}

func TestErrorNextToDataIsNotFatal(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	body := `{"data":{"items":[{"id":"t-1"}]},"error":{"code":"PARTIAL","message":"truncated history"}}`
	httpmock.RegisterResponder("GET", DefaultBaseURL+timelinePath,
		httpmock.NewStringResponder(200, body))

	c := New()
	raw, err := c.TimelinePage(context.Background(), "")
	require.NoError(t, err)
	assert.JSONEq(t, body, string(raw))
}

func TestErrorWithNullDataIsFatal(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", DefaultBaseURL+timelinePath,
		httpmock.NewStringResponder(200,
			`{"data":null,"error":{"code":"SESSION_EXPIRED","message":"please log in again"}}`))

	c := New()
	_, err := c.TimelinePage(context.Background(), "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "SESSION_EXPIRED", apiErr.Code)
}
