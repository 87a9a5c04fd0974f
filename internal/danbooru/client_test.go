package danbooru

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hoshino-sync/internal/ierrors"
	"hoshino-sync/internal/ratelimit"
)

// countingTransport simulates transport-level failures (status == 0 in
// spec terms) for the first `failures` calls, then delegates to inner.
type countingTransport struct {
	failures int
	calls    int
	inner    http.RoundTripper
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls++
	if c.calls <= c.failures {
		return nil, fmt.Errorf("simulated transport failure %d", c.calls)
	}
	return c.inner.RoundTrip(req)
}

func newClientWithTransport(rt http.RoundTripper, baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Transport: rt},
		baseURL:    baseURL,
		login:      "user",
		apiKey:     "key",
		limiter:    ratelimit.New(1000, time.Millisecond),
		userAgent:  "test-agent",
		sleep:      func(time.Duration) {},
	}
}

func TestNewClient_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/profile.json", r.URL.Path)
		w.Write([]byte(`{"id":7,"name":"bot","level":20}`))
	}))
	defer server.Close()

	limiter := ratelimit.New(1000, time.Millisecond)
	c, err := NewClient(context.Background(), server.URL, "user", "key", limiter)
	require.NoError(t, err)

	assert.Equal(t, int32(7), c.UserID)
	assert.Equal(t, "bot", c.UserName)
	assert.Equal(t, UserLevelMember, c.UserLevel)
}

func TestDoRequest_RetryThenSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	transport := &countingTransport{failures: 2, inner: http.DefaultTransport}
	c := newClientWithTransport(transport, server.URL)

	body, status, err := c.doRequest(context.Background(), http.MethodGet, "widgets", nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 3, transport.calls)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestDoRequest_ExhaustsRetries(t *testing.T) {
	transport := &countingTransport{failures: 999, inner: http.DefaultTransport}
	c := newClientWithTransport(transport, "http://127.0.0.1:1")

	_, _, err := c.doRequest(context.Background(), http.MethodGet, "widgets", nil, nil, false)
	require.Error(t, err)

	var unavailable *ierrors.UpstreamUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, len(backoffSchedule), unavailable.Attempt)
	assert.Equal(t, len(backoffSchedule), transport.calls)
}

func TestDoRequest_HTTPErrorNotRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("not found"))
	}))
	defer server.Close()

	transport := &countingTransport{inner: http.DefaultTransport}
	c := newClientWithTransport(transport, server.URL)

	_, _, err := c.doRequest(context.Background(), http.MethodGet, "widgets", nil, nil, false)
	require.Error(t, err)

	var httpErr *ierrors.UpstreamHTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Status)
	assert.Equal(t, 1, transport.calls)
}

func TestDecode_ParseErrorNotRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	c := newClientWithTransport(http.DefaultTransport, server.URL)

	_, err := resultOf(Get[[]Tag](context.Background(), c, "tags", nil))
	require.Error(t, err)

	var parseErr *ierrors.UpstreamParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestTags_LimitAtBoundaryIsAccepted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c := newClientWithTransport(http.DefaultTransport, server.URL)

	_, err := resultOf(Tags(context.Background(), c, At(0), PageLimit))
	require.NoError(t, err)
}

func TestTags_LimitOverBoundaryIsInvalidArgument(t *testing.T) {
	c := newClientWithTransport(http.DefaultTransport, "http://example.invalid")

	_, err := resultOf(Tags(context.Background(), c, At(0), PageLimit+1))
	require.Error(t, err)

	var invalidArg *ierrors.InvalidArgument
	require.ErrorAs(t, err, &invalidArg)
}

func TestTagsByNames_ChunkTooLarge(t *testing.T) {
	c := newClientWithTransport(http.DefaultTransport, "http://example.invalid")

	names := make([]string, PageLimit+1)
	for i := range names {
		names[i] = fmt.Sprintf("tag%d", i)
	}

	_, err := resultOf(TagsByNames(context.Background(), c, names))
	require.Error(t, err)

	var invalidArg *ierrors.InvalidArgument
	require.ErrorAs(t, err, &invalidArg)
}
