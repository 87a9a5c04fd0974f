package danbooru

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"hoshino-sync/internal/ierrors"
	"hoshino-sync/internal/ratelimit"
)

// backoffSchedule is the fixed ladder of inter-attempt sleeps: ten
// attempts total, sleeping the corresponding delay after any attempt
// that fails with a transport-level error before trying again.
var backoffSchedule = []time.Duration{
	100 * time.Millisecond,
	250 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	500 * time.Millisecond,
	500 * time.Millisecond,
	1000 * time.Millisecond,
	1000 * time.Millisecond,
	1000 * time.Millisecond,
	1000 * time.Millisecond,
}

// Client is the rate-limited, retrying HTTP fetcher (C2). Construct with
// NewClient, which immediately verifies login against /profile.json.
type Client struct {
	httpClient *http.Client
	baseURL    string
	login      string
	apiKey     string
	limiter    *ratelimit.Limiter
	userAgent  string

	UserID    int32
	UserName  string
	UserLevel UserLevel

	sleep func(time.Duration)
}

// NewClient constructs a Client, blocking to verify credentials by
// fetching the caller's profile — exactly as the original api::api()
// constructor does — and suffixing the user-agent with "(#<user_id>)".
func NewClient(ctx context.Context, baseURL, login, apiKey string, limiter *ratelimit.Limiter) (*Client, error) {
	c := &Client{
		httpClient: &http.Client{},
		baseURL:    baseURL,
		login:      login,
		apiKey:     apiKey,
		limiter:    limiter,
		userAgent:  fmt.Sprintf("hoshino.bot user %s", login),
		sleep:      time.Sleep,
	}

	profile, err := resultOf(Fetch[Profile](ctx, c, "profile", map[string]string{"only": "id,name,level"}))
	if err != nil {
		return nil, fmt.Errorf("verify login: %w", err)
	}

	c.UserID = profile.ID
	c.UserName = profile.Name
	c.UserLevel = profile.Level
	c.userAgent = fmt.Sprintf("%s (#%d)", c.userAgent, c.UserID)

	slog.Info("logged in to upstream", "user_id", c.UserID, "user_name", c.UserName, "level", c.UserLevel.String())

	return c, nil
}

// Result is the value carried back on a fetch future's channel.
type Result[T any] struct {
	Value T
	Err   error
}

// future runs fn on its own goroutine and returns a single-value channel
// the caller can range/receive from once — the Go analogue of the
// original's std::async/std::future pair, and the only channel-shaped
// concurrency primitive this package hands out.
func future[T any](fn func() (T, error)) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	go func() {
		v, err := fn()
		ch <- Result[T]{Value: v, Err: err}
	}()
	return ch
}

// resultOf blocks for a future's single result and unpacks it into a
// plain (value, error) pair — convenient at call sites that only ever
// launch one future and want it immediately.
func resultOf[T any](ch <-chan Result[T]) (T, error) {
	r := <-ch
	return r.Value, r.Err
}

// Get issues a GET request, encoding params as URL query parameters.
func Get[T any](ctx context.Context, c *Client, path string, params map[string]string) <-chan Result[T] {
	return future(func() (T, error) {
		var out T
		body, status, err := c.doRequest(ctx, http.MethodGet, path, params, nil, false)
		if err != nil {
			return out, err
		}
		return decode[T](body, status, path, params, nil)
	})
}

// Post issues a POST request with a JSON body.
func Post[T any](ctx context.Context, c *Client, path string, params any) <-chan Result[T] {
	return future(func() (T, error) {
		var out T
		bodyBytes, err := json.Marshal(params)
		if err != nil {
			return out, fmt.Errorf("marshal request body: %w", err)
		}
		respBody, status, err := c.doRequest(ctx, http.MethodPost, path, nil, bodyBytes, false)
		if err != nil {
			return out, err
		}
		return decode[T](respBody, status, path, nil, bodyBytes)
	})
}

// Fetch issues what is semantically a GET, but encoded as a POST with
// header X-HTTP-Method-Override: get — used for requests whose query
// parameters would otherwise exceed URL-length limits (e.g. a 1000-name
// search.name list).
func Fetch[T any](ctx context.Context, c *Client, path string, params any) <-chan Result[T] {
	return future(func() (T, error) {
		var out T
		bodyBytes, err := json.Marshal(params)
		if err != nil {
			return out, fmt.Errorf("marshal request body: %w", err)
		}
		respBody, status, err := c.doRequest(ctx, http.MethodPost, path, nil, bodyBytes, true)
		if err != nil {
			return out, err
		}
		return decode[T](respBody, status, path, nil, bodyBytes)
	})
}

func decode[T any](body []byte, status int, path string, params map[string]string, reqBody []byte) (T, error) {
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		fullURL := path + ".json"
		if params != nil {
			slog.Error("upstream json parse error", "status", status, "url", fullURL, "params", params, "err", err)
		} else {
			pretty, _ := json.MarshalIndent(json.RawMessage(reqBody), "", "  ")
			slog.Error("upstream json parse error", "status", status, "url", fullURL, "body", string(pretty), "err", err)
		}
		return out, &ierrors.UpstreamParseError{Status: status, URL: fullURL, Err: err}
	}
	return out, nil
}

// doRequest performs the request/retry protocol described in spec.md
// section 4.2: a fresh request per attempt, limiter.Acquire before send,
// retry only on transport-level failure, never on status >= 400.
func (c *Client) doRequest(ctx context.Context, method, path string, query map[string]string, body []byte, override bool) ([]byte, int, error) {
	fullURL := fmt.Sprintf("%s/%s.json", c.baseURL, path)

	var lastErr error
	for _, delay := range backoffSchedule {
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader(body))
		if err != nil {
			return nil, 0, fmt.Errorf("build request: %w", err)
		}

		req.SetBasicAuth(c.login, c.apiKey)
		req.Header.Set("User-Agent", c.userAgent)

		if method == http.MethodGet {
			q := url.Values{}
			for k, v := range query {
				q.Set(k, v)
			}
			req.URL.RawQuery = q.Encode()
		} else {
			req.Header.Set("Content-Type", "application/json")
			if override {
				req.Header.Set("X-HTTP-Method-Override", "get")
			}
		}

		c.limiter.Acquire()

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			slog.Warn("transport error contacting upstream", "url", fullURL, "err", err)
			c.sleep(delay)
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			slog.Warn("error reading upstream response body", "url", fullURL, "err", readErr)
			c.sleep(delay)
			continue
		}

		if resp.StatusCode >= 400 {
			return nil, resp.StatusCode, &ierrors.UpstreamHTTPError{
				Status: resp.StatusCode,
				URL:    fullURL,
				Body:   string(respBody),
			}
		}

		return respBody, resp.StatusCode, nil
	}

	return nil, 0, &ierrors.UpstreamUnavailable{URL: fullURL, Attempt: len(backoffSchedule), Err: lastErr}
}

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}

// TagsByNames looks up tags by exact name in one request. The caller is
// responsible for chunking to at most PageLimit names — encoded as a
// Fetch (POST + method-override) since a name_array of this size would
// overflow a query string.
func TagsByNames(ctx context.Context, c *Client, names []string) <-chan Result[[]Tag] {
	if len(names) > PageLimit {
		ch := make(chan Result[[]Tag], 1)
		ch <- Result[[]Tag]{Err: &ierrors.InvalidArgument{
			Detail: fmt.Sprintf("%d names exceeds max chunk size of %d", len(names), PageLimit),
		}}
		return ch
	}

	params := map[string]any{
		"search": map[string]any{"name": names},
		"limit":  len(names),
	}
	return Fetch[[]Tag](ctx, c, "tags", params)
}

// Tags fetches one page of the tag index, walking forward/backward/
// absolutely per page. limit must not exceed PageLimit.
func Tags(ctx context.Context, c *Client, page PageSelector, limit int) <-chan Result[[]Tag] {
	if limit > PageLimit {
		ch := make(chan Result[[]Tag], 1)
		ch <- Result[[]Tag]{Err: &ierrors.InvalidArgument{
			Detail: fmt.Sprintf("limit of %d is too large (max: %d)", limit, PageLimit),
		}}
		return ch
	}

	return Get[[]Tag](ctx, c, "tags", map[string]string{
		"page":  page.String(),
		"limit": fmt.Sprintf("%d", limit),
	})
}

// Posts fetches one page of the post stream restricted to
// PostAttributesToFetch, encoded as a Fetch since the "only" field list
// is long enough to make a plain query string unwieldy.
func Posts(ctx context.Context, c *Client, page PageSelector, limit int) <-chan Result[[]APIPost] {
	params := map[string]any{
		"limit": limit,
		"page":  page.String(),
		"only":  PostAttributesToFetch,
	}
	return Fetch[[]APIPost](ctx, c, "posts", params)
}

// PostVersions fetches one page of post_versions restricted to the given
// set of post ids (a comma-joined id_string, matching the upstream's
// search.post_id convention).
func PostVersions(ctx context.Context, c *Client, page PageSelector, limit int, postIDString string) <-chan Result[[]APIPostVersion] {
	params := map[string]any{
		"limit":  limit,
		"page":   page.String(),
		"search": map[string]any{"post_id": postIDString},
	}
	return Fetch[[]APIPostVersion](ctx, c, "post_versions", params)
}
