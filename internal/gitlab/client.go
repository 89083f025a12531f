// Package gitlab provides a GitLab REST API (v4) client and typed views of
// the resources the merge bot works with.
package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	gogitlab "github.com/xanzy/go-gitlab"
	"go.uber.org/zap"

	"github.com/simplesurance/margebot/internal/logfields"
	"github.com/simplesurance/margebot/internal/retry"
)

const loggerName = "gitlab_client"

// DefaultHTTPClientTimeout is the timeout of a single HTTP request.
const DefaultHTTPClientTimeout = time.Minute

const pageSize = 100

const (
	defRebasePollInterval = time.Second
	defRebaseTimeout      = 30 * time.Second
)

// Result describes a successful response without a body to decode.
type Result int

const (
	// ResultOK is returned for responses with status 200, 202 and 204.
	ResultOK Result = iota
	// ResultCreated is returned for 201 responses.
	ResultCreated
	// ResultNotModified is returned for 304 responses.
	ResultNotModified
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultCreated:
		return "created"
	case ResultNotModified:
		return "not_modified"
	default:
		return "unknown"
	}
}

// Command describes an API call.
type Command struct {
	Method string
	// Endpoint is the path relative to /api/v4/, path segments must be
	// escaped.
	Endpoint string
	// Args are sent as query parameters for GET requests and as JSON body
	// otherwise.
	Args map[string]any
	// Sudo is the id of the user to impersonate, 0 disables impersonation.
	Sudo int
}

func GET(endpoint string, args map[string]any) Command {
	return Command{Method: http.MethodGet, Endpoint: endpoint, Args: args}
}

func POST(endpoint string, args map[string]any) Command {
	return Command{Method: http.MethodPost, Endpoint: endpoint, Args: args}
}

func PUT(endpoint string, args map[string]any) Command {
	return Command{Method: http.MethodPut, Endpoint: endpoint, Args: args}
}

func DELETE(endpoint string) Command {
	return Command{Method: http.MethodDelete, Endpoint: endpoint}
}

// WithSudo returns a copy of the command that is executed as user uid.
func (c Command) WithSudo(uid int) Command {
	c.Sudo = uid
	return c
}

func (c Command) withArg(key string, val any) Command {
	args := make(map[string]any, len(c.Args)+1)
	for k, v := range c.Args {
		args[k] = v
	}
	args[key] = val
	c.Args = args

	return c
}

// Client is a GitLab API client.
// Methods return a retry.RetryableError when an operation can be retried,
// e.g. when the server responded with a 5xx status code or the rate limit
// was exceeded.
type Client struct {
	clt        *gogitlab.Client
	httpClient *http.Client
	logger     *zap.Logger

	versionMu sync.Mutex
	version   *Version

	rebasePollInterval time.Duration
	rebaseTimeout      time.Duration
}

// Option configures optional Client settings.
type Option func(*Client)

// WithHTTPClient sets the http.Client used for requests.
func WithHTTPClient(httpClt *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClt
	}
}

// New returns a client for the GitLab instance at baseURL, authenticating
// with the private or personal access token.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	c := Client{
		logger:             zap.L().Named(loggerName),
		rebasePollInterval: defRebasePollInterval,
		rebaseTimeout:      defRebaseTimeout,
		httpClient:         &http.Client{Timeout: DefaultHTTPClientTimeout},
	}

	for _, opt := range opts {
		opt(&c)
	}

	clt, err := gogitlab.NewClient(
		token,
		gogitlab.WithBaseURL(strings.TrimSuffix(baseURL, "/")+"/api/v4"),
		gogitlab.WithHTTPClient(c.httpClient),
		gogitlab.WithoutRetries(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client failed: %w", err)
	}

	c.clt = clt

	return &c, nil
}

// Call executes cmd. If v is not nil and the response has a body, the body
// is JSON decoded into v.
func (c *Client) Call(ctx context.Context, cmd Command, v any) (Result, error) {
	reqOpts := []gogitlab.RequestOptionFunc{gogitlab.WithContext(ctx)}
	if cmd.Sudo != 0 {
		reqOpts = append(reqOpts, gogitlab.WithSudo(cmd.Sudo))
	}

	hasBody := cmd.Method == http.MethodPost || cmd.Method == http.MethodPut || cmd.Method == http.MethodPatch

	var body any
	if hasBody && len(cmd.Args) > 0 {
		body = cmd.Args
	}

	req, err := c.clt.NewRequest(cmd.Method, cmd.Endpoint, body, reqOpts)
	if err != nil {
		return 0, fmt.Errorf("creating %s %s request failed: %w", cmd.Method, cmd.Endpoint, err)
	}

	if !hasBody && len(cmd.Args) > 0 {
		req.URL.RawQuery = encodeQuery(cmd.Args)
	}

	var buf bytes.Buffer

	resp, err := c.clt.Do(req, &buf)

	logger := c.logger.With(
		logfields.HTTPMethod(cmd.Method),
		logfields.Endpoint(cmd.Endpoint),
	)
	if resp != nil {
		logger = logger.With(logfields.HTTPStatus(resp.StatusCode))
	}

	if err != nil {
		logger.Debug(
			"gitlab api call failed",
			logfields.Event("gitlab_api_call_failed"),
			zap.Error(err),
		)

		return 0, c.wrapError(ctx, cmd, err)
	}

	logger.Debug("gitlab api call succeeded", logfields.Event("gitlab_api_call_succeeded"))

	result := ResultOK
	switch resp.StatusCode {
	case http.StatusCreated:
		result = ResultCreated
	case http.StatusNotModified:
		return ResultNotModified, nil
	}

	if v != nil && buf.Len() > 0 {
		if err := json.Unmarshal(buf.Bytes(), v); err != nil {
			return result, fmt.Errorf("decoding response of %s %s failed: %w", cmd.Method, cmd.Endpoint, err)
		}
	}

	return result, nil
}

// CollectAllPages executes the GET command cmd once per result page and
// returns the items of all pages.
func (c *Client) CollectAllPages(ctx context.Context, cmd Command) ([]json.RawMessage, error) {
	if cmd.Method != http.MethodGet {
		return nil, fmt.Errorf("pagination is only supported for GET requests, got %s", cmd.Method)
	}

	var result []json.RawMessage

	for page := 1; ; page++ {
		var items []json.RawMessage

		pageCmd := cmd.withArg("page", page).withArg("per_page", pageSize)
		if _, err := c.Call(ctx, pageCmd, &items); err != nil {
			return nil, err
		}

		result = append(result, items...)

		if len(items) < pageSize {
			return result, nil
		}
	}
}

// Version returns the version of the GitLab server.
// The version is retrieved once and cached.
func (c *Client) Version(ctx context.Context) (Version, error) {
	c.versionMu.Lock()
	defer c.versionMu.Unlock()

	if c.version != nil {
		return *c.version, nil
	}

	v, _, err := c.clt.Version.GetVersion(gogitlab.WithContext(ctx))
	if err != nil {
		return Version{}, c.wrapError(ctx, GET("version", nil), err)
	}

	version, err := ParseVersion(v.Version)
	if err != nil {
		return Version{}, err
	}

	c.logger.Info(
		"retrieved gitlab server version",
		logfields.Event("gitlab_version_retrieved"),
		zap.String("gitlab.version", v.Version),
	)

	c.version = &version

	return version, nil
}

func (c *Client) wrapError(ctx context.Context, cmd Command, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s %s: %w", cmd.Method, cmd.Endpoint, ctxErr)
	}

	var errResp *gogitlab.ErrorResponse
	if !errors.As(err, &errResp) || errResp.Response == nil {
		return retry.Anytime(
			fmt.Errorf("%s %s failed: %w", cmd.Method, cmd.Endpoint, err),
		)
	}

	status := errResp.Response.StatusCode
	apiErr := &APIError{
		Kind:       kindFromStatus(status),
		StatusCode: status,
		Method:     cmd.Method,
		Endpoint:   cmd.Endpoint,
		Message:    errorMessage(errResp.Body, status),
	}

	switch {
	case status == http.StatusTooManyRequests:
		after := retryAfter(errResp.Response.Header)

		c.logger.Info(
			"rate limit exceeded",
			logfields.Event("gitlab_api_rate_limit_exceeded"),
			zap.Time("gitlab_api_rate_limit_reset_time", after),
		)

		return retry.Later(apiErr, after)

	case status >= 500:
		return retry.Anytime(apiErr)
	}

	return apiErr
}

func retryAfter(hdr http.Header) time.Time {
	secs, err := strconv.Atoi(hdr.Get("Retry-After"))
	if err != nil || secs < 0 {
		return time.Time{}
	}

	return time.Now().Add(time.Duration(secs) * time.Second)
}

func errorMessage(body []byte, status int) string {
	var m map[string]any

	if err := json.Unmarshal(body, &m); err == nil {
		for _, key := range []string{"message", "error"} {
			if v, exists := m[key]; exists {
				if s, ok := v.(string); ok {
					return s
				}

				if b, err := json.Marshal(v); err == nil {
					return string(b)
				}
			}
		}
	}

	return http.StatusText(status)
}

func encodeQuery(args map[string]any) string {
	vals := url.Values{}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := args[k].(type) {
		case []string:
			for _, e := range v {
				vals.Add(k, e)
			}
		case []int:
			for _, e := range v {
				vals.Add(k, strconv.Itoa(e))
			}
		default:
			vals.Add(k, queryValue(v))
		}
	}

	return vals.Encode()
}

func queryValue(v any) string {
	switch val := v.(type) {
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func decodeAll[T any](items []json.RawMessage, decode func(json.RawMessage) (*T, error)) ([]*T, error) {
	result := make([]*T, 0, len(items))

	for _, item := range items {
		v, err := decode(item)
		if err != nil {
			return nil, err
		}

		result = append(result, v)
	}

	return result, nil
}

func decodeJSON[T any](raw json.RawMessage) (*T, error) {
	var v T

	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding %T failed: %w", v, err)
	}

	return &v, nil
}
