// Package apiclient is the calling side of the API: a JSON client that
// attaches the signed-in user's bearer token, sends cookies, and parks writes
// in the offline mutation queue when the API cannot be reached.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	perrors "github.com/jmgilman/go/errors"
	log "github.com/sirupsen/logrus"
	"resty.dev/v3"

	"offline0/internal/offline0"
)

// Enqueuer accepts writes for later delivery. *offline0.MutationQueue
// satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, url, method string, header http.Header, body []byte) (offline0.Mutation, error)
}

// OnlineChecker reports whether the API is believed reachable.
// *offline0.Monitor satisfies it.
type OnlineChecker interface {
	Online() bool
}

// Options describe one request. Body is sent as JSON; []byte and
// json.RawMessage are sent as they are.
type Options struct {
	Method  string
	Body    any
	Headers map[string]string
}

// Result is the decoded outcome of a request that reached a responder.
type Result struct {
	Status int
	Data   json.RawMessage
	// Stale is set when the answer came from the dynamic cache because the
	// network failed.
	Stale bool
}

// Decode unmarshals Data into v.
func (r Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return perrors.New(perrors.CodeInvalidInput, "empty response body")
	}
	return json.Unmarshal(r.Data, v)
}

type Client struct {
	rc       *resty.Client
	baseURL  string
	sessions SessionStore
	queue    Enqueuer
	online   OnlineChecker
}

type Option func(*Client)

// WithTransport routes every request through rt, typically the offline0
// service transport so reads get the caching strategies.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.rc.SetTransport(rt) }
}

func WithSessionStore(s SessionStore) Option {
	return func(c *Client) { c.sessions = s }
}

// WithQueue enables offline capture of writes.
func WithQueue(q Enqueuer) Option {
	return func(c *Client) { c.queue = q }
}

// WithConnectivity lets the client queue writes without trying the network
// while the API is known to be unreachable.
func WithConnectivity(o OnlineChecker) Option {
	return func(c *Client) { c.online = o }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.rc.SetTimeout(d) }
}

func New(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	jar, _ := cookiejar.New(nil)
	c := &Client{
		rc:       resty.New().SetBaseURL(baseURL).SetCookieJar(jar),
		baseURL:  baseURL,
		sessions: NewMemorySessionStore(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Close() error { return c.rc.Close() }

// Request performs one API call. A write that cannot reach the API, or that
// gets a 5xx, is queued when a queue is configured; the caller then gets a
// *QueuedError.
func (c *Client) Request(ctx context.Context, path string, o Options) (Result, error) {
	method := strings.ToUpper(o.Method)
	if method == "" {
		method = http.MethodGet
	}
	body, err := encodeBody(o.Body)
	if err != nil {
		return Result{}, perrors.Wrap(err, perrors.CodeInvalidInput, "encode request body")
	}

	header := http.Header{}
	for k, v := range o.Headers {
		header.Set(k, v)
	}
	if body != nil && header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}
	if header.Get("Authorization") == "" {
		if s, err := c.sessions.Get(ctx); err != nil {
			log.Warnf("read session: %v", err)
		} else if s != nil && s.Token != "" {
			header.Set("Authorization", "Bearer "+s.Token)
		}
	}

	write := method != http.MethodGet && method != http.MethodHead
	if write && c.queue != nil && c.online != nil && !c.online.Online() {
		return c.enqueue(ctx, path, method, header, body, nil)
	}

	req := c.rc.R().
		SetContext(ctx).
		SetHeaderMultiValues(header).
		SetDoNotParseResponse(true)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		if write && c.queue != nil && ctx.Err() == nil && isNetworkError(err) {
			return c.enqueue(ctx, path, method, header, body, err)
		}
		return Result{}, err
	}
	defer resp.RawResponse.Body.Close()

	raw, err := io.ReadAll(resp.RawResponse.Body)
	if err != nil {
		return Result{}, perrors.Wrap(err, perrors.CodeNetwork, "read response body")
	}
	res := Result{
		Status: resp.RawResponse.StatusCode,
		Stale:  resp.RawResponse.Header.Get(offline0.HeaderOutcome) == offline0.OutcomeFallback,
	}
	if res.Status < 200 || res.Status >= 300 {
		if json.Valid(raw) {
			res.Data = raw
		}
		serr := statusError(res.Status, method, path)
		// 5xx writes are replayable, 4xx are not.
		if write && c.queue != nil && res.Status >= 500 {
			return c.enqueue(ctx, path, method, header, body, serr)
		}
		return res, serr
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if !json.Valid(raw) {
			return res, perrors.Newf(perrors.CodeInvalidInput, "%s %s: response is not JSON", method, path)
		}
		res.Data = raw
	}
	return res, nil
}

func (c *Client) enqueue(ctx context.Context, path, method string, header http.Header, body []byte, cause error) (Result, error) {
	m, err := c.queue.Enqueue(ctx, c.baseURL+path, method, header, body)
	if err != nil {
		log.Errorf("queue %s %s: %v", method, path, err)
		if cause != nil {
			return Result{}, cause
		}
		return Result{}, err
	}
	return Result{Status: http.StatusAccepted}, &QueuedError{MutationID: m.ID, Cause: cause}
}

// Login stores the session used to authorise later requests.
func (c *Client) Login(ctx context.Context, token string, user any) error {
	var raw json.RawMessage
	if user != nil {
		b, err := json.Marshal(user)
		if err != nil {
			return perrors.Wrap(err, perrors.CodeInvalidInput, "encode user")
		}
		raw = b
	}
	return c.sessions.Set(ctx, Session{Token: token, User: raw})
}

func (c *Client) Logout(ctx context.Context) error {
	return c.sessions.Delete(ctx)
}

// CurrentUser decodes the stored user into v. It reports false when nobody
// is signed in.
func (c *Client) CurrentUser(ctx context.Context, v any) (bool, error) {
	s, err := c.sessions.Get(ctx)
	if err != nil || s == nil || len(s.User) == 0 {
		return false, err
	}
	return true, json.Unmarshal(s.User, v)
}

func encodeBody(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	}
	return json.Marshal(v)
}

func isNetworkError(err error) bool {
	if offline0.IsNetworkError(err) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}
