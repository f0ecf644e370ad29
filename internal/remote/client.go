package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/campusline/edusync/internal/model"
)

// Retry and backoff constants.
const (
	maxRetries     = 3
	baseBackoff    = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25

	// DefaultUserAgent identifies the client to remote stores.
	DefaultUserAgent = "edusync/1.0"

	// maxResponseBytes bounds a single response body.
	maxResponseBytes = 32 << 20
)

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	UserAgent  string

	// OwnerID scopes list and watch requests.
	OwnerID string

	// RequestRate limits requests per second across the client. Zero means
	// unlimited.
	RequestRate float64

	// OnTokenRefresh is called when an OAuth token is silently refreshed.
	OnTokenRefresh TokenRefreshFunc
}

// FetchResult is the outcome of one collection fetch. Rejected holds the
// documents that could not be decoded; the rest are usable.
type FetchResult struct {
	Records  []model.Record
	Rejected []*Error
}

// Client talks to remote document stores. One client serves every
// integration; authorizers are built per integration and cached until its
// credentials change.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
	ownerID    string
	limiter    *rate.Limiter
	onRefresh  TokenRefreshFunc

	mu    sync.Mutex
	auths map[string]cachedAuth

	// sleepFunc is called to wait between retries. Tests override this to
	// avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

type cachedAuth struct {
	creds string
	auth  Authorizer
}

// NewClient creates a remote client.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestRate), max(1, int(opts.RequestRate)))
	}

	return &Client{
		httpClient: httpClient,
		logger:     logger,
		userAgent:  ua,
		ownerID:    opts.OwnerID,
		limiter:    limiter,
		onRefresh:  opts.OnTokenRefresh,
		auths:      make(map[string]cachedAuth),
		sleepFunc:  timeSleep,
	}
}

// OwnerID returns the owner that scopes list requests.
func (c *Client) OwnerID() string {
	return c.ownerID
}

// Fetch lists the owner's documents of one kind from an integration.
func (c *Client) Fetch(ctx context.Context, kind model.Kind, in *model.Integration) (FetchResult, error) {
	m, auth, err := c.prepare(kind, in)
	if err != nil {
		return FetchResult{}, err
	}

	q := url.Values{}
	if c.ownerID != "" {
		q.Set("ownerId", c.ownerID)
	}

	body, err := c.do(ctx, auth, http.MethodGet, collectionURL(auth, m, "", q), nil)
	if err != nil {
		return FetchResult{}, withKind(err, kind, "")
	}

	records, rejected, err := m.DecodeDocuments(body, in.Type == model.TypeERP)
	if err != nil {
		return FetchResult{}, err
	}

	for i := range records {
		records[i].IntegrationID = in.ID
	}

	c.logger.Debug("fetched collection",
		slog.String("integration", in.ID),
		slog.String("kind", string(kind)),
		slog.Int("records", len(records)),
		slog.Int("rejected", len(rejected)),
	)

	return FetchResult{Records: records, Rejected: rejected}, nil
}

// Get reads one document. A missing document is ErrNotFound.
func (c *Client) Get(ctx context.Context, kind model.Kind, in *model.Integration, id string) (model.Record, error) {
	m, auth, err := c.prepare(kind, in)
	if err != nil {
		return model.Record{}, err
	}

	id = NormalizeID(id)

	body, err := c.do(ctx, auth, http.MethodGet, collectionURL(auth, m, id, nil), nil)
	if err != nil {
		return model.Record{}, withKind(err, kind, id)
	}

	return c.decodeOne(m, in, body)
}

// Push writes a record and returns the stored version.
func (c *Client) Push(ctx context.Context, kind model.Kind, in *model.Integration, rec model.Record) (model.Record, error) {
	m, auth, err := c.prepare(kind, in)
	if err != nil {
		return model.Record{}, err
	}

	rec.ID = NormalizeID(rec.ID)
	if rec.ID == "" {
		return model.Record{}, dataError(kind, "", "record has no id")
	}

	doc, err := m.Encode(&rec, in.Type == model.TypeERP)
	if err != nil {
		return model.Record{}, err
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return model.Record{}, dataError(kind, rec.ID, "encoding document: "+err.Error())
	}

	body, err := c.do(ctx, auth, http.MethodPut, collectionURL(auth, m, rec.ID, nil), payload)
	if err != nil {
		return model.Record{}, withKind(err, kind, rec.ID)
	}

	stored, err := c.decodeOne(m, in, body)
	if err != nil {
		return model.Record{}, err
	}

	c.logger.Debug("pushed record",
		slog.String("integration", in.ID),
		slog.String("kind", string(kind)),
		slog.String("id", stored.ID),
	)

	return stored, nil
}

// WatchRequest returns the websocket URL and headers for a live query on
// one kind. Filters are keyed by local field names and become query
// parameters under their remote names.
func (c *Client) WatchRequest(ctx context.Context, kind model.Kind, in *model.Integration, ownerID string, filters map[string]string) (string, http.Header, error) {
	m, auth, err := c.prepare(kind, in)
	if err != nil {
		return "", nil, err
	}

	params, _, err := m.TranslateFilters(filters)
	if err != nil {
		return "", nil, err
	}

	q := url.Values{}
	if ownerID != "" {
		q.Set(docOwnerID, ownerID)
	}

	for k, v := range params {
		q.Set(k, v)
	}

	httpURL := collectionURL(auth, m, "watch", q)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL, http.NoBody)
	if err != nil {
		return "", nil, fmt.Errorf("remote: building watch request: %w", err)
	}

	if err := auth.Authorize(req); err != nil {
		return "", nil, err
	}

	req.Header.Set("User-Agent", c.userAgent)

	wsURL := strings.Replace(strings.Replace(httpURL, "https://", "wss://", 1), "http://", "ws://", 1)

	return wsURL, req.Header, nil
}

// Invalidate drops the cached authorizer of an integration.
func (c *Client) Invalidate(integrationID string) {
	c.mu.Lock()
	delete(c.auths, integrationID)
	c.mu.Unlock()
}

func (c *Client) prepare(kind model.Kind, in *model.Integration) (*Mapping, Authorizer, error) {
	m, err := MappingFor(kind)
	if err != nil {
		return nil, nil, err
	}

	auth, err := c.authorizer(in)
	if err != nil {
		return nil, nil, err
	}

	return m, auth, nil
}

func (c *Client) authorizer(in *model.Integration) (Authorizer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.auths[in.ID]; ok && cached.creds == string(in.Credentials) {
		return cached.auth, nil
	}

	// The oauth token source outlives any one request, so it is not bound
	// to a request context.
	auth, err := NewAuthorizer(context.Background(), in, c.onRefresh, c.logger)
	if err != nil {
		return nil, err
	}

	c.auths[in.ID] = cachedAuth{creds: string(in.Credentials), auth: auth}

	return auth, nil
}

func (c *Client) decodeOne(m *Mapping, in *model.Integration, body []byte) (model.Record, error) {
	if !gjson.ValidBytes(body) {
		return model.Record{}, dataError(m.Kind, "", "response is not valid JSON")
	}

	rec, err := m.Decode(gjson.ParseBytes(body), in.Type == model.TypeERP)
	if err != nil {
		return model.Record{}, err
	}

	rec.IntegrationID = in.ID

	return rec, nil
}

func collectionURL(auth Authorizer, m *Mapping, id string, q url.Values) string {
	u := strings.TrimRight(auth.BaseURL(), "/") + "/collections/" + url.PathEscape(m.Collection)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}

	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	return u
}

// do executes a request with retry and returns the response body of a 2xx
// response. Every failure is an *Error.
func (c *Client) do(ctx context.Context, auth Authorizer, method, rawURL string, payload []byte) ([]byte, error) {
	var attempt int

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("remote: request canceled: %w", err)
		}

		resp, err := c.doOnce(ctx, auth, method, rawURL, payload)
		if err != nil {
			var rerr *Error
			if errors.As(err, &rerr) {
				return nil, rerr
			}

			if ctx.Err() != nil {
				return nil, fmt.Errorf("remote: request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("url", rawURL),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("remote: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, connectionError(fmt.Sprintf("%s %s failed after %d retries", method, rawURL, maxRetries), err)
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			if readErr != nil {
				return nil, connectionError("reading response", readErr)
			}

			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("url", rawURL),
				slog.Int("status", resp.StatusCode),
			)

			return body, nil
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("url", rawURL),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("remote: request canceled: %w", err)
			}

			attempt++

			continue
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.String("url", rawURL),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, &Error{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

func (c *Client) doOnce(ctx context.Context, auth Authorizer, method, rawURL string, payload []byte) (*http.Response, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, &Error{Message: "creating request: " + err.Error(), Err: ErrData}
	}

	if err := auth.Authorize(req); err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// retryBackoff honours Retry-After on 429 and 503 responses.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return min(time.Duration(seconds)*time.Second, maxBackoff)
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

func withKind(err error, kind model.Kind, id string) error {
	var rerr *Error
	if errors.As(err, &rerr) && rerr.Kind == "" {
		rerr.Kind = kind
		if rerr.RecordID == "" {
			rerr.RecordID = id
		}
	}

	return err
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
