// Package portal is the authenticated client for the booking portal's
// mobile API. It owns the session (token and cookies), translates
// configured names into portal IDs, and flattens the terms search into
// domain.Slot records. Every failure it returns is a *domain.FetchError.
package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tbourn/slot-hunter/internal/domain"
	"github.com/tbourn/slot-hunter/internal/observability"
)

const (
	appVersion       = "4.19.0"
	defaultUserAgent = "okhttp/3.11.0"
	defaultTimeout   = 30 * time.Second
	maxBodyBytes     = 8 << 20
)

// Config controls how the portal client behaves.
type Config struct {
	BaseURL  string // reservation API root, e.g. .../api/NewPortal
	TokenURL string
	LoginURL string
	Email    string
	Password string

	Timeout   time.Duration // per request
	RateRPS   float64       // outbound request budget; <= 0 disables throttling
	RateBurst int

	// NameMatchScore is the minimum fuzzy score for name lookups.
	NameMatchScore float64
	// Location interprets portal timestamps that carry no UTC offset.
	Location *time.Location

	HTTPClient *http.Client
	Logger     *zerolog.Logger
	UserAgent  string
}

// Client is one authenticated portal session. A Client that starts
// returning auth errors is discarded and a new one is dialed.
type Client struct {
	baseURL    string
	tokenURL   string
	loginURL   string
	email      string
	password   string
	httpClient *http.Client
	limiter    *rate.Limiter
	minScore   float64
	loc        *time.Location
	logger     zerolog.Logger
	userAgent  string
	deviceUA   string

	token    string
	resolved *resolvedCriteria
}

// now is the clock used for the search window. Tests pin it.
var now = time.Now

// New builds an unauthenticated client. Call Authenticate before fetching.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Email) == "" || cfg.Password == "" {
		return nil, errors.New("portal: email and password are required")
	}
	for name, v := range map[string]string{"base": cfg.BaseURL, "token": cfg.TokenURL, "login": cfg.LoginURL} {
		if _, err := url.ParseRequestURI(strings.TrimSpace(v)); err != nil {
			return nil, fmt.Errorf("portal: invalid %s URL %q: %w", name, v, err)
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("portal: cookie jar: %w", err)
		}
		httpClient = &http.Client{Timeout: timeout, Jar: jar}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateRPS > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateRPS), burst)
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}

	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		tokenURL:   strings.TrimSpace(cfg.TokenURL),
		loginURL:   strings.TrimSpace(cfg.LoginURL),
		email:      cfg.Email,
		password:   cfg.Password,
		httpClient: httpClient,
		limiter:    limiter,
		minScore:   cfg.NameMatchScore,
		loc:        loc,
		logger:     logger.With().Str("component", "portal").Logger(),
		userAgent:  ua,
		deviceUA:   deviceUserAgent(),
	}, nil
}

// Dial builds a client and authenticates it.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, domain.NewFetchError(domain.FetchUnknown, "config", 0, err)
	}
	if err := c.Authenticate(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// deviceUserAgent mimics the mobile app: version, device uuid, OS, API level, install uuid.
func deviceUserAgent() string {
	return fmt.Sprintf("Patient Portal; %s; %s; Android; %d; %s",
		appVersion, uuid.NewString(), 23+rand.IntN(7), uuid.NewString())
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// Authenticate exchanges the credentials for an access token and opens the
// search session. Rejections are reported as auth errors even when the
// portal answers with an unexpected status.
func (c *Client) Authenticate(ctx context.Context) error {
	ctx, span := observability.Tracer().Start(ctx, "portal.authenticate", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	form := url.Values{}
	form.Set("username", c.email)
	form.Set("password", c.password)
	form.Set("grant_type", "password")
	form.Set("account_id", uuid.NewString()[:35])
	form.Set("client_id", uuid.NewString())

	resp, err := c.do(ctx, "token", http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		recordErr(span, err)
		return err
	}
	if resp.status != http.StatusOK {
		err := domain.NewFetchError(bootstrapKind(resp.status), "token", resp.status, errors.New("token request rejected"))
		recordErr(span, err)
		return err
	}
	var tr tokenResponse
	if err := json.Unmarshal(resp.body, &tr); err != nil || strings.TrimSpace(tr.AccessToken) == "" {
		if err == nil {
			err = errors.New("empty access_token")
		}
		ferr := domain.NewFetchError(domain.FetchAuth, "token", resp.status, err)
		recordErr(span, ferr)
		return ferr
	}
	c.token = tr.AccessToken

	q := url.Values{}
	q.Set("app", "search")
	q.Set("client", "3")
	q.Set("paymentSupported", "true")
	q.Set("lang", "pl")
	resp, err = c.do(ctx, "login", http.MethodGet, c.loginURL+"?"+q.Encode(), nil, "")
	if err != nil {
		recordErr(span, err)
		return err
	}
	if resp.status != http.StatusOK {
		err := domain.NewFetchError(bootstrapKind(resp.status), "login", resp.status, errors.New("login rejected"))
		recordErr(span, err)
		return err
	}

	c.resolved = nil
	c.logger.Info().Msg("portal session established")
	return nil
}

// bootstrapKind keeps gateway and maintenance answers transient and treats
// every other rejection of the credentials as auth.
func bootstrapKind(status int) domain.FetchKind {
	if k := ClassifyStatus(status); k == domain.FetchTransient {
		return k
	}
	return domain.FetchAuth
}

// ClassifyStatus maps a non-2xx portal answer to a failure kind.
// 204 is included: the portal uses it for "nothing to decode".
func ClassifyStatus(status int) domain.FetchKind {
	switch status {
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return domain.FetchTransient
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.FetchAuth
	default:
		return domain.FetchUnknown
	}
}

type response struct {
	status      int
	contentType string
	body        []byte
}

// do sends one throttled request with the session headers.
func (c *Client) do(ctx context.Context, op, method, rawURL string, body io.Reader, contentType string) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, domain.NewFetchError(domain.FetchTransient, op, 0, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, domain.NewFetchError(domain.FetchUnknown, op, 0, fmt.Errorf("build request: %w", err))
	}
	c.setHeaders(req)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewFetchError(domain.KindOf(err), op, 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, domain.NewFetchError(domain.KindOf(err), op, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	c.logger.Debug().
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Int("bytes", len(data)).
		Msg("portal request")

	return &response{status: resp.StatusCode, contentType: resp.Header.Get("Content-Type"), body: data}, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if u, err := url.Parse(c.baseURL); err == nil {
		req.Header.Set("Origin", u.Scheme+"://"+u.Host)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en;q=1.0, en-PL;q=0.9, pl-PL;q=0.8")
	req.Header.Set("x-api-client-identifier", "iPhone")
	req.Header.Set("Custom-User-Agent", c.deviceUA)
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
}

// getJSON performs an API GET and decodes a JSON body into out.
func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, out any) error {
	ctx, span := observability.Tracer().Start(ctx, "portal."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	full := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	resp, err := c.do(ctx, op, http.MethodGet, full, nil, "")
	if err != nil {
		recordErr(span, err)
		return err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.status))

	if err := checkJSON(op, resp); err != nil {
		recordErr(span, err)
		return err
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		ferr := domain.NewFetchError(domain.FetchUnknown, op, resp.status, fmt.Errorf("decode: %w", err))
		recordErr(span, ferr)
		return ferr
	}
	return nil
}

// checkJSON validates status and content type of an API answer.
func checkJSON(op string, resp *response) error {
	if resp.status < 200 || resp.status > 299 {
		return domain.NewFetchError(ClassifyStatus(resp.status), op, resp.status, errors.New(snippet(resp.body)))
	}
	if resp.status == http.StatusNoContent {
		return domain.NewFetchError(domain.FetchUnknown, op, resp.status, errors.New("empty response"))
	}
	mt, _, err := mime.ParseMediaType(resp.contentType)
	if err != nil || !strings.HasSuffix(mt, "json") {
		return domain.NewFetchError(domain.FetchUnknown, op, resp.status, fmt.Errorf("unexpected content type %q", resp.contentType))
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "no body"
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("fetch.kind", domain.KindOf(err).String()))
}

// parseID accepts a configured value that is already a portal ID.
func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
