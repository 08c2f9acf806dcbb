// Package httpremote implements downloader sessions over HTTP range requests.
//
// Every session gets its own transport, so each credential holds its own
// connections and its own request budget on the server side.
package httpremote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"swarm-dl/internal/downloader"
)

// Options configures the sessions created by a Dialer.
type Options struct {
	// Timeout for a single request. Default: 60s.
	Timeout time.Duration

	// UseDoH resolves host names over DNS-over-HTTPS.
	UseDoH      bool
	DoHEndpoint string

	// RequestsPerSecond paces each session independently. Zero disables pacing.
	RequestsPerSecond float64

	// MaxChunkSize is advertised to the engine as the largest range one
	// request may ask for. Zero means unlimited.
	MaxChunkSize int64

	UserAgent string
	Logger    *slog.Logger
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:   60 * time.Second,
		UserAgent: "swarm-dl",
	}
}

// Dialer creates HTTP sessions.
type Dialer struct {
	opts Options
}

// NewDialer returns a Dialer. Zero fields in opts take their defaults.
func NewDialer(opts Options) *Dialer {
	d := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = d.Timeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = d.UserAgent
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dialer{opts: opts}
}

// Dial creates a session authenticated with cred.Token (sent as a bearer
// token when set).
func (d *Dialer) Dial(ctx context.Context, cred downloader.Credential) (downloader.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true,
	}
	if d.opts.UseDoH {
		transport.DialContext = newDoHResolver(d.opts.DoHEndpoint).dialContext()
	}

	s := &Session{
		client:    &http.Client{Transport: transport, Timeout: d.opts.Timeout},
		transport: transport,
		token:     cred.Token,
		opts:      d.opts,
		logger:    d.opts.Logger.With("component", "httpremote", "credential", cred.ID),
	}
	if d.opts.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(d.opts.RequestsPerSecond), 1)
	}
	return s, nil
}

// Session is one HTTP connection pool with its own credentials.
type Session struct {
	client    *http.Client
	transport *http.Transport
	token     string
	limiter   *rate.Limiter
	opts      Options
	logger    *slog.Logger
}

// MaxChunkSize implements downloader.ChunkLimiter.
func (s *Session) MaxChunkSize() int64 {
	return s.opts.MaxChunkSize
}

// Close releases the session's idle connections.
func (s *Session) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}

func (s *Session) newRequest(ctx context.Context, method string, h downloader.Handle) (*http.Request, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, string(h), nil)
	if err != nil {
		return nil, downloader.Fatal(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return req, nil
}

// Stat probes the size of h with HEAD, falling back to a one-byte range GET
// for servers that reject HEAD.
func (s *Session) Stat(ctx context.Context, h downloader.Handle) (int64, error) {
	req, err := s.newRequest(ctx, http.MethodHead, h)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	case resp.StatusCode == http.StatusOK && resp.ContentLength >= 0:
		resp.Body.Close()
		return resp.ContentLength, nil
	default:
		resp.Body.Close()
		code := resp.StatusCode
		if serr := classifyStatus(resp); serr != nil && !errors.Is(serr, downloader.ErrTransient) &&
			code != http.StatusMethodNotAllowed && code != http.StatusNotImplemented {
			return 0, serr
		}
	}
	s.logger.Debug("HEAD probe inconclusive, trying range probe", "handle", h, "error", err)

	req, err = s.newRequest(ctx, http.MethodGet, h)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err = s.client.Do(req)
	if err != nil {
		return 0, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		_, _, total, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return 0, downloader.Fatal(err)
		}
		if total < 0 {
			return 0, downloader.Fatal(errors.New("server did not report total size"))
		}
		return total, nil
	case http.StatusOK:
		return 0, downloader.Fatal(errors.New("server does not support range requests"))
	}
	return 0, classifyStatus(resp)
}

// Fetch downloads [offset, offset+length) of h.
func (s *Session) Fetch(ctx context.Context, h downloader.Handle, offset, length int64) ([]byte, error) {
	req, err := s.newRequest(ctx, http.MethodGet, h)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		if resp.StatusCode == http.StatusOK {
			return nil, downloader.Fatal(errors.New("server ignored range request"))
		}
		return nil, classifyStatus(resp)
	}

	start, end, _, err := ParseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return nil, downloader.Fatal(err)
	}
	if start != offset || end != offset+length-1 {
		return nil, downloader.Fatal(fmt.Errorf("server returned range %d-%d, want %d-%d",
			start, end, offset, offset+length-1))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, length+1))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	return data, nil
}

// classifyStatus maps a non-success response to a downloader error class.
func classifyStatus(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests,
		code == http.StatusServiceUnavailable && resp.Header.Get("Retry-After") != "":
		return &downloader.RateLimitError{
			Wait: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:  fmt.Errorf("http: %s", resp.Status),
		}
	case code == http.StatusUnauthorized,
		code == http.StatusForbidden,
		code == http.StatusNotFound,
		code == http.StatusGone,
		code == http.StatusRequestedRangeNotSatisfiable:
		return downloader.Fatal(fmt.Errorf("http: %s", resp.Status))
	case code >= 500 || code == http.StatusRequestTimeout:
		return downloader.Transient(fmt.Errorf("http: %s", resp.Status))
	default:
		return downloader.Fatal(fmt.Errorf("http: unexpected status %s", resp.Status))
	}
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return downloader.Transient(err)
}

// ParseRetryAfter parses a Retry-After header given in seconds or as an HTTP
// date. It returns zero when the header is absent or unparseable.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total is -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}
	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if parts[1] == "*" {
		return start, end, -1, nil
	}
	total, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}
	return start, end, total, nil
}
