package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/randalmurphal/beacon/pkg/beacon/dispatch"
	berrors "github.com/randalmurphal/beacon/pkg/beacon/errors"
)

// Transport delivers one batch to the collector.
type Transport interface {
	Send(ctx context.Context, batch dispatch.Batch) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, batch dispatch.Batch) error

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, batch dispatch.Batch) error {
	return f(ctx, batch)
}

// Transport failure causes, wrapped in a TransportError.
var (
	ErrRateLimited = errors.New("send rate exceeded")
	ErrCircuitOpen = errors.New("collector circuit open")
)

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	// Endpoint is the collector URL batches are POSTed to.
	Endpoint string

	// Client is the HTTP client. Default: a client with a 30s timeout.
	Client *http.Client

	// Gzip compresses request bodies.
	Gzip bool

	// Headers are added to every request.
	Headers map[string]string

	// RateLimit caps sends per second. Zero disables limiting.
	RateLimit float64

	// RateBurst is the limiter burst. Default: 1.
	RateBurst int

	// BreakerFailures is the number of consecutive failures that opens
	// the circuit. Zero disables the breaker.
	BreakerFailures uint32

	// BreakerTimeout is how long the circuit stays open before a probe.
	// Default: 30s.
	BreakerTimeout time.Duration

	// Logger receives breaker state changes. Default: slog.Default()
	Logger *slog.Logger
}

// HTTPTransport POSTs batches as JSON.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	encoder  Encoder
	headers  map[string]string
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// Compile-time interface check.
var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport for cfg.Endpoint.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("collector endpoint is required")
	}

	t := &HTTPTransport{
		endpoint: cfg.Endpoint,
		client:   cfg.Client,
		encoder:  Encoder{Gzip: cfg.Gzip},
		headers:  cfg.Headers,
		logger:   cfg.Logger,
	}
	if t.client == nil {
		t.client = &http.Client{Timeout: 30 * time.Second}
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if cfg.BreakerFailures > 0 {
		timeout := cfg.BreakerTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		threshold := cfg.BreakerFailures
		t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "collector",
			Timeout: timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				t.logger.Warn("collector circuit state changed",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
			// a rejected batch means the collector is up
			IsSuccessful: func(err error) bool {
				return err == nil || !berrors.IsRetryable(err)
			},
		})
	}
	return t, nil
}

// Send implements Transport. Every failure is a *TransportError.
func (t *HTTPTransport) Send(ctx context.Context, batch dispatch.Batch) error {
	if t.limiter != nil && !t.limiter.Allow() {
		return &berrors.TransportError{Endpoint: t.endpoint, Err: ErrRateLimited}
	}

	if t.breaker == nil {
		return t.wrap(t.post(ctx, batch))
	}

	_, err := t.breaker.Execute(func() (interface{}, error) {
		return nil, t.post(ctx, batch)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return t.wrap(err)
}

func (t *HTTPTransport) post(ctx context.Context, batch dispatch.Batch) error {
	body, err := t.encoder.Encode(batch)
	if err != nil {
		return berrors.Permanent(fmt.Errorf("encode batch: %w", err), "encode")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return berrors.Permanent(fmt.Errorf("build request: %w", err), "request")
	}
	req.Header.Set("Content-Type", "application/json")
	if enc := t.encoder.ContentEncoding(); enc != "" {
		req.Header.Set("Content-Encoding", enc)
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &berrors.TransportError{Endpoint: t.endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &berrors.HTTPError{
		StatusCode: resp.StatusCode,
		Message:    string(bytes.TrimSpace(msg)),
		Endpoint:   t.endpoint,
	}
}

func (t *HTTPTransport) wrap(err error) error {
	if err == nil {
		return nil
	}
	var te *berrors.TransportError
	if errors.As(err, &te) {
		return err
	}
	return &berrors.TransportError{Endpoint: t.endpoint, Err: err}
}
