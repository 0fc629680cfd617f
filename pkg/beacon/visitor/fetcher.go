package visitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	berrors "github.com/randalmurphal/beacon/pkg/beacon/errors"
	"github.com/randalmurphal/beacon/pkg/beacon/template"
)

// URL template placeholder names, written {{name}} in a template.
const (
	PlaceholderAccount   = "account"
	PlaceholderProfile   = "profile"
	PlaceholderVisitorID = "visitorId"
)

// DefaultURLTemplate is the visitor service endpoint.
const DefaultURLTemplate = "https://visitor-service.example.com/{{account}}/{{profile}}/{{visitorId}}"

var placeholders = []string{PlaceholderAccount, PlaceholderProfile, PlaceholderVisitorID}

var urlExpander = template.NewExpander(template.StyleMustache,
	template.WithMissingAction(template.MissingError))

// maxProfileBytes bounds how much of a response is read.
const maxProfileBytes = 4 << 20

// Fetcher retrieves the raw visitor profile document.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) ([]byte, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

// HTTPFetcherConfig configures an HTTPFetcher.
type HTTPFetcherConfig struct {
	// URLTemplate may contain {{account}}, {{profile}} and {{visitorId}}.
	// Default: DefaultURLTemplate
	URLTemplate string

	Account string
	Profile string

	// VisitorID is read on every fetch, so a reset visitor id takes
	// effect on the next refresh.
	VisitorID func() string

	// Client is the HTTP client. Default: a client with a 15s timeout.
	Client *http.Client
}

// HTTPFetcher GETs the profile document from the visitor service.
type HTTPFetcher struct {
	template  string
	account   string
	profile   string
	visitorID func() string
	client    *http.Client
}

// Compile-time interface check.
var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a fetcher.
func NewHTTPFetcher(cfg HTTPFetcherConfig) (*HTTPFetcher, error) {
	if cfg.VisitorID == nil {
		return nil, errors.New("visitor id source is required")
	}
	f := &HTTPFetcher{
		template:  cfg.URLTemplate,
		account:   cfg.Account,
		profile:   cfg.Profile,
		visitorID: cfg.VisitorID,
		client:    cfg.Client,
	}
	if f.template == "" {
		f.template = DefaultURLTemplate
	}
	for _, name := range urlExpander.Names(f.template) {
		if !slices.Contains(placeholders, name) {
			return nil, fmt.Errorf("url template: unknown placeholder {{%s}}", name)
		}
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: 15 * time.Second}
	}
	return f, nil
}

// URL renders the template for the current visitor id.
func (f *HTTPFetcher) URL() string {
	// placeholders were checked in NewHTTPFetcher, so this cannot fail
	url, _ := urlExpander.Expand(f.template, template.Vars(map[string]string{
		PlaceholderAccount:   f.account,
		PlaceholderProfile:   f.profile,
		PlaceholderVisitorID: f.visitorID(),
	}))
	return url
}

// Fetch implements Fetcher. Non-2xx responses are errors.
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]byte, error) {
	url := f.URL()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, berrors.Permanent(fmt.Errorf("build request: %w", err), "request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &berrors.TransportError{Endpoint: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return nil, &berrors.TransportError{Endpoint: url, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &berrors.TransportError{Endpoint: url, Err: &berrors.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(body)),
			Endpoint:   url,
		}}
	}
	return body, nil
}
