package imageproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	errs "igproxy/pkg/errors"
	"igproxy/pkg/logger"
)

// DefaultContentType is reported when the origin does not send one
const DefaultContentType = "image/jpeg"

// Headers sent with every image request. The last one skips the ngrok
// browser warning page that otherwise replaces tunnelled images.
var defaultHeaders = map[string]string{
	"User-Agent":                 "Mozilla/5.0",
	"Accept":                     "image/webp,image/apng,image/*,*/*;q=0.8",
	"ngrok-skip-browser-warning": "true",
}

var (
	errInvalidURL       = errors.New("url must be an absolute http or https URL")
	errHostNotAllowed   = errors.New("host is not allowed")
	errTooManyRedirects = errors.New("too many redirects")
)

const maxRedirects = 10

// Image is a fetched image whose body the caller must close
type Image struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// Options configures a Proxy
type Options struct {
	Timeout time.Duration
	// AllowedHosts restricts origins. A host matches itself and its
	// subdomains. Empty allows every host.
	AllowedHosts []string
	Transport    http.RoundTripper
}

// Proxy fetches remote images on behalf of browsers
type Proxy struct {
	client  *http.Client
	allowed []string
	logger  logger.Logger
}

// New creates a Proxy
func New(opts Options, log logger.Logger) *Proxy {
	if log == nil {
		log = logger.GetLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	allowed := make([]string, 0, len(opts.AllowedHosts))
	for _, host := range opts.AllowedHosts {
		host = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(host), "."))
		if host != "" {
			allowed = append(allowed, host)
		}
	}

	p := &Proxy{
		allowed: allowed,
		logger:  log.WithField("component", "imageproxy"),
	}
	p.client = &http.Client{
		Timeout:       opts.Timeout,
		Transport:     opts.Transport,
		CheckRedirect: p.checkRedirect,
	}
	return p
}

// Fetch issues a single GET for rawURL. Every failure is reported as an
// ImageFetchFailed service error without details.
func (p *Proxy) Fetch(ctx context.Context, rawURL string) (*Image, error) {
	target, err := p.validate(rawURL)
	if err != nil {
		return nil, p.fail(rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, p.fail(rawURL, err)
	}
	for key, value := range defaultHeaders {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, p.fail(rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, p.fail(rawURL, fmt.Errorf("origin returned status %d", resp.StatusCode))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = DefaultContentType
	}

	return &Image{
		Body:          resp.Body,
		ContentType:   contentType,
		ContentLength: resp.ContentLength,
	}, nil
}

func (p *Proxy) validate(rawURL string) (*url.URL, error) {
	target, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, errInvalidURL
	}
	if !p.hostAllowed(target.Hostname()) {
		return nil, errHostNotAllowed
	}
	return target, nil
}

// checkRedirect holds every hop to the same rules as the first request
func (p *Proxy) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errTooManyRedirects
	}
	_, err := p.validate(req.URL.String())
	return err
}

func (p *Proxy) hostAllowed(host string) bool {
	if len(p.allowed) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range p.allowed {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func (p *Proxy) fail(rawURL string, err error) error {
	p.logger.WithError(err).WarnWithFields("image fetch failed", map[string]interface{}{
		"url": rawURL,
	})
	return errs.ImageFetchFailed(err)
}
