package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	defaultMaxFetchBytes = 5 << 20 // 5MB
	defaultFetchTimeout  = 10 * time.Second
)

var (
	ErrTooLarge   = errors.New("document too large")
	ErrInvalidURL = errors.New("invalid url")
)

// Fetched is a document downloaded from a URL.
type Fetched struct {
	Kind  Kind
	Data  []byte
	Title string
}

// Fetcher downloads documents for ingestion.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher creates a Fetcher. A nil client gets a 10s timeout; maxBytes <= 0
// means 5MB.
func NewFetcher(client *http.Client, maxBytes int64) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxFetchBytes
	}
	return &Fetcher{client: client, maxBytes: maxBytes}
}

func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Fetched, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Fetched{}, fmt.Errorf("%w %q", ErrInvalidURL, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Fetched{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Fetched{}, fmt.Errorf("fetching %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Fetched{}, fmt.Errorf("fetching %s: status %d", u, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Fetched{}, fmt.Errorf("reading %s: %w", u, err)
	}
	if int64(len(data)) > f.maxBytes {
		return Fetched{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, u, f.maxBytes)
	}

	kind := KindText
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil {
		if k, err := ParseKind(mt); err == nil {
			kind = k
		}
	}

	title := path.Base(u.Path)
	if title == "/" || title == "." {
		title = u.Host
	}
	return Fetched{Kind: kind, Data: data, Title: title}, nil
}

// SourceName derives the name a document is cited by: the base name of its
// title without extension.
func SourceName(title string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(title), "\\", "/"))
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "." || base == "/" {
		return ""
	}
	return base
}
