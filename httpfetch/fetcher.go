// Package httpfetch provides a ready-made qcache.Fetcher backed by an HTTP
// endpoint that serves JSON resources addressed by key segments.
package httpfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	logging "github.com/ipfs/go-log/v2"

	"github.com/qres/go-qres/apierror"
	"github.com/qres/go-qres/qcache"
	"github.com/qres/go-qres/qkey"
)

var log = logging.Logger("httpfetch")

// Source fetches resources over HTTP. A key's segments become path
// elements under the source URL, so key ["posts", 7] fetches
// <base>/posts/7. Responses are decoded as JSON.
type Source struct {
	url    *url.URL
	client *http.Client
	header http.Header
}

// NewSource creates an HTTP resource source rooted at srcURL. If client is
// nil, a retrying client with the package defaults is used.
func NewSource(srcURL string, options ...Option) (*Source, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(srcURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url must have http or https scheme: %s", srcURL)
	}

	return &Source{
		url:    u,
		client: opts.client,
	}, nil
}

// AddHeader adds a header to every request made by this source, such as an
// authorization header.
func (s *Source) AddHeader(key, value string) {
	if s.header == nil {
		s.header = make(http.Header)
	}
	s.header.Add(key, value)
}

// Fetcher returns the qcache.Fetcher for this source, for use with
// Store.Ensure and Store.Subscribe.
func (s *Source) Fetcher() qcache.Fetcher {
	return s.fetch
}

func (s *Source) fetch(ctx context.Context, key qkey.Key) (any, error) {
	u := s.url.JoinPath(keyPath(key)...)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	for hk, vals := range s.header {
		for _, val := range vals {
			req.Header.Add(hk, val)
		}
	}
	req.Header.Add("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		log.Debugw("Source returned non-ok status", "url", u, "status", resp.StatusCode)
		return nil, apierror.FromResponse(resp.StatusCode, body)
	}

	var value any
	if err = json.Unmarshal(body, &value); err != nil {
		return nil, fmt.Errorf("cannot decode resource: %s", err)
	}
	return value, nil
}

// keyPath renders key segments as URL path elements. Attribute-map
// segments are rendered in canonical form so distinct keys address
// distinct paths.
func keyPath(key qkey.Key) []string {
	parts := make([]string, len(key))
	for i, seg := range key {
		switch v := seg.(type) {
		case string:
			parts[i] = v
		default:
			parts[i] = qkey.Key{seg}.ID()
		}
	}
	return parts
}

func (s *Source) String() string {
	return s.url.String()
}
