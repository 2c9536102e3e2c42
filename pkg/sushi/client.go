package sushi

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/counterhive/harvester/pkg/common/logger"
	"github.com/counterhive/harvester/pkg/counter"
)

// HTTPError carries a non-2xx SUSHI response. The body is kept because
// error responses usually hold the structured exception explaining the
// refusal.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("sushi endpoint returned HTTP %d", e.StatusCode)
}

// Download is a fetched report body.
type Download struct {
	Data      []byte
	Path      string
	FromCache bool
}

// Client downloads COUNTER reports. Successful responses are cached on
// disk; concurrent fetches of the same target share one request through
// the in-flight registry.
type Client struct {
	http     *http.Client
	cache    *Cache
	inflight *InflightRegistry
}

func NewClient(cache *Cache, inflight *InflightRegistry, timeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		cache:    cache,
		inflight: inflight,
	}
}

// Fetch returns the report body for the target, reusing the disk cache
// when the cached copy is usable and force is unset.
func (c *Client) Fetch(ctx context.Context, target Target, force bool) (Download, error) {
	key := target.Key()

	if !force {
		if data, ok := c.cache.Read(target); ok {
			if usable(data) {
				return Download{Data: data, Path: c.cache.Path(target), FromCache: true}, nil
			}
			logger.Log.WithField("target", key).Debug("discarding unusable cached report")
			c.cache.Remove(target)
		}
	} else {
		c.cache.Remove(target)
	}

	data, err := c.inflight.Do(key, func() ([]byte, error) {
		return c.download(ctx, target)
	})
	if err != nil {
		return Download{}, err
	}
	return Download{Data: data, Path: c.cache.Path(target)}, nil
}

func (c *Client) download(ctx context.Context, target Target) ([]byte, error) {
	reportURL, err := c.reportURL(target)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reportURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	logger.Log.WithFields(map[string]interface{}{
		"endpoint_id": target.EndpointID,
		"report_id":   target.ReportID,
		"version":     target.Version,
		"period":      target.Period.String(),
	}).Info("downloading sushi report")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: body}
	}

	data, err := c.cache.Store(target, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("caching report: %w", err)
	}
	return data, nil
}

func (c *Client) reportURL(target Target) (string, error) {
	base := strings.TrimRight(target.SushiURL, "/")
	if base == "" {
		return "", fmt.Errorf("endpoint %s has no sushi url", target.EndpointID)
	}
	if counter.MajorRelease(target.Version) == "5.1" {
		base += "/r51"
	}

	u, err := url.Parse(base + "/reports/" + strings.ToLower(target.ReportID))
	if err != nil {
		return "", fmt.Errorf("building report url: %w", err)
	}

	q := u.Query()
	if target.CustomerID != "" {
		q.Set("customer_id", target.CustomerID)
	}
	if target.RequestorID != "" {
		q.Set("requestor_id", target.RequestorID)
	}
	if target.APIKey != "" {
		q.Set("api_key", target.APIKey)
	}
	q.Set("begin_date", target.Period.Begin.String())
	q.Set("end_date", target.Period.End.String())
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// usable decides whether a cached report copy can stand in for a fresh
// download: it must parse, carry no fatal or queued exception, and hold at
// least one report item.
func usable(data []byte) bool {
	report, err := counter.ParseReport(data)
	if err != nil {
		return false
	}
	for _, e := range report.Header.Exceptions {
		if e.IsFatal() {
			return false
		}
		if counter.Classify(e) == counter.ClassQueued {
			return false
		}
	}
	return report.HasItems()
}
