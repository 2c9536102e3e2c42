// Package sushi downloads COUNTER reports over the SUSHI HTTP protocol,
// with an on-disk cache per report target and de-duplication of
// concurrent downloads.
package sushi

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/counterhive/harvester/pkg/period"
)

// Target identifies one downloadable report: a credential against an
// endpoint, for one report type, version and period.
type Target struct {
	InstitutionID string
	EndpointID    string
	CredentialsID string
	SushiURL      string
	CustomerID    string
	RequestorID   string
	APIKey        string
	ReportID      string
	Version       string
	Period        period.Period
}

// Key is the cache/in-flight identity of the target. Version is excluded:
// the same report for the same period is one artifact regardless of which
// protocol version fetched it.
func (t Target) Key() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s_%s",
		t.InstitutionID, t.EndpointID, t.CredentialsID, t.ReportID,
		t.Period.Begin, t.Period.End)
}

// Cache stores one JSON file per report target under
// <dir>/<institution>/<endpoint>/<credentials>/<reportType>/<begin>_<end>.json.
// Downloads stream into a temp path and move into place atomically.
type Cache struct {
	dir string
	ttl time.Duration
}

func NewCache(dir string, ttl time.Duration) *Cache {
	return &Cache{dir: dir, ttl: ttl}
}

func (c *Cache) Path(t Target) string {
	return filepath.Join(c.dir,
		t.InstitutionID, t.EndpointID, t.CredentialsID, t.ReportID,
		fmt.Sprintf("%s_%s.json", t.Period.Begin, t.Period.End))
}

func (c *Cache) tempPath(t Target) string {
	return c.Path(t) + ".download"
}

// Read returns the cached report body if a fresh enough copy exists.
func (c *Cache) Read(t Target) ([]byte, bool) {
	path := c.Path(t)
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if c.ttl > 0 && time.Since(info.ModTime()) > c.ttl {
		_ = os.Remove(path)
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Store streams the body into the cache and atomically moves it into
// place, so readers never observe a half-written report.
func (c *Cache) Store(t Target, body io.Reader) ([]byte, error) {
	path := c.Path(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	tmp := c.tempPath(t)
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("creating temp report file: %w", err)
	}

	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, fmt.Errorf("writing report: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("moving report into cache: %w", err)
	}

	return os.ReadFile(path)
}

// Remove deletes the cached copy, if any.
func (c *Cache) Remove(t Target) {
	_ = os.Remove(c.Path(t))
}
