// Package search wraps the Elasticsearch surface the harvest engine
// needs: version-specific index creation, scoped delete-by-query with
// task polling, and batched bulk insertion of metric records.
package search

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"

	"github.com/counterhive/harvester/pkg/common/logger"
	"github.com/counterhive/harvester/pkg/counter"
)

//go:embed mappings/*.json
var mappingFS embed.FS

// Document field names for metric records. X_-prefixed fields are system
// fields injected at insert time, not part of the COUNTER payload.
const (
	FieldSushiID       = "X_Sushi_ID"
	FieldInstitutionID = "X_Institution_ID"
	FieldEndpointID    = "X_Endpoint_ID"
	FieldTags          = "X_Tags"
	FieldPackages      = "X_Packages"
	FieldSessionID     = "X_Session_ID"
	FieldJobID         = "X_Job_ID"
	FieldHarvestedAt   = "X_Harvested_At"
	FieldDateMonth     = "X_Date_Month"
	FieldReportID      = "Report_ID"
)

// IndexName resolves the concrete index for an institution's base pattern
// and a protocol version. COUNTER 5.1 data lives in a suffixed index
// because its mapping differs.
func IndexName(base, version string) string {
	if counter.MajorRelease(version) == "5.1" {
		return base + "-r51"
	}
	return base
}

type Client struct {
	es           *elasticsearch.Client
	pollInterval time.Duration
}

func NewClient(addresses []string, username, password string, pollInterval time.Duration) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
	})
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Client{es: es, pollInterval: pollInterval}, nil
}

func (c *Client) IndexExists(ctx context.Context, name string) (bool, error) {
	res, err := c.es.Indices.Exists([]string{name}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("checking index %s: %w", name, err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case 200:
		return true, nil
	case 404:
		return false, nil
	default:
		return false, fmt.Errorf("checking index %s: HTTP %d", name, res.StatusCode)
	}
}

// CreateIndex creates the index from the mapping template of the given
// protocol version.
func (c *Client) CreateIndex(ctx context.Context, name, version string) error {
	template := "mappings/counter5.json"
	if counter.MajorRelease(version) == "5.1" {
		template = "mappings/counter51.json"
	}
	mapping, err := mappingFS.ReadFile(template)
	if err != nil {
		return fmt.Errorf("loading mapping template: %w", err)
	}

	res, err := c.es.Indices.Create(name,
		c.es.Indices.Create.WithBody(bytes.NewReader(mapping)),
		c.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("creating index %s: %w", name, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("creating index %s: HTTP %d: %s", name, res.StatusCode, body)
	}

	logger.Log.WithFields(map[string]interface{}{
		"index":   name,
		"version": version,
	}).Info("created index")
	return nil
}

// EnsureIndex creates the index if it does not exist yet. It reports
// whether a creation happened.
func (c *Client) EnsureIndex(ctx context.Context, name, version string) (bool, error) {
	exists, err := c.IndexExists(ctx, name)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := c.CreateIndex(ctx, name, version); err != nil {
		return false, err
	}
	return true, nil
}

// ScopeQuery builds the delete-by-query body scoping to one credential's
// report over a month range.
func ScopeQuery(credentialsID, reportID, beginMonth, endMonth string) map[string]interface{} {
	return map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{FieldSushiID: credentialsID}},
					map[string]interface{}{"term": map[string]interface{}{FieldReportID: strings.ToLower(reportID)}},
					map[string]interface{}{"range": map[string]interface{}{FieldDateMonth: map[string]interface{}{
						"gte": beginMonth,
						"lte": endMonth,
					}}},
				},
			},
		},
	}
}

type taskStatus struct {
	Completed bool `json:"completed"`
	Task      struct {
		Status struct {
			Total   int64 `json:"total"`
			Deleted int64 `json:"deleted"`
			Batches int64 `json:"batches"`
		} `json:"status"`
	} `json:"task"`
}

// DeleteByQuery issues an asynchronous delete and polls the task until the
// engine reports completion. progress is called on every observed poll so
// callers can keep their inactivity watchdog alive. A completed task that
// left matched documents behind is an error.
func (c *Client) DeleteByQuery(ctx context.Context, index string, query map[string]interface{}, progress func()) error {
	body, err := json.Marshal(query)
	if err != nil {
		return err
	}

	res, err := c.es.DeleteByQuery([]string{index}, bytes.NewReader(body),
		c.es.DeleteByQuery.WithContext(ctx),
		c.es.DeleteByQuery.WithWaitForCompletion(false),
		c.es.DeleteByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return fmt.Errorf("starting delete-by-query on %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return fmt.Errorf("delete-by-query on %s: HTTP %d: %s", index, res.StatusCode, raw)
	}

	var started struct {
		Task string `json:"task"`
	}
	if err := json.NewDecoder(res.Body).Decode(&started); err != nil {
		return fmt.Errorf("decoding delete-by-query response: %w", err)
	}
	if started.Task == "" {
		return fmt.Errorf("delete-by-query on %s returned no task id", index)
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		status, err := c.taskStatus(ctx, started.Task)
		if err != nil {
			return err
		}
		if progress != nil {
			progress()
		}
		if !status.Completed {
			continue
		}

		if status.Task.Status.Deleted < status.Task.Status.Total {
			return fmt.Errorf("delete-by-query on %s finished incomplete: %d of %d deleted",
				index, status.Task.Status.Deleted, status.Task.Status.Total)
		}

		logger.Log.WithFields(map[string]interface{}{
			"index":   index,
			"deleted": status.Task.Status.Deleted,
		}).Debug("delete-by-query complete")
		return nil
	}
}

func (c *Client) taskStatus(ctx context.Context, taskID string) (*taskStatus, error) {
	res, err := c.es.Tasks.Get(taskID, c.es.Tasks.Get.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("polling task %s: %w", taskID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("polling task %s: HTTP %d: %s", taskID, res.StatusCode, raw)
	}

	var status taskStatus
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding task status: %w", err)
	}
	return &status, nil
}
