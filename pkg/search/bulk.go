package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/counterhive/harvester/pkg/common/models"
)

// maxSampledErrors bounds how many per-document failure messages a result
// carries; the failure count itself is exact.
const maxSampledErrors = 10

// BulkInserter accumulates documents into fixed-size bulk requests and
// tracks created/updated/failed counts across flushes. Not safe for
// concurrent use; one inserter belongs to one job.
type BulkInserter struct {
	client    *Client
	index     string
	batchSize int

	buf     bytes.Buffer
	pending int
	stats   models.JobResult
}

func (c *Client) NewBulkInserter(index string, batchSize int) *BulkInserter {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &BulkInserter{client: c, index: index, batchSize: batchSize}
}

// Add queues one document under the given id, flushing when the batch is
// full. The returned flushed flag tells callers a bulk request happened,
// which counts as progress.
func (b *BulkInserter) Add(ctx context.Context, id string, doc interface{}) (flushed bool, err error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("encoding document %s: %w", id, err)
	}

	action, err := json.Marshal(map[string]interface{}{
		"index": map[string]interface{}{"_id": id},
	})
	if err != nil {
		return false, err
	}

	b.buf.Write(action)
	b.buf.WriteByte('\n')
	b.buf.Write(payload)
	b.buf.WriteByte('\n')
	b.pending++

	if b.pending >= b.batchSize {
		return true, b.Flush(ctx)
	}
	return false, nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Result string `json:"result"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// Flush sends the pending batch, if any. Individual document failures are
// counted and sampled but never abort the batch.
func (b *BulkInserter) Flush(ctx context.Context) error {
	if b.pending == 0 {
		return nil
	}

	res, err := b.client.es.Bulk(bytes.NewReader(b.buf.Bytes()),
		b.client.es.Bulk.WithIndex(b.index),
		b.client.es.Bulk.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("bulk request on %s: %w", b.index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return fmt.Errorf("bulk request on %s: HTTP %d: %s", b.index, res.StatusCode, raw)
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decoding bulk response: %w", err)
	}

	for _, item := range parsed.Items {
		outcome, ok := item["index"]
		if !ok {
			continue
		}
		switch {
		case outcome.Error != nil:
			b.stats.Failed++
			if len(b.stats.Errors) < maxSampledErrors {
				b.stats.Errors = append(b.stats.Errors,
					fmt.Sprintf("%s: %s: %s", outcome.ID, outcome.Error.Type, outcome.Error.Reason))
			}
		case outcome.Result == "updated":
			b.stats.Updated++
		default:
			b.stats.Inserted++
		}
	}

	b.buf.Reset()
	b.pending = 0
	return nil
}

// RecordFailure counts a document that never made it into a batch, such
// as a record the transformer could not produce.
func (b *BulkInserter) RecordFailure(message string) {
	b.stats.Failed++
	if len(b.stats.Errors) < maxSampledErrors {
		b.stats.Errors = append(b.stats.Errors, message)
	}
}

// Stats returns the accumulated result counts.
func (b *BulkInserter) Stats() models.JobResult {
	return b.stats
}
