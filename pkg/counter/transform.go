package counter

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/counterhive/harvester/pkg/period"
)

// MetricRecord is one flat usage metric: a single (item, month, metric
// type) data point pulled out of a hierarchical report.
type MetricRecord struct {
	Month      period.Month      `json:"month"`
	ReportID   string            `json:"reportId"`
	MetricType string            `json:"metricType"`
	Count      int64             `json:"count"`
	Title      string            `json:"title,omitempty"`
	Platform   string            `json:"platform,omitempty"`
	Publisher  string            `json:"publisher,omitempty"`
	ItemIDs    map[string]string `json:"itemIds,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// RecordError marks a malformed report item. The reader keeps going after
// returning one, so a few broken items never sink a large report.
type RecordError struct {
	Item int
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("report item %d: %v", e.Item, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// RecordReader is a pull-based sequence of metric records. Next returns
// io.EOF once the report is exhausted; any other error is a RecordError
// for one skipped item and iteration may continue.
type RecordReader interface {
	Next() (MetricRecord, error)
}

// NewRecordReader picks the transformer for the protocol version. The
// report is consumed lazily: items decode one at a time as the caller
// pulls records.
func NewRecordReader(version string, report *RawReport) RecordReader {
	if MajorRelease(version) == "5.1" {
		return &reader51{report: report}
	}
	return &reader5{report: report}
}

// RecordID derives the idempotent document id for a metric record. The
// identifying attributes are hashed in sorted order, so re-harvesting the
// same period yields the same ids and overwrites instead of duplicating.
func RecordID(credentialsID string, rec MetricRecord) string {
	attrs := make([]string, 0, len(rec.ItemIDs)+len(rec.Attributes)+2)
	for k, v := range rec.ItemIDs {
		attrs = append(attrs, "id:"+k+"="+v)
	}
	for k, v := range rec.Attributes {
		attrs = append(attrs, "attr:"+k+"="+v)
	}
	if rec.Title != "" {
		attrs = append(attrs, "title="+rec.Title)
	}
	if rec.Platform != "" {
		attrs = append(attrs, "platform="+rec.Platform)
	}
	sort.Strings(attrs)

	sum := sha256.Sum256([]byte(strings.Join(attrs, "\n")))

	return fmt.Sprintf("%s:%s:%s:%s:%s",
		rec.Month,
		strings.ToLower(rec.ReportID),
		strings.ToLower(rec.MetricType),
		credentialsID,
		hex.EncodeToString(sum[:]),
	)
}

// COUNTER 5 report item shapes.

type item5 struct {
	Title       string    `json:"Title"`
	Item        string    `json:"Item"`
	Database    string    `json:"Database"`
	Platform    string    `json:"Platform"`
	Publisher   string    `json:"Publisher"`
	ItemID      []itemID5 `json:"Item_ID"`
	DataType    string    `json:"Data_Type"`
	SectionType string    `json:"Section_Type"`
	AccessType  string    `json:"Access_Type"`
	YOP         string    `json:"YOP"`
	Performance []perf5   `json:"Performance"`
}

type itemID5 struct {
	Type  string      `json:"Type"`
	Value interface{} `json:"Value"`
}

type perf5 struct {
	Period struct {
		BeginDate string `json:"Begin_Date"`
		EndDate   string `json:"End_Date"`
	} `json:"Period"`
	Instance []struct {
		MetricType string `json:"Metric_Type"`
		Count      int64  `json:"Count"`
	} `json:"Instance"`
}

// reader5 walks item × performance period × metric instance.
type reader5 struct {
	report  *RawReport
	itemIdx int
	current *item5
	perfIdx int
	instIdx int
}

func (r *reader5) Next() (MetricRecord, error) {
	for {
		if r.current == nil {
			if r.itemIdx >= len(r.report.Items) {
				return MetricRecord{}, io.EOF
			}
			var item item5
			idx := r.itemIdx
			r.itemIdx++
			if err := json.Unmarshal(r.report.Items[idx], &item); err != nil {
				return MetricRecord{}, &RecordError{Item: idx, Err: err}
			}
			r.current = &item
			r.perfIdx = 0
			r.instIdx = 0
		}

		item := r.current
		for r.perfIdx < len(item.Performance) {
			perf := item.Performance[r.perfIdx]
			if r.instIdx >= len(perf.Instance) {
				r.perfIdx++
				r.instIdx = 0
				continue
			}
			inst := perf.Instance[r.instIdx]
			r.instIdx++

			month, err := period.ParseMonth(monthOfDate(perf.Period.BeginDate))
			if err != nil {
				return MetricRecord{}, &RecordError{Item: r.itemIdx - 1, Err: fmt.Errorf("bad performance period %q", perf.Period.BeginDate)}
			}

			return MetricRecord{
				Month:      month,
				ReportID:   r.report.Header.ReportID,
				MetricType: inst.MetricType,
				Count:      inst.Count,
				Title:      itemName5(item),
				Platform:   item.Platform,
				Publisher:  item.Publisher,
				ItemIDs:    itemIDs5(item.ItemID),
				Attributes: attributes5(item),
			}, nil
		}

		r.current = nil
	}
}

func itemName5(item *item5) string {
	switch {
	case item.Title != "":
		return item.Title
	case item.Item != "":
		return item.Item
	default:
		return item.Database
	}
}

func itemIDs5(ids []itemID5) map[string]string {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		out[id.Type] = fmt.Sprintf("%v", id.Value)
	}
	return out
}

func attributes5(item *item5) map[string]string {
	out := make(map[string]string, 4)
	if item.DataType != "" {
		out["Data_Type"] = item.DataType
	}
	if item.SectionType != "" {
		out["Section_Type"] = item.SectionType
	}
	if item.AccessType != "" {
		out["Access_Type"] = item.AccessType
	}
	if item.YOP != "" {
		out["YOP"] = item.YOP
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// monthOfDate trims a full date (2022-01-01) down to its month (2022-01).
func monthOfDate(date string) string {
	if len(date) >= 7 {
		return date[:7]
	}
	return date
}
