package counter

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/counterhive/harvester/pkg/period"
)

// COUNTER 5.1 report item shapes. Item identifiers became an object and
// performance moved under per-attribute blocks keyed metric → month →
// count.

type item51 struct {
	Title     string                 `json:"Title"`
	Item      string                 `json:"Item"`
	Database  string                 `json:"Database"`
	Platform  string                 `json:"Platform"`
	Publisher string                 `json:"Publisher"`
	ItemID    map[string]interface{} `json:"Item_ID"`
	AttrPerf  []attrPerf51           `json:"Attribute_Performance"`
}

type attrPerf51 struct {
	DataType     string                      `json:"Data_Type"`
	AccessType   string                      `json:"Access_Type"`
	AccessMethod string                      `json:"Access_Method"`
	YOP          json.Number                 `json:"YOP"`
	Performance  map[string]map[string]int64 `json:"Performance"`
}

// flatPoint is one pre-sorted (metric, month) pair of the current
// attribute block. Sorting keeps iteration deterministic despite map
// ordering.
type flatPoint struct {
	metricType string
	month      string
	count      int64
}

type reader51 struct {
	report   *RawReport
	itemIdx  int
	current  *item51
	attrIdx  int
	points   []flatPoint
	pointIdx int
}

func (r *reader51) Next() (MetricRecord, error) {
	for {
		if r.current == nil {
			if r.itemIdx >= len(r.report.Items) {
				return MetricRecord{}, io.EOF
			}
			var item item51
			idx := r.itemIdx
			r.itemIdx++
			if err := json.Unmarshal(r.report.Items[idx], &item); err != nil {
				return MetricRecord{}, &RecordError{Item: idx, Err: err}
			}
			r.current = &item
			r.attrIdx = 0
			r.points = nil
			r.pointIdx = 0
		}

		if r.pointIdx < len(r.points) {
			point := r.points[r.pointIdx]
			r.pointIdx++

			month, err := period.ParseMonth(point.month)
			if err != nil {
				return MetricRecord{}, &RecordError{Item: r.itemIdx - 1, Err: fmt.Errorf("bad performance month %q", point.month)}
			}

			attr := r.current.AttrPerf[r.attrIdx-1]
			return MetricRecord{
				Month:      month,
				ReportID:   r.report.Header.ReportID,
				MetricType: point.metricType,
				Count:      point.count,
				Title:      itemName51(r.current),
				Platform:   r.current.Platform,
				Publisher:  r.current.Publisher,
				ItemIDs:    itemIDs51(r.current.ItemID),
				Attributes: attributes51(attr),
			}, nil
		}

		if r.attrIdx < len(r.current.AttrPerf) {
			r.points = flatten51(r.current.AttrPerf[r.attrIdx].Performance)
			r.pointIdx = 0
			r.attrIdx++
			continue
		}

		r.current = nil
	}
}

func flatten51(performance map[string]map[string]int64) []flatPoint {
	metrics := make([]string, 0, len(performance))
	for metric := range performance {
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)

	var points []flatPoint
	for _, metric := range metrics {
		byMonth := performance[metric]
		months := make([]string, 0, len(byMonth))
		for month := range byMonth {
			months = append(months, month)
		}
		sort.Strings(months)
		for _, month := range months {
			points = append(points, flatPoint{metricType: metric, month: month, count: byMonth[month]})
		}
	}
	return points
}

func itemName51(item *item51) string {
	switch {
	case item.Title != "":
		return item.Title
	case item.Item != "":
		return item.Item
	default:
		return item.Database
	}
}

func itemIDs51(ids map[string]interface{}) map[string]string {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[string]string, len(ids))
	for k, v := range ids {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

func attributes51(attr attrPerf51) map[string]string {
	out := make(map[string]string, 4)
	if attr.DataType != "" {
		out["Data_Type"] = attr.DataType
	}
	if attr.AccessType != "" {
		out["Access_Type"] = attr.AccessType
	}
	if attr.AccessMethod != "" {
		out["Access_Method"] = attr.AccessMethod
	}
	if attr.YOP.String() != "" {
		out["YOP"] = attr.YOP.String()
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
