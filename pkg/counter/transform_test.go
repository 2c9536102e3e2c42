package counter

import (
	"errors"
	"io"
	"testing"
)

const sampleReport5 = `{
	"Report_Header": {"Report_ID": "TR", "Release": "5"},
	"Report_Items": [
		{
			"Title": "Journal of Tests",
			"Platform": "TestPlatform",
			"Publisher": "Test Press",
			"Item_ID": [{"Type": "Print_ISSN", "Value": "1234-5678"}],
			"Performance": [
				{
					"Period": {"Begin_Date": "2022-01-01", "End_Date": "2022-01-31"},
					"Instance": [
						{"Metric_Type": "Total_Item_Requests", "Count": 12},
						{"Metric_Type": "Unique_Item_Requests", "Count": 7}
					]
				},
				{
					"Period": {"Begin_Date": "2022-02-01", "End_Date": "2022-02-28"},
					"Instance": [{"Metric_Type": "Total_Item_Requests", "Count": 4}]
				}
			]
		}
	]
}`

const sampleReport51 = `{
	"Report_Header": {"Report_ID": "TR", "Release": "5.1"},
	"Report_Items": [
		{
			"Title": "Journal of Tests",
			"Platform": "TestPlatform",
			"Item_ID": {"Print_ISSN": "1234-5678"},
			"Attribute_Performance": [
				{
					"Data_Type": "Journal",
					"Performance": {
						"Total_Item_Requests": {"2022-01": 12, "2022-02": 4},
						"Unique_Item_Requests": {"2022-01": 7}
					}
				}
			]
		}
	]
}`

func drain(t *testing.T, r RecordReader) []MetricRecord {
	t.Helper()
	var records []MetricRecord
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return records
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		records = append(records, rec)
	}
}

func TestReader5Flattens(t *testing.T) {
	report, err := ParseReport([]byte(sampleReport5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	records := drain(t, NewRecordReader("5", report))
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	first := records[0]
	if first.Month.String() != "2022-01" || first.MetricType != "Total_Item_Requests" || first.Count != 12 {
		t.Fatalf("unexpected first record: %+v", first)
	}
	if first.ItemIDs["Print_ISSN"] != "1234-5678" {
		t.Fatalf("expected item id carried over, got %+v", first.ItemIDs)
	}
	last := records[2]
	if last.Month.String() != "2022-02" || last.Count != 4 {
		t.Fatalf("unexpected last record: %+v", last)
	}
}

func TestReader51Flattens(t *testing.T) {
	report, err := ParseReport([]byte(sampleReport51))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	records := drain(t, NewRecordReader("5.1", report))
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for _, rec := range records {
		if rec.Attributes["Data_Type"] != "Journal" {
			t.Fatalf("expected Data_Type attribute, got %+v", rec.Attributes)
		}
		if rec.ReportID != "TR" {
			t.Fatalf("expected report id TR, got %q", rec.ReportID)
		}
	}
	// Metrics sorted by name, months sorted within metric.
	if records[0].MetricType != "Total_Item_Requests" || records[0].Month.String() != "2022-01" {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if records[2].MetricType != "Unique_Item_Requests" {
		t.Fatalf("unexpected third record: %+v", records[2])
	}
}

func TestReaderSkipsMalformedItems(t *testing.T) {
	report, err := ParseReport([]byte(`{
		"Report_Header": {"Report_ID": "TR", "Release": "5"},
		"Report_Items": [
			{"Performance": "not an array"},
			{
				"Title": "Good item",
				"Performance": [{
					"Period": {"Begin_Date": "2022-01-01", "End_Date": "2022-01-31"},
					"Instance": [{"Metric_Type": "Total_Item_Requests", "Count": 1}]
				}]
			}
		]
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reader := NewRecordReader("5", report)

	_, err = reader.Next()
	var recordErr *RecordError
	if !errors.As(err, &recordErr) {
		t.Fatalf("expected RecordError for malformed item, got %v", err)
	}

	rec, err := reader.Next()
	if err != nil {
		t.Fatalf("reader should recover after a bad item: %v", err)
	}
	if rec.Title != "Good item" {
		t.Fatalf("unexpected record after recovery: %+v", rec)
	}

	if _, err := reader.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestRecordIDIdempotent(t *testing.T) {
	report, err := ParseReport([]byte(sampleReport5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := drain(t, NewRecordReader("5", report))
	second := drain(t, NewRecordReader("5", report))

	for i := range first {
		a := RecordID("cred-1", first[i])
		b := RecordID("cred-1", second[i])
		if a != b {
			t.Fatalf("record %d: ids differ across passes: %s vs %s", i, a, b)
		}
	}

	if RecordID("cred-1", first[0]) == RecordID("cred-2", first[0]) {
		t.Fatal("ids must differ across credentials")
	}
	if RecordID("cred-1", first[0]) == RecordID("cred-1", first[1]) {
		t.Fatal("ids must differ across metric types")
	}
}

func TestValidator(t *testing.T) {
	v := NewValidator()

	if _, err := v.Validate("5", "tr", []byte(sampleReport5)); err != nil {
		t.Fatalf("valid report rejected: %v", err)
	}
	if _, err := v.Validate("5.1", "tr", []byte(sampleReport51)); err != nil {
		t.Fatalf("valid 5.1 report rejected: %v", err)
	}

	if _, err := v.Validate("5", "pr", []byte(sampleReport5)); !errors.Is(err, ErrReportIDMismatch) {
		t.Fatalf("expected report id mismatch, got %v", err)
	}

	_, err := v.Validate("5", "tr", []byte(`{"Report_Header": {"Report_ID": "TR", "Release": "5"}}`))
	if !errors.Is(err, ErrSchemaInvalid) {
		t.Fatalf("expected schema violation for missing Report_Items, got %v", err)
	}

	noID := []byte(`{"Report_Header": {"Release": "5"}, "Report_Items": []}`)
	if _, err := v.Validate("5", "tr", noID); !errors.Is(err, ErrMissingReportID) {
		t.Fatalf("expected missing report id error, got %v", err)
	}
}
