package search

import (
	"encoding/json"
	"testing"
)

func TestIndexName(t *testing.T) {
	if got := IndexName("inst-acme", "5"); got != "inst-acme" {
		t.Fatalf("expected base index for version 5, got %s", got)
	}
	if got := IndexName("inst-acme", "5.0.2"); got != "inst-acme" {
		t.Fatalf("expected base index for version 5.0.2, got %s", got)
	}
	if got := IndexName("inst-acme", "5.1"); got != "inst-acme-r51" {
		t.Fatalf("expected suffixed index for version 5.1, got %s", got)
	}
}

func TestScopeQuery(t *testing.T) {
	query := ScopeQuery("cred-1", "TR", "2022-01", "2022-03")

	data, err := json.Marshal(query)
	if err != nil {
		t.Fatalf("query must marshal: %v", err)
	}

	var decoded struct {
		Query struct {
			Bool struct {
				Filter []map[string]json.RawMessage `json:"filter"`
			} `json:"bool"`
		} `json:"query"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unexpected structure: %v", err)
	}
	if len(decoded.Query.Bool.Filter) != 3 {
		t.Fatalf("expected 3 filter clauses, got %d", len(decoded.Query.Bool.Filter))
	}

	// Report ids are normalized to lower case in documents.
	var term struct {
		ReportID string `json:"Report_ID"`
	}
	if err := json.Unmarshal(decoded.Query.Bool.Filter[1]["term"], &term); err != nil {
		t.Fatalf("unexpected term clause: %v", err)
	}
	if term.ReportID != "tr" {
		t.Fatalf("expected lowercased report id, got %q", term.ReportID)
	}
}

func TestMappingTemplatesParse(t *testing.T) {
	for _, name := range []string{"mappings/counter5.json", "mappings/counter51.json"} {
		data, err := mappingFS.ReadFile(name)
		if err != nil {
			t.Fatalf("template %s missing: %v", name, err)
		}
		var parsed map[string]interface{}
		if err := json.Unmarshal(data, &parsed); err != nil {
			t.Fatalf("template %s is not valid JSON: %v", name, err)
		}
		if _, ok := parsed["mappings"]; !ok {
			t.Fatalf("template %s lacks a mappings section", name)
		}
	}
}
