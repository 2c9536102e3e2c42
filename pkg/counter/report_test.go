package counter

import (
	"encoding/json"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		code int
		want ExceptionClass
	}{
		{1010, ClassBusy},
		{1020, ClassBusy},
		{1011, ClassQueued},
		{2000, ClassUnauthorized},
		{2020, ClassUnauthorized},
		{3000, ClassFatal},
		{3030, ClassUnavailablePeriod},
		{3031, ClassUnavailablePeriod},
		{3040, ClassInfo},
	}
	for _, c := range cases {
		e := Exception{Code: c.code, Severity: SeverityWarning}
		if got := Classify(e); got != c.want {
			t.Errorf("Classify(code=%d) = %d, want %d", c.code, got, c.want)
		}
	}
}

func TestClassifyUnknownFatalSeverity(t *testing.T) {
	e := Exception{Code: 9999, Severity: SeverityError}
	if Classify(e) != ClassFatal {
		t.Fatal("unknown code with error severity should be fatal")
	}
	e.Severity = SeverityInfo
	if Classify(e) != ClassInfo {
		t.Fatal("unknown code with info severity should be informational")
	}
}

func TestExceptionUnmarshalNumericSeverity(t *testing.T) {
	var e Exception
	if err := json.Unmarshal([]byte(`{"Code":2000,"Severity":401,"Message":"denied"}`), &e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Severity != SeverityError {
		t.Fatalf("expected error severity, got %q", e.Severity)
	}
}

func TestExceptionUnmarshalMissingSeverity(t *testing.T) {
	var e Exception
	if err := json.Unmarshal([]byte(`{"Code":1010,"Message":"busy"}`), &e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Severity != SeverityWarning {
		t.Fatalf("expected inferred warning severity, got %q", e.Severity)
	}
}

func TestExtractExceptionsFromReportHeader(t *testing.T) {
	body := []byte(`{
		"Report_Header": {
			"Report_ID": "TR",
			"Release": "5",
			"Exceptions": [{"Code": 3030, "Severity": "Error", "Message": "no usage"}]
		},
		"Report_Items": []
	}`)
	exceptions := ExtractExceptions(body)
	if len(exceptions) != 1 || exceptions[0].Code != 3030 {
		t.Fatalf("expected one 3030 exception, got %+v", exceptions)
	}
}

func TestExtractExceptionsFromErrorBody(t *testing.T) {
	single := ExtractExceptions([]byte(`{"Code": 2000, "Severity": "Error", "Message": "not authorized"}`))
	if len(single) != 1 || single[0].Code != 2000 {
		t.Fatalf("expected single exception, got %+v", single)
	}

	list := ExtractExceptions([]byte(`[{"Code": 1011, "Severity": "Warning", "Message": "queued"}]`))
	if len(list) != 1 || list[0].Code != 1011 {
		t.Fatalf("expected one exception from array body, got %+v", list)
	}

	if got := ExtractExceptions([]byte(`{"hello": "world"}`)); got != nil {
		t.Fatalf("expected no exceptions, got %+v", got)
	}
}

func TestWorstClass(t *testing.T) {
	exceptions := []Exception{
		{Code: 3040, Severity: SeverityWarning},
		{Code: 1011, Severity: SeverityWarning},
	}
	if WorstClass(exceptions) != ClassQueued {
		t.Fatal("queued should outrank informational")
	}

	exceptions = append(exceptions, Exception{Code: 2000, Severity: SeverityError})
	if WorstClass(exceptions) != ClassUnauthorized {
		t.Fatal("unauthorized should outrank queued")
	}
}
