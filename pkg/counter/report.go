package counter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/counterhive/harvester/pkg/common/models"
)

// Exception severities, normalized to the COUNTER 5 vocabulary.
const (
	SeverityFatal   = "fatal"
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
	SeverityDebug   = "debug"
)

// Exception is a SUSHI exception as found in a report header or an error
// response body. Older endpoints emit numeric severities, so unmarshalling
// is tolerant.
type Exception struct {
	Code     int         `json:"Code"`
	Severity string      `json:"Severity"`
	Message  string      `json:"Message"`
	Data     interface{} `json:"Data,omitempty"`
}

func (e *Exception) UnmarshalJSON(data []byte) error {
	var raw struct {
		Code     json.Number `json:"Code"`
		Severity interface{} `json:"Severity"`
		Message  string      `json:"Message"`
		Data     interface{} `json:"Data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	code, _ := raw.Code.Int64()
	e.Code = int(code)
	e.Message = raw.Message
	e.Data = raw.Data

	switch sev := raw.Severity.(type) {
	case string:
		e.Severity = strings.ToLower(strings.TrimSpace(sev))
	case float64:
		// Legacy numeric severities: 0 info, 4xx/5xx-style values error.
		if sev >= 400 {
			e.Severity = SeverityError
		} else {
			e.Severity = SeverityInfo
		}
	default:
		e.Severity = severityForCode(e.Code)
	}
	if e.Severity == "" {
		e.Severity = severityForCode(e.Code)
	}
	return nil
}

func severityForCode(code int) string {
	switch {
	case code == 0:
		return SeverityInfo
	case code >= 1000 && code < 2000:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// IsFatal reports whether the exception alone makes the report unusable.
func (e Exception) IsFatal() bool {
	return e.Severity == SeverityFatal || e.Severity == SeverityError
}

func (e Exception) String() string {
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Severity, e.Message)
}

// ToModel converts to the persisted representation.
func (e Exception) ToModel() models.SushiException {
	return models.SushiException{
		Code:     e.Code,
		Severity: e.Severity,
		Message:  e.Message,
		Data:     e.Data,
	}
}

func ToModels(exceptions []Exception) []models.SushiException {
	if len(exceptions) == 0 {
		return nil
	}
	out := make([]models.SushiException, 0, len(exceptions))
	for _, e := range exceptions {
		out = append(out, e.ToModel())
	}
	return out
}

// ExceptionClass buckets exception codes by the reaction they require.
type ExceptionClass int

const (
	ClassInfo ExceptionClass = iota
	ClassBusy
	ClassQueued
	ClassUnauthorized
	ClassUnavailablePeriod
	ClassFatal
)

// Classify maps a SUSHI exception code to its handling class.
//
// 1010 service busy and 1020 too-many-requests trigger the endpoint
// circuit breaker; 1011 report queued only defers the one job. The 2xxx
// range and unsupported-report codes are authorization/validation
// failures. 303x codes mean the requested months hold no usage.
func Classify(e Exception) ExceptionClass {
	switch e.Code {
	case 1010, 1020:
		return ClassBusy
	case 1011:
		return ClassQueued
	case 2000, 2010, 2020:
		return ClassUnauthorized
	case 3000, 3010, 3020:
		return ClassFatal
	case 3030, 3031, 3032:
		return ClassUnavailablePeriod
	}
	if e.IsFatal() {
		return ClassFatal
	}
	return ClassInfo
}

// ReportHeader is the common header of COUNTER 5 and 5.1 reports.
type ReportHeader struct {
	ReportID   string      `json:"Report_ID"`
	ReportName string      `json:"Report_Name,omitempty"`
	Release    string      `json:"Release"`
	Created    string      `json:"Created,omitempty"`
	CreatedBy  string      `json:"Created_By,omitempty"`
	Exceptions []Exception `json:"Exceptions,omitempty"`
}

// RawReport is a parsed report envelope. Items stay raw so very large
// reports are only decoded item by item during transformation.
type RawReport struct {
	Header ReportHeader      `json:"Report_Header"`
	Items  []json.RawMessage `json:"Report_Items"`
}

func ParseReport(data []byte) (*RawReport, error) {
	var report RawReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("parsing report: %w", err)
	}
	return &report, nil
}

// HasItems reports whether the document carries at least one report item.
func (r *RawReport) HasItems() bool {
	return len(r.Items) > 0
}

// ExtractExceptions pulls structured exceptions out of any SUSHI response
// body: a report envelope, a bare exception object, or an array of
// exceptions.
func ExtractExceptions(body []byte) []Exception {
	var report RawReport
	if err := json.Unmarshal(body, &report); err == nil && len(report.Header.Exceptions) > 0 {
		return report.Header.Exceptions
	}

	var single Exception
	if err := json.Unmarshal(body, &single); err == nil && single.Code != 0 {
		return []Exception{single}
	}

	var list []Exception
	if err := json.Unmarshal(body, &list); err == nil && len(list) > 0 {
		out := list[:0]
		for _, e := range list {
			if e.Code != 0 {
				out = append(out, e)
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	return nil
}

// WorstClass returns the most severe handling class among the exceptions.
func WorstClass(exceptions []Exception) ExceptionClass {
	worst := ClassInfo
	for _, e := range exceptions {
		if c := Classify(e); c > worst {
			worst = c
		}
	}
	return worst
}
