package backends

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"
)

type weatherReport struct {
	City        string  `json:"city"`
	Temperature float64 `json:"temperature"`
	Note        string  `json:"note,omitempty"`
}

func TestParseStructuredFencedAndBareAreEquivalent(t *testing.T) {
	bare := `{"city":"Austin","temperature":31}`
	fenced := "Here you go:\n```json\n" + bare + "\n```\nAnything else?"

	fromBare, err := ParseStructured(bare)
	if err != nil {
		t.Fatalf("unexpected error for bare object: %v", err)
	}
	fromFenced, err := ParseStructured(fenced)
	if err != nil {
		t.Fatalf("unexpected error for fenced object: %v", err)
	}
	if !reflect.DeepEqual(fromBare, fromFenced) {
		t.Fatalf("expected equal results, got %v and %v", fromBare, fromFenced)
	}
}

func TestParseStructuredBraceScanSkipsProse(t *testing.T) {
	text := `Sure {not json} the answer is {"city":"Oslo","temperature":-3,"note":"a } brace"} thanks`

	data, err := ParseStructured(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data["city"] != "Oslo" || data["note"] != "a } brace" {
		t.Fatalf("unexpected data: %v", data)
	}
}

func TestParseStructuredRejectsPlainText(t *testing.T) {
	if _, err := ParseStructured("no json here"); !errors.Is(err, ErrInvalidStructure) {
		t.Fatalf("expected ErrInvalidStructure, got %v", err)
	}
}

func TestValidateRequiredUsesReflectedSchema(t *testing.T) {
	schema := SchemaFor[weatherReport]()

	if err := ValidateRequired(map[string]any{"city": "Austin", "temperature": 31.0}, schema); err != nil {
		t.Fatalf("expected valid data, got %v", err)
	}
	err := ValidateRequired(map[string]any{"city": "Austin"}, schema)
	if !errors.Is(err, ErrInvalidStructure) || !strings.Contains(err.Error(), "temperature") {
		t.Fatalf("expected missing temperature error, got %v", err)
	}
	if err := ValidateRequired(map[string]any{"city": 5.0, "temperature": 1.0}, schema); err == nil {
		t.Fatalf("expected type mismatch error")
	}
}

func TestQueryStructuredRepairsOnce(t *testing.T) {
	invalid := `{"city":"Austin"}`
	driver := &scriptedDriver{replies: []reply{
		{text: invalid},
		{text: "```json\n{\"city\":\"Austin\",\"temperature\":31}\n```"},
	}}
	bridge := newBridge(KindHTTP, driver, time.Second)

	result := bridge.QueryStructured(context.Background(), "weather in Austin", SchemaFor[weatherReport](), 1, QueryOptions{})

	if !result.OK() {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.AttemptsUsed != 2 {
		t.Fatalf("expected 2 attempts, got %d", result.AttemptsUsed)
	}
	requests := driver.recorded()
	if !strings.Contains(requests[1].prompt, invalid) {
		t.Fatalf("expected repair prompt to echo the invalid output, got %q", requests[1].prompt)
	}
	if !strings.Contains(requests[1].prompt, "weather in Austin") {
		t.Fatalf("expected repair prompt to restate the request")
	}
}

func TestQueryStructuredReturnsLastFailureAsData(t *testing.T) {
	driver := &scriptedDriver{replies: []reply{{text: "nope"}, {text: "still nope"}, {text: "never"}}}
	bridge := newBridge(KindHTTP, driver, time.Second)

	result := bridge.QueryStructured(context.Background(), "q", nil, 2, QueryOptions{})

	if result.OK() || result.Data != nil {
		t.Fatalf("expected failure, got %+v", result)
	}
	if result.AttemptsUsed != 3 || result.RawText != "never" {
		t.Fatalf("expected 3 attempts ending with last raw text, got %+v", result)
	}
	if !errors.Is(result.ValidationErr, ErrInvalidStructure) {
		t.Fatalf("expected validation error, got %v", result.ValidationErr)
	}
}

func TestQueryStructuredStopsOnBackendFailure(t *testing.T) {
	driver := &scriptedDriver{errs: []error{errors.New("connection refused")}}
	bridge := newBridge(KindHTTP, driver, time.Second)

	result := bridge.QueryStructured(context.Background(), "q", nil, 3, QueryOptions{})

	if result.AttemptsUsed != 1 || !errors.Is(result.ValidationErr, ErrConnectivity) {
		t.Fatalf("expected single failed attempt, got %+v", result)
	}
}

func TestQueryStructuredClampsRetries(t *testing.T) {
	testCases := []struct {
		name       string
		maxRetries int
		attempts   int
	}{
		{name: "huge", maxRetries: math.MaxInt, attempts: MaxStructuredRetries + 1},
		{name: "above cap", maxRetries: 1000000, attempts: MaxStructuredRetries + 1},
		{name: "negative", maxRetries: -3, attempts: 1},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			driver := &scriptedDriver{replies: []reply{{text: "not json"}}}
			bridge := newBridge(KindHTTP, driver, time.Second)

			result := bridge.QueryStructured(context.Background(), "q", nil, testCase.maxRetries, QueryOptions{})

			if result.AttemptsUsed != testCase.attempts || len(driver.recorded()) != testCase.attempts {
				t.Fatalf("expected %d attempts, got %d (%d queries)", testCase.attempts, result.AttemptsUsed, len(driver.recorded()))
			}
			if result.RawText != "not json" || !errors.Is(result.ValidationErr, ErrInvalidStructure) {
				t.Fatalf("expected last failure as data, got %+v", result)
			}
		})
	}
}
