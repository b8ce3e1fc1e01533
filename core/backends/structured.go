package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultMaxRetries        = 2
	MaxStructuredRetries     = 5
	DefaultStructuredTimeout = 90 * time.Second
)

// StructuredResult is returned as data: a failed parse or validation is
// reported in ValidationErr rather than as an error return.
type StructuredResult struct {
	RawText       string
	Data          map[string]any
	ValidationErr error
	AttemptsUsed  int
}

func (r StructuredResult) OK() bool { return r.ValidationErr == nil && r.Data != nil }

// SchemaFor reflects a JSON schema from T. Fields without omitempty are
// required.
func SchemaFor[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{DoNotReference: true}
	return reflector.Reflect(new(T))
}

// QueryStructured asks for a JSON object satisfying schema. Invalid replies
// are sent back with a repair prompt up to maxRetries more times, clamped to
// [0, MaxStructuredRetries].
func (b *Bridge) QueryStructured(ctx context.Context, prompt string, schema *jsonschema.Schema, maxRetries int, opts QueryOptions) StructuredResult {
	ctx, span := tracer.Start(ctx, "query backend structured")
	defer span.End()

	maxRetries = min(max(maxRetries, 0), MaxStructuredRetries)
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultStructuredTimeout
	}

	schemaText := describeSchema(schema)
	current := structuredPrompt(prompt, schemaText)

	var result StructuredResult
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		result.AttemptsUsed = attempt

		res := b.Query(ctx, current, opts)
		result.RawText = res.Text
		if res.Err != nil {
			result.Data = nil
			result.ValidationErr = res.Err
			break
		}

		data, err := ParseStructured(res.Text)
		if err == nil {
			err = ValidateRequired(data, schema)
		}
		if err == nil {
			result.Data = data
			result.ValidationErr = nil
			break
		}

		result.Data = nil
		result.ValidationErr = err
		logger.Info("structured reply rejected", "call_id", opts.CallID, "attempt", attempt, "error", err)
		current = repairPrompt(prompt, schemaText, res.Text, err)
	}

	span.SetAttributes(attribute.Int("structured.attempts", result.AttemptsUsed))
	if result.ValidationErr != nil {
		span.RecordError(result.ValidationErr)
		span.SetStatus(codes.Error, result.ValidationErr.Error())
	}
	return result
}

var fencedBlock = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\s*\\n?(.*?)```")

// ParseStructured extracts a JSON object from model output. It tries the
// whole text, then fenced code blocks, then the first balanced brace span
// that decodes.
func ParseStructured(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty reply", ErrInvalidStructure)
	}

	if data, ok := decodeObject(text); ok {
		return data, nil
	}

	for _, match := range fencedBlock.FindAllStringSubmatch(text, -1) {
		if data, ok := decodeObject(strings.TrimSpace(match[1])); ok {
			return data, nil
		}
	}

	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := matchingBrace(text, start); end > start {
			if data, ok := decodeObject(text[start : end+1]); ok {
				return data, nil
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}

	return nil, fmt.Errorf("%w: no JSON object found", ErrInvalidStructure)
}

func decodeObject(s string) (map[string]any, bool) {
	var data map[string]any
	if err := json.Unmarshal([]byte(s), &data); err != nil || data == nil {
		return nil, false
	}
	return data, true
}

// matchingBrace returns the index of the brace closing the one at start,
// skipping braces inside JSON strings, or -1.
func matchingBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ValidateRequired checks that every schema-required field is present and,
// when the property declares a primitive type, that the value has it.
func ValidateRequired(data map[string]any, schema *jsonschema.Schema) error {
	if schema == nil {
		return nil
	}

	var missing []string
	for _, field := range schema.Required {
		if v, ok := data[field]; !ok || v == nil {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required fields: %s", ErrInvalidStructure, strings.Join(missing, ", "))
	}

	if schema.Properties == nil {
		return nil
	}
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		v, ok := data[pair.Key]
		if !ok || v == nil || pair.Value == nil || pair.Value.Type == "" {
			continue
		}
		if !hasJSONType(v, pair.Value.Type) {
			return fmt.Errorf("%w: field %q should be %s", ErrInvalidStructure, pair.Key, pair.Value.Type)
		}
	}
	return nil
}

func hasJSONType(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}

func describeSchema(schema *jsonschema.Schema) string {
	if schema == nil {
		return `{"type": "object"}`
	}
	raw, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return `{"type": "object"}`
	}
	return string(raw)
}

func structuredPrompt(prompt, schemaText string) string {
	return prompt + "\n\nRespond with only a single JSON object matching this JSON schema. Do not add any other text.\n" + schemaText
}

func repairPrompt(prompt, schemaText, previous string, cause error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your previous reply could not be used: %v.\n\n", cause)
	b.WriteString("Previous reply:\n<<<\n")
	b.WriteString(previous)
	b.WriteString("\n>>>\n\n")
	b.WriteString("Reply again with only a single JSON object that satisfies this JSON schema, with no prose and no code fences:\n")
	b.WriteString(schemaText)
	b.WriteString("\n\nOriginal request:\n")
	b.WriteString(prompt)
	return b.String()
}
