package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ValidationError carries enough detail for one corrective re-prompt.
type ValidationError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: field %q %s", e.Kind, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Kind, e.Reason)
}

type fieldError struct {
	field  string
	reason string
}

func (e *fieldError) Error() string { return fmt.Sprintf("field %q %s", e.field, e.reason) }

func fieldErr(field, reason string) error {
	return &fieldError{field: field, reason: reason}
}

func validationErr(kind Kind, err error) *ValidationError {
	if fe, ok := err.(*fieldError); ok {
		return &ValidationError{Kind: kind, Field: fe.field, Reason: fe.reason}
	}
	return &ValidationError{Kind: kind, Reason: err.Error()}
}

// stripFences removes a markdown code fence wrapper if the model added
// one around the JSON body.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Parse turns raw provider text into a validated artifact of the given
// kind. For chat, any non-empty text is valid.
func Parse(kind Kind, raw string) (any, error) {
	switch kind {
	case KindChatReply:
		text := strings.TrimSpace(raw)
		if text == "" {
			return nil, &ValidationError{Kind: kind, Reason: "reply text must not be empty"}
		}
		return &ChatReply{Text: text}, nil

	case KindWorkoutPlan:
		var p WorkoutPlan
		if err := strictUnmarshal([]byte(stripFences(raw)), &p); err != nil {
			return nil, &ValidationError{Kind: kind, Reason: "malformed JSON: " + err.Error()}
		}
		if err := p.validate(); err != nil {
			return nil, validationErr(kind, err)
		}
		return &p, nil

	case KindMealPlan:
		var p MealPlan
		if err := strictUnmarshal([]byte(stripFences(raw)), &p); err != nil {
			return nil, &ValidationError{Kind: kind, Reason: "malformed JSON: " + err.Error()}
		}
		if err := p.validate(); err != nil {
			return nil, validationErr(kind, err)
		}
		return &p, nil

	case KindAnalysis:
		var a ProgressAnalysis
		if err := strictUnmarshal([]byte(stripFences(raw)), &a); err != nil {
			return nil, &ValidationError{Kind: kind, Reason: "malformed JSON: " + err.Error()}
		}
		if err := a.validate(); err != nil {
			return nil, validationErr(kind, err)
		}
		return &a, nil

	default:
		return nil, fmt.Errorf("unknown artifact kind: %q", kind)
	}
}

// ParseJSON re-parses a stored artifact payload (already validated at
// generation time) back into its typed form.
func ParseJSON(kind Kind, payload []byte) (any, error) {
	switch kind {
	case KindChatReply:
		var r ChatReply
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, err
		}
		return &r, nil
	case KindWorkoutPlan:
		var p WorkoutPlan
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case KindMealPlan:
		var p MealPlan
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case KindAnalysis:
		var a ProgressAnalysis
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, err
		}
		return &a, nil
	default:
		return nil, fmt.Errorf("unknown artifact kind: %q", kind)
	}
}
