package artifact

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

const validWorkoutJSON = `{
	"title": "Dumbbell Split",
	"duration_minutes": 30,
	"days": [
		{
			"day_of_week": "monday",
			"focus": "upper body",
			"exercises": [
				{"name": "Dumbbell Press", "sets": 3, "reps": "8-10", "rest_seconds": 60, "equipment": ["dumbbells"]}
			]
		}
	]
}`

const validMealJSON = `{
	"title": "Cutting Plan",
	"daily_calories": 2100,
	"meals": [
		{"name": "Oatmeal", "type": "breakfast", "calories": 450, "macros": {"protein_g": 20, "carbs_g": 60, "fat_g": 12}},
		{"name": "Chicken Bowl", "type": "lunch", "calories": 700, "macros": {"protein_g": 45, "carbs_g": 70, "fat_g": 18}}
	],
	"shopping_list": ["oats", "chicken breast"]
}`

const validAnalysisJSON = `{
	"summary": "Steady progress over four weeks.",
	"trends": [{"metric": "weight", "direction": "down", "detail": "-1.5kg"}],
	"achievements": ["first 5k run"],
	"recommendations": ["increase protein intake"]
}`

func TestParse_ValidWorkoutPlan(t *testing.T) {
	v, err := Parse(KindWorkoutPlan, validWorkoutJSON)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	plan := v.(*WorkoutPlan)
	if plan.Title != "Dumbbell Split" || plan.DurationMinutes != 30 {
		t.Fatalf("unexpected plan header: %+v", plan)
	}
	if len(plan.Days) != 1 || len(plan.Days[0].Exercises) != 1 {
		t.Fatalf("unexpected plan shape: %+v", plan)
	}
	if plan.Days[0].Exercises[0].Sets != 3 {
		t.Fatalf("unexpected sets: %d", plan.Days[0].Exercises[0].Sets)
	}
}

func TestParse_StripsCodeFences(t *testing.T) {
	fenced := "```json\n" + validWorkoutJSON + "\n```"
	if _, err := Parse(KindWorkoutPlan, fenced); err != nil {
		t.Fatalf("parse fenced: %v", err)
	}
}

func TestParse_RejectsZeroSets(t *testing.T) {
	bad := `{"title": "t", "duration_minutes": 30, "days": [{"day_of_week": "monday", "focus": "legs", "exercises": [{"name": "Squat", "sets": 0, "reps": "10", "rest_seconds": 60}]}]}`
	_, err := Parse(KindWorkoutPlan, bad)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Field != "days[0].exercises[0].sets" {
		t.Fatalf("unexpected field: %q", verr.Field)
	}
}

func TestParse_RejectsMalformedJSON(t *testing.T) {
	_, err := Parse(KindMealPlan, "this is not json")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Kind != KindMealPlan {
		t.Fatalf("unexpected kind: %q", verr.Kind)
	}
}

func TestParse_RejectsBadMealType(t *testing.T) {
	bad := `{"title": "t", "daily_calories": 2000, "meals": [{"name": "x", "type": "brunch", "calories": 500, "macros": {"protein_g": 1, "carbs_g": 1, "fat_g": 1}}]}`
	if _, err := Parse(KindMealPlan, bad); err == nil {
		t.Fatalf("expected error for invalid meal type")
	}
}

func TestParse_RejectsNonPositiveCalories(t *testing.T) {
	bad := `{"title": "t", "daily_calories": 0, "meals": [{"name": "x", "type": "lunch", "calories": 500, "macros": {"protein_g": 1, "carbs_g": 1, "fat_g": 1}}]}`
	if _, err := Parse(KindMealPlan, bad); err == nil {
		t.Fatalf("expected error for zero daily_calories")
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	bad := `{"summary": "ok", "surprise": true}`
	if _, err := Parse(KindAnalysis, bad); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestParse_ChatReply(t *testing.T) {
	v, err := Parse(KindChatReply, "  keep your rest days  ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v.(*ChatReply).Text != "keep your rest days" {
		t.Fatalf("unexpected text: %q", v.(*ChatReply).Text)
	}

	if _, err := Parse(KindChatReply, "   "); err == nil {
		t.Fatalf("expected error for empty reply")
	}
}

// A validated artifact, re-serialized and re-parsed, must be
// field-for-field identical.
func TestParse_RoundTripIdempotent(t *testing.T) {
	cases := []struct {
		kind Kind
		raw  string
	}{
		{KindWorkoutPlan, validWorkoutJSON},
		{KindMealPlan, validMealJSON},
		{KindAnalysis, validAnalysisJSON},
	}
	for _, tc := range cases {
		first, err := Parse(tc.kind, tc.raw)
		if err != nil {
			t.Fatalf("%s: first parse: %v", tc.kind, err)
		}
		b, err := json.Marshal(first)
		if err != nil {
			t.Fatalf("%s: marshal: %v", tc.kind, err)
		}
		second, err := Parse(tc.kind, string(b))
		if err != nil {
			t.Fatalf("%s: second parse: %v", tc.kind, err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("%s: round trip mismatch:\nfirst:  %+v\nsecond: %+v", tc.kind, first, second)
		}
	}
}
