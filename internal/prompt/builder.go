package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fitforge/fitforge-backend/internal/ai"
)

// Builders are pure: identical inputs produce byte-identical prompt
// text. That determinism is what makes cache fingerprints meaningful,
// so nothing here may read clocks, maps in iteration order, or I/O.

const workoutSchemaHint = `Respond with a single JSON object and nothing else, using exactly this shape:
{"title": string, "duration_minutes": int, "days": [{"day_of_week": string, "focus": string, "exercises": [{"name": string, "sets": int, "reps": string, "rest_seconds": int, "equipment": [string]}]}]}`

const mealSchemaHint = `Respond with a single JSON object and nothing else, using exactly this shape:
{"title": string, "daily_calories": int, "meals": [{"name": string, "type": "breakfast"|"lunch"|"dinner"|"snack", "calories": int, "macros": {"protein_g": number, "carbs_g": number, "fat_g": number}}], "shopping_list": [string]}`

const analysisSchemaHint = `Respond with a single JSON object and nothing else, using exactly this shape:
{"summary": string, "trends": [{"metric": string, "direction": "up"|"down"|"flat", "detail": string}], "achievements": [string], "recommendations": [string]}`

func profileLines(p Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "age: %d\n", p.Age)
	fmt.Fprintf(&b, "sex: %s\n", p.Sex)
	fmt.Fprintf(&b, "height_cm: %g\n", p.HeightCm)
	fmt.Fprintf(&b, "weight_kg: %g\n", p.WeightKg)
	fmt.Fprintf(&b, "goal: %s\n", p.Goal)
	fmt.Fprintf(&b, "activity_level: %s\n", p.ActivityLevel)
	if len(p.DietaryPrefs) > 0 {
		fmt.Fprintf(&b, "dietary_prefs: %s\n", strings.Join(p.DietaryPrefs, ", "))
	}
	if len(p.Injuries) > 0 {
		fmt.Fprintf(&b, "injuries: %s\n", strings.Join(p.Injuries, ", "))
	}
	return b.String()
}

// Workout builds the prompt for a workout-plan generation.
func Workout(profile Profile, ov WorkoutOverrides) []ai.Message {
	profile = profile.Normalized()
	ov = ov.Normalized()

	var b strings.Builder
	b.WriteString("Create a weekly workout plan for this user.\n\nUser profile:\n")
	b.WriteString(profileLines(profile))
	b.WriteString("\nConstraints:\n")
	if ov.DurationMinutes > 0 {
		fmt.Fprintf(&b, "session_duration_minutes: %d\n", ov.DurationMinutes)
	}
	if ov.DaysPerWeek > 0 {
		fmt.Fprintf(&b, "days_per_week: %d\n", ov.DaysPerWeek)
	}
	if ov.Focus != "" {
		fmt.Fprintf(&b, "focus: %s\n", ov.Focus)
	}
	if len(ov.Equipment) > 0 {
		fmt.Fprintf(&b, "available_equipment: %s\n", strings.Join(ov.Equipment, ", "))
	}
	b.WriteString("\n")
	b.WriteString(workoutSchemaHint)

	return []ai.Message{
		{Role: "system", Content: "You are a certified personal trainer. You only answer with the requested JSON."},
		{Role: "user", Content: b.String()},
	}
}

// Meal builds the prompt for a meal-plan generation.
func Meal(profile Profile, ov MealOverrides) []ai.Message {
	profile = profile.Normalized()
	ov = ov.Normalized()

	var b strings.Builder
	b.WriteString("Create a daily meal plan for this user.\n\nUser profile:\n")
	b.WriteString(profileLines(profile))
	b.WriteString("\nConstraints:\n")
	if ov.TargetCalories > 0 {
		fmt.Fprintf(&b, "target_calories: %d\n", ov.TargetCalories)
	}
	if ov.MealsPerDay > 0 {
		fmt.Fprintf(&b, "meals_per_day: %d\n", ov.MealsPerDay)
	}
	if ov.Cuisine != "" {
		fmt.Fprintf(&b, "cuisine: %s\n", ov.Cuisine)
	}
	if len(ov.Exclusions) > 0 {
		fmt.Fprintf(&b, "excluded_foods: %s\n", strings.Join(ov.Exclusions, ", "))
	}
	b.WriteString("\n")
	b.WriteString(mealSchemaHint)

	return []ai.Message{
		{Role: "system", Content: "You are a registered dietitian. You only answer with the requested JSON."},
		{Role: "user", Content: b.String()},
	}
}

// Analysis builds the prompt for a progress analysis. Entries are
// sorted by date so callers may pass them in any order.
func Analysis(profile Profile, entries []ProgressEntry, goals []string) []ai.Message {
	profile = profile.Normalized()
	sorted := append([]ProgressEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date < sorted[j].Date })
	goals = normalizeList(goals)

	var b strings.Builder
	b.WriteString("Analyze this user's fitness progress.\n\nUser profile:\n")
	b.WriteString(profileLines(profile))
	if len(goals) > 0 {
		fmt.Fprintf(&b, "\nGoals: %s\n", strings.Join(goals, ", "))
	}
	b.WriteString("\nProgress log:\n")
	for _, e := range sorted {
		fmt.Fprintf(&b, "%s weight_kg=%g workouts_done=%d", e.Date, e.WeightKg, e.WorkoutsDone)
		if e.Notes != "" {
			fmt.Fprintf(&b, " notes=%s", e.Notes)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(analysisSchemaHint)

	return []ai.Message{
		{Role: "system", Content: "You are a supportive fitness coach. You only answer with the requested JSON."},
		{Role: "user", Content: b.String()},
	}
}

// ChatTurn is one prior conversation message fed into the chat window.
type ChatTurn struct {
	Role    string
	Content string
}

// Chat builds the prompt for a conversational turn. window holds the
// most recent turns oldest-first and must already include the new user
// message as its last element; it is truncated to maxWindow turns,
// oldest dropped first.
func Chat(profile Profile, window []ChatTurn, maxWindow int) []ai.Message {
	profile = profile.Normalized()
	if maxWindow > 0 && len(window) > maxWindow {
		window = window[len(window)-maxWindow:]
	}

	var b strings.Builder
	b.WriteString("You are a friendly fitness coach chatting with this user. Answer concisely and practically.\n\nUser profile:\n")
	b.WriteString(profileLines(profile))

	msgs := make([]ai.Message, 0, len(window)+1)
	msgs = append(msgs, ai.Message{Role: "system", Content: b.String()})
	for _, t := range window {
		msgs = append(msgs, ai.Message{Role: t.Role, Content: t.Content})
	}
	return msgs
}

// Correction asks the provider to fix a schema-invalid response. The
// original prompt is replayed with the bad output and the violation
// appended, bounding the exchange to one extra call.
func Correction(original []ai.Message, badOutput string, violation error) []ai.Message {
	msgs := append([]ai.Message(nil), original...)
	msgs = append(msgs,
		ai.Message{Role: "assistant", Content: badOutput},
		ai.Message{Role: "user", Content: fmt.Sprintf(
			"Your previous answer did not match the required JSON schema: %s. Reply again with only the corrected JSON object.",
			violation.Error(),
		)},
	)
	return msgs
}
