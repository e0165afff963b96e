package prompt

import (
	"sort"
	"strings"
)

// Profile is the snapshot of user attributes every prompt is built
// from. Normalization makes two equivalent snapshots byte-identical so
// fingerprints line up.
type Profile struct {
	Age           int      `json:"age"`
	Sex           string   `json:"sex"`
	HeightCm      float64  `json:"height_cm"`
	WeightKg      float64  `json:"weight_kg"`
	Goal          string   `json:"goal"`
	ActivityLevel string   `json:"activity_level"`
	DietaryPrefs  []string `json:"dietary_prefs,omitempty"`
	Injuries      []string `json:"injuries,omitempty"`
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// Normalized returns a canonical copy: trimmed lowercase enum fields,
// sorted deduplicated lists.
func (p Profile) Normalized() Profile {
	p.Sex = strings.ToLower(strings.TrimSpace(p.Sex))
	p.Goal = strings.ToLower(strings.TrimSpace(p.Goal))
	p.ActivityLevel = strings.ToLower(strings.TrimSpace(p.ActivityLevel))
	p.DietaryPrefs = normalizeList(p.DietaryPrefs)
	p.Injuries = normalizeList(p.Injuries)
	return p
}

type WorkoutOverrides struct {
	DurationMinutes int      `json:"duration_minutes,omitempty"`
	DaysPerWeek     int      `json:"days_per_week,omitempty"`
	Focus           string   `json:"focus,omitempty"`
	Equipment       []string `json:"equipment,omitempty"`
}

func (o WorkoutOverrides) Normalized() WorkoutOverrides {
	o.Focus = strings.ToLower(strings.TrimSpace(o.Focus))
	o.Equipment = normalizeList(o.Equipment)
	return o
}

type MealOverrides struct {
	TargetCalories int      `json:"target_calories,omitempty"`
	MealsPerDay    int      `json:"meals_per_day,omitempty"`
	Cuisine        string   `json:"cuisine,omitempty"`
	Exclusions     []string `json:"exclusions,omitempty"`
}

func (o MealOverrides) Normalized() MealOverrides {
	o.Cuisine = strings.ToLower(strings.TrimSpace(o.Cuisine))
	o.Exclusions = normalizeList(o.Exclusions)
	return o
}

// ProgressEntry is one logged data point fed into progress analysis.
type ProgressEntry struct {
	Date         string  `json:"date"` // YYYY-MM-DD
	WeightKg     float64 `json:"weight_kg,omitempty"`
	WorkoutsDone int     `json:"workouts_done,omitempty"`
	Notes        string  `json:"notes,omitempty"`
}
