package artifact

import (
	"fmt"
	"strings"
)

// Kind discriminates the artifact union.
type Kind string

const (
	KindWorkoutPlan Kind = "workout_plan"
	KindMealPlan    Kind = "meal_plan"
	KindAnalysis    Kind = "progress_analysis"
	KindChatReply   Kind = "chat_reply"
)

func (k Kind) Valid() bool {
	switch k {
	case KindWorkoutPlan, KindMealPlan, KindAnalysis, KindChatReply:
		return true
	}
	return false
}

type Exercise struct {
	Name        string   `json:"name"`
	Sets        int      `json:"sets"`
	Reps        string   `json:"reps"`
	RestSeconds int      `json:"rest_seconds"`
	Equipment   []string `json:"equipment,omitempty"`
}

type WorkoutDay struct {
	DayOfWeek string     `json:"day_of_week"`
	Focus     string     `json:"focus"`
	Exercises []Exercise `json:"exercises"`
}

type WorkoutPlan struct {
	Title           string       `json:"title"`
	DurationMinutes int          `json:"duration_minutes"`
	Days            []WorkoutDay `json:"days"`
}

func (p *WorkoutPlan) validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return fieldErr("title", "must not be empty")
	}
	if p.DurationMinutes <= 0 {
		return fieldErr("duration_minutes", "must be > 0")
	}
	if len(p.Days) == 0 {
		return fieldErr("days", "must contain at least one day")
	}
	for i, d := range p.Days {
		if len(d.Exercises) == 0 {
			return fieldErr(fmt.Sprintf("days[%d].exercises", i), "must contain at least one exercise")
		}
		for j, e := range d.Exercises {
			if strings.TrimSpace(e.Name) == "" {
				return fieldErr(fmt.Sprintf("days[%d].exercises[%d].name", i, j), "must not be empty")
			}
			if e.Sets < 1 {
				return fieldErr(fmt.Sprintf("days[%d].exercises[%d].sets", i, j), "must be >= 1")
			}
			if strings.TrimSpace(e.Reps) == "" {
				return fieldErr(fmt.Sprintf("days[%d].exercises[%d].reps", i, j), "must not be empty")
			}
			if e.RestSeconds < 0 {
				return fieldErr(fmt.Sprintf("days[%d].exercises[%d].rest_seconds", i, j), "must be >= 0")
			}
		}
	}
	return nil
}

type Macros struct {
	ProteinG float64 `json:"protein_g"`
	CarbsG   float64 `json:"carbs_g"`
	FatG     float64 `json:"fat_g"`
}

type MealType string

const (
	MealBreakfast MealType = "breakfast"
	MealLunch     MealType = "lunch"
	MealDinner    MealType = "dinner"
	MealSnack     MealType = "snack"
)

type Meal struct {
	Name     string   `json:"name"`
	Type     MealType `json:"type"`
	Calories int      `json:"calories"`
	Macros   Macros   `json:"macros"`
}

type MealPlan struct {
	Title         string   `json:"title"`
	DailyCalories int      `json:"daily_calories"`
	Meals         []Meal   `json:"meals"`
	ShoppingList  []string `json:"shopping_list,omitempty"`
}

func (p *MealPlan) validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return fieldErr("title", "must not be empty")
	}
	if p.DailyCalories <= 0 {
		return fieldErr("daily_calories", "must be > 0")
	}
	if len(p.Meals) == 0 {
		return fieldErr("meals", "must contain at least one meal")
	}
	for i, m := range p.Meals {
		if strings.TrimSpace(m.Name) == "" {
			return fieldErr(fmt.Sprintf("meals[%d].name", i), "must not be empty")
		}
		switch m.Type {
		case MealBreakfast, MealLunch, MealDinner, MealSnack:
		default:
			return fieldErr(fmt.Sprintf("meals[%d].type", i), "must be one of breakfast, lunch, dinner, snack")
		}
		if m.Calories <= 0 {
			return fieldErr(fmt.Sprintf("meals[%d].calories", i), "must be > 0")
		}
		if m.Macros.ProteinG < 0 || m.Macros.CarbsG < 0 || m.Macros.FatG < 0 {
			return fieldErr(fmt.Sprintf("meals[%d].macros", i), "must be >= 0")
		}
	}
	return nil
}

type TrendDirection string

const (
	TrendUp   TrendDirection = "up"
	TrendDown TrendDirection = "down"
	TrendFlat TrendDirection = "flat"
)

type Trend struct {
	Metric    string         `json:"metric"`
	Direction TrendDirection `json:"direction"`
	Detail    string         `json:"detail,omitempty"`
}

type ProgressAnalysis struct {
	Summary         string   `json:"summary"`
	Trends          []Trend  `json:"trends,omitempty"`
	Achievements    []string `json:"achievements,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

func (a *ProgressAnalysis) validate() error {
	if strings.TrimSpace(a.Summary) == "" {
		return fieldErr("summary", "must not be empty")
	}
	for i, t := range a.Trends {
		if strings.TrimSpace(t.Metric) == "" {
			return fieldErr(fmt.Sprintf("trends[%d].metric", i), "must not be empty")
		}
		switch t.Direction {
		case TrendUp, TrendDown, TrendFlat:
		default:
			return fieldErr(fmt.Sprintf("trends[%d].direction", i), "must be one of up, down, flat")
		}
	}
	return nil
}

type ChatReply struct {
	Text string `json:"text"`
}
