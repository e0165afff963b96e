package models

import (
	"encoding/json"
	"time"

	"github.com/fitforge/fitforge-backend/internal/prompt"
)

type User struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Email        string `gorm:"type:varchar(255);uniqueIndex;not null"`
	Username     string `gorm:"type:varchar(32);uniqueIndex;not null"`
	PasswordHash string `gorm:"type:varchar(255);not null"`

	// Tier drives the quota ceiling: free users get a small daily
	// limit, paid tiers are effectively unlimited.
	Tier string `gorm:"type:varchar(16);not null;default:free"`

	// Profile snapshot fed into prompt building.
	Age           int     `gorm:"default:0"`
	Sex           string  `gorm:"type:varchar(16)"`
	HeightCm      float64 `gorm:"default:0"`
	WeightKg      float64 `gorm:"default:0"`
	Goal          string  `gorm:"type:varchar(64)"`
	ActivityLevel string  `gorm:"type:varchar(32)"`
	DietaryPrefs  string  `gorm:"type:text"` // JSON array
	Injuries      string  `gorm:"type:text"` // JSON array

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (User) TableName() string { return "users" }

func decodeList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// Profile snapshots the prompt-relevant attributes of the user.
func (u *User) Profile() prompt.Profile {
	return prompt.Profile{
		Age:           u.Age,
		Sex:           u.Sex,
		HeightCm:      u.HeightCm,
		WeightKg:      u.WeightKg,
		Goal:          u.Goal,
		ActivityLevel: u.ActivityLevel,
		DietaryPrefs:  decodeList(u.DietaryPrefs),
		Injuries:      decodeList(u.Injuries),
	}
}
