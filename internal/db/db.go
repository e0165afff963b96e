package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/fitforge/fitforge-backend/internal/chat"
	"github.com/fitforge/fitforge-backend/internal/models"
	"github.com/fitforge/fitforge-backend/internal/plans"
)

func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	if err := gdb.AutoMigrate(
		&models.User{},
		&chat.Session{},
		&chat.Message{},
		&plans.Record{},
		&plans.Job{},
	); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	return gdb
}
