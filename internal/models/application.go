package models

import "time"

// Application is the CRUD layer's row for one job application. The service
// only reads the columns it needs to route status notifications.
type Application struct {
	ID          uint64    `gorm:"primaryKey"`
	JobID       uint64    `gorm:"not null;index"`
	ApplicantID uint64    `gorm:"not null;index"`
	Status      string    `gorm:"size:32"`
	UpdatedAt   time.Time
}

func (Application) TableName() string { return "applications" }
