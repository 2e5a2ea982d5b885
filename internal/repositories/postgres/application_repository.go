package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"realtime-service/internal/models"

	"gorm.io/gorm"
)

var ErrApplicationNotFound = errors.New("application not found")

// ApplicationRepository resolves applications owned by the CRUD layer.
type ApplicationRepository struct {
	db *gorm.DB
}

func NewApplicationRepository(db *gorm.DB) *ApplicationRepository {
	return &ApplicationRepository{db}
}

func (r *ApplicationRepository) FindByID(ctx context.Context, id uint64) (*models.Application, error) {
	var app models.Application
	err := r.db.WithContext(ctx).Select("id", "job_id", "applicant_id", "status", "updated_at").
		First(&app, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrApplicationNotFound, id)
	}
	return &app, err
}

// ApplicantForApplication returns the user id of the applicant who owns
// applicationID.
func (r *ApplicationRepository) ApplicantForApplication(ctx context.Context, applicationID string) (string, error) {
	id, err := strconv.ParseUint(applicationID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrApplicationNotFound, applicationID)
	}
	app, err := r.FindByID(ctx, id)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(app.ApplicantID, 10), nil
}
