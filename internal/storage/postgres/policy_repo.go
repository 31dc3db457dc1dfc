package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/plugbox/internal/security"
)

// PolicyRepository implements storage.PolicyStore with GORM.
type PolicyRepository struct {
	db *gorm.DB
}

// NewPolicyRepository creates a PolicyRepository.
func NewPolicyRepository(db *gorm.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// SavePolicy inserts or replaces the policy stored under p.Name.
func (r *PolicyRepository) SavePolicy(ctx context.Context, p security.SecurityPolicy) error {
	if p.Name == "" {
		return fmt.Errorf("%w: policy name is required", security.ErrInvalidArgument)
	}
	model, err := toPolicyModel(p)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"level", "description", "document", "updated_at"}),
		}).
		Create(&model)
	if result.Error != nil {
		return fmt.Errorf("upserting policy %q: %w", p.Name, result.Error)
	}
	return nil
}

// GetPolicy returns the stored policy or ErrNotFound.
func (r *PolicyRepository) GetPolicy(ctx context.Context, name string) (security.SecurityPolicy, error) {
	var model PolicyModel
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return security.SecurityPolicy{}, fmt.Errorf("%w: policy %q", security.ErrNotFound, name)
	}
	if err != nil {
		return security.SecurityPolicy{}, fmt.Errorf("getting policy %q: %w", name, err)
	}
	return toPolicyDomain(&model)
}

// ListPolicies returns every stored policy ordered by name.
func (r *PolicyRepository) ListPolicies(ctx context.Context) ([]security.SecurityPolicy, error) {
	var models []PolicyModel
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing policies: %w", err)
	}
	policies := make([]security.SecurityPolicy, 0, len(models))
	for i := range models {
		p, err := toPolicyDomain(&models[i])
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// DeletePolicy removes a stored policy. Deleting an unknown name returns ErrNotFound.
func (r *PolicyRepository) DeletePolicy(ctx context.Context, name string) error {
	result := r.db.WithContext(ctx).Where("name = ?", name).Delete(&PolicyModel{})
	if result.Error != nil {
		return fmt.Errorf("deleting policy %q: %w", name, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: policy %q", security.ErrNotFound, name)
	}
	return nil
}
