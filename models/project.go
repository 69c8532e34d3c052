package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/wms_backend/config"
	"bitbucket.org/mmdatafocus/wms_backend/utils"
)

// Project is the costing unit documents belong to. A project owns one or
// more warehouses; requisition stock checks look only inside the owning
// project's warehouses.
type Project struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"index;not null" json:"business_id"`
	Name       string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Code       string    `gorm:"size:30" json:"code"`
	IsActive   *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProject struct {
	Name string `json:"name" binding:"required"`
	Code string `json:"code"`
}

// validate input for both create & update. (id = 0 for create)
func (input *NewProject) validate(ctx context.Context, businessId string, id int) error {
	return utils.ValidateUnique[Project](ctx, businessId, "name", input.Name, id)
}

func CreateProject(ctx context.Context, input *NewProject) (*Project, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	project := Project{
		BusinessId: businessId,
		Name:       input.Name,
		Code:       input.Code,
		IsActive:   utils.NewTrue(),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&project).Error; err != nil {
		return nil, err
	}
	return &project, nil
}

func UpdateProject(ctx context.Context, id int, input *NewProject) (*Project, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	project, err := utils.FetchModel[Project](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&project).
		Updates(map[string]interface{}{
			"Name": input.Name,
			"Code": input.Code,
		}).Error; err != nil {
		return nil, err
	}
	return project, nil
}

func GetProject(ctx context.Context, id int) (*Project, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Project](ctx, businessId, id)
}

func GetProjects(ctx context.Context) ([]*Project, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchAllModels[Project](ctx, businessId)
}

// projectWarehouseIds lists the warehouses owned by a project in id order.
func projectWarehouseIds(ctx context.Context, businessId string, projectId int) ([]int, error) {
	var warehouseIds []int
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&Warehouse{}).
		Where("business_id = ? AND project_id = ?", businessId, projectId).
		Order("id").Select("id").Scan(&warehouseIds).Error; err != nil {
		return nil, err
	}
	return warehouseIds, nil
}
