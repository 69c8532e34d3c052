package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/wms_backend/config"
	"bitbucket.org/mmdatafocus/wms_backend/utils"
	"gorm.io/gorm"
)

// InspectionRequest asks quality control to look at a flagged goods
// receipt before its stock is stored. Created inside the receipt's submit
// transaction.
type InspectionRequest struct {
	ID             int       `gorm:"primary_key" json:"id"`
	BusinessId     string    `gorm:"index;not null" json:"business_id"`
	RequestNumber  string    `gorm:"size:50;not null" json:"request_number"`
	GoodsReceiptId int       `gorm:"index;not null" json:"goods_receipt_id"`
	Status         string    `gorm:"size:20;not null;default:'OPEN'" json:"status"`
	Findings       string    `gorm:"type:text" json:"findings"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

const (
	InspectionStatusOpen   = "OPEN"
	InspectionStatusClosed = "CLOSED"
)

func createInspectionRequestInTx(ctx context.Context, tx *gorm.DB, businessId string, receiptId int) (*InspectionRequest, error) {
	requestNumber, err := NextDocumentNumber(tx.WithContext(ctx), businessId, ModuleInspectionRequest)
	if err != nil {
		return nil, err
	}
	request := InspectionRequest{
		BusinessId:     businessId,
		RequestNumber:  requestNumber,
		GoodsReceiptId: receiptId,
		Status:         InspectionStatusOpen,
	}
	if err := tx.WithContext(ctx).Create(&request).Error; err != nil {
		return nil, err
	}
	return &request, nil
}

func CloseInspectionRequest(ctx context.Context, id int, findings string) (*InspectionRequest, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	request, err := utils.FetchModel[InspectionRequest](ctx, businessId, id)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewNotFoundError("inspection request", id)
		}
		return nil, err
	}
	if request.Status == InspectionStatusClosed {
		return nil, utils.NewBusinessRuleError("inspection request %d is already closed", id)
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&request).
		Updates(map[string]interface{}{
			"Status":   InspectionStatusClosed,
			"Findings": findings,
		}).Error; err != nil {
		return nil, err
	}
	return request, nil
}
