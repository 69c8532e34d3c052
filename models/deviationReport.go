package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/wms_backend/config"
	"bitbucket.org/mmdatafocus/wms_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DeviationReport aggregates the damaged lines of a goods receipt. It is
// only ever created inside the receipt's submit transaction.
type DeviationReport struct {
	ID             int                   `gorm:"primary_key" json:"id"`
	BusinessId     string                `gorm:"index;not null" json:"business_id"`
	ReportNumber   string                `gorm:"size:50;not null" json:"report_number"`
	GoodsReceiptId int                   `gorm:"index;not null" json:"goods_receipt_id"`
	Status         string                `gorm:"size:20;not null;default:'OPEN'" json:"status"`
	Resolution     string                `gorm:"type:text" json:"resolution"`
	Items          []DeviationReportItem `gorm:"foreignKey:DeviationReportId" json:"items"`
	CreatedAt      time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
}

type DeviationReportItem struct {
	ID                int             `gorm:"primary_key" json:"id"`
	DeviationReportId int             `gorm:"index;not null" json:"deviation_report_id"`
	ItemId            int             `gorm:"index;not null" json:"item_id"`
	DamagedQty        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"damaged_qty"`
	Remark            string          `gorm:"size:255" json:"remark"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

const (
	DeviationStatusOpen     = "OPEN"
	DeviationStatusResolved = "RESOLVED"
)

func createDeviationReportInTx(ctx context.Context, tx *gorm.DB, businessId string, receipt *GoodsReceipt) (*DeviationReport, error) {
	var reportItems []DeviationReportItem
	for _, line := range receipt.Items {
		if line.DamagedQty.Sign() <= 0 {
			continue
		}
		reportItems = append(reportItems, DeviationReportItem{
			ItemId:     line.ItemId,
			DamagedQty: line.DamagedQty,
			Remark:     line.Remark,
		})
	}
	if len(reportItems) == 0 {
		return nil, nil
	}

	reportNumber, err := NextDocumentNumber(tx.WithContext(ctx), businessId, ModuleDeviationReport)
	if err != nil {
		return nil, err
	}
	report := DeviationReport{
		BusinessId:     businessId,
		ReportNumber:   reportNumber,
		GoodsReceiptId: receipt.ID,
		Status:         DeviationStatusOpen,
		Items:          reportItems,
	}
	if err := tx.WithContext(ctx).Create(&report).Error; err != nil {
		return nil, err
	}
	return &report, nil
}

func ResolveDeviationReport(ctx context.Context, id int, resolution string) (*DeviationReport, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	report, err := utils.FetchModel[DeviationReport](ctx, businessId, id, "Items")
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewNotFoundError("deviation report", id)
		}
		return nil, err
	}
	if report.Status == DeviationStatusResolved {
		return nil, utils.NewBusinessRuleError("deviation report %d is already resolved", id)
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&report).
		Updates(map[string]interface{}{
			"Status":     DeviationStatusResolved,
			"Resolution": resolution,
		}).Error; err != nil {
		return nil, err
	}
	return report, nil
}
