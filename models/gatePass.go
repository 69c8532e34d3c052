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

// GatePass authorizes issued goods to physically leave the premises. It is
// born pending inside the creating material issue's transaction; there is
// no draft step because the pass never exists without issued goods behind
// it.
type GatePass struct {
	ID              int            `gorm:"primary_key" json:"id"`
	BusinessId      string         `gorm:"index;not null" json:"business_id"`
	PassNumber      string         `gorm:"size:50;not null" json:"pass_number"`
	MaterialIssueId int            `gorm:"index;not null" json:"material_issue_id"`
	CurrentStatus   DocumentStatus `gorm:"size:30;not null;index" json:"current_status"`
	IssuedTo        string         `gorm:"size:255" json:"issued_to"`
	VehicleNumber   string         `gorm:"size:50" json:"vehicle_number"`
	Items           []GatePassItem `gorm:"foreignKey:GatePassId" json:"items"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

type GatePassItem struct {
	ID         int             `gorm:"primary_key" json:"id"`
	GatePassId int             `gorm:"index;not null" json:"gate_pass_id"`
	ItemId     int             `gorm:"index;not null" json:"item_id"`
	Qty        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (obj GatePass) GetId() int {
	return obj.ID
}

// createGatePassInTx copies the issue's effective lines onto a pending
// gate pass inside the issue transaction.
func createGatePassInTx(ctx context.Context, tx *gorm.DB, businessId string, issue *MaterialIssue) (*GatePass, error) {
	passNumber, err := NextDocumentNumber(tx.WithContext(ctx), businessId, ModuleGatePass)
	if err != nil {
		return nil, err
	}

	passItems := make([]GatePassItem, 0, len(issue.Items))
	for _, item := range issue.Items {
		passItems = append(passItems, GatePassItem{
			ItemId: item.ItemId,
			Qty:    item.effectiveQty(),
		})
	}

	gatePass := GatePass{
		BusinessId:      businessId,
		PassNumber:      passNumber,
		MaterialIssueId: issue.ID,
		CurrentStatus:   StatusPending,
		Items:           passItems,
	}
	if err := tx.WithContext(ctx).Create(&gatePass).Error; err != nil {
		return nil, err
	}
	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), gatePass.ID, DocumentTypeGatePass, gatePass, nil, DocumentEventActionCreate); err != nil {
		return nil, err
	}
	return &gatePass, nil
}

func transitionGatePass(ctx context.Context, id int, toStatus DocumentStatus) (*GatePass, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	tx := db.Begin()
	gatePass, err := utils.FetchModelForUpdate[GatePass](tx.WithContext(ctx), businessId, id, "Items")
	if err != nil {
		tx.Rollback()
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewNotFoundError("gate pass", id)
		}
		return nil, err
	}

	fromStatus := gatePass.CurrentStatus
	if err := transitionRules.AssertTransition(DocumentTypeGatePass, fromStatus, toStatus); err != nil {
		tx.Rollback()
		return nil, err
	}

	oldGatePass := *gatePass
	if err := tx.WithContext(ctx).Model(&gatePass).
		Update("CurrentStatus", toStatus).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	gatePass.CurrentStatus = toStatus

	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), gatePass.ID, DocumentTypeGatePass, gatePass, oldGatePass, DocumentEventActionTransition); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	EnqueueAuditLog(ctx, AuditActionTransition, gatePass.ID, DocumentTypeGatePass, fromStatus, toStatus, oldGatePass, gatePass)
	return gatePass, nil
}

func ApproveGatePass(ctx context.Context, id int) (*GatePass, error) {
	return transitionGatePass(ctx, id, StatusApproved)
}

// CloseGatePass records that the goods have left the premises.
func CloseGatePass(ctx context.Context, id int) (*GatePass, error) {
	return transitionGatePass(ctx, id, StatusClosed)
}

func CancelGatePass(ctx context.Context, id int) (*GatePass, error) {
	return transitionGatePass(ctx, id, StatusCancelled)
}

// SetGatePassDetails fills in the carrier fields before approval.
func SetGatePassDetails(ctx context.Context, id int, issuedTo string, vehicleNumber string) (*GatePass, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	gatePass, err := utils.FetchModel[GatePass](ctx, businessId, id, "Items")
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewNotFoundError("gate pass", id)
		}
		return nil, err
	}
	if gatePass.CurrentStatus != StatusPending {
		return nil, utils.NewBusinessRuleError("gate pass %d can only be edited while pending", id)
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&gatePass).
		Updates(map[string]interface{}{
			"IssuedTo":      issuedTo,
			"VehicleNumber": vehicleNumber,
		}).Error; err != nil {
		return nil, err
	}
	return gatePass, nil
}

func GetGatePass(ctx context.Context, id int) (*GatePass, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	gatePass, err := utils.FetchModel[GatePass](ctx, businessId, id, "Items")
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewNotFoundError("gate pass", id)
		}
		return nil, err
	}
	return gatePass, nil
}
