package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/wms_backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentNumberSeries hands out sequential document numbers per module per
// business. NextNumber is advanced under a row lock so two documents created
// concurrently can never share a number.
type DocumentNumberSeries struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"index;not null;uniqueIndex:idx_doc_series_key,priority:1" json:"business_id"`
	ModuleName string    `gorm:"size:30;not null;uniqueIndex:idx_doc_series_key,priority:2" json:"module_name"`
	Prefix     string    `gorm:"size:10" json:"prefix"`
	NextNumber int       `gorm:"not null;default:1" json:"next_number"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

var defaultDocumentPrefixes = map[string]string{
	ModuleRequisition:       "REQ",
	ModuleGoodsReceipt:      "GRN",
	ModuleMaterialIssue:     "MIS",
	ModuleJobOrder:          "JOB",
	ModuleStockTransfer:     "STN",
	ModuleGatePass:          "GTP",
	ModuleDeviationReport:   "DVR",
	ModuleInspectionRequest: "INR",
}

// NextDocumentNumber allocates the next number for a module inside the
// caller's transaction, formatted as PREFIX-000001.
func NextDocumentNumber(tx *gorm.DB, businessId string, moduleName string) (string, error) {
	series := DocumentNumberSeries{
		BusinessId: businessId,
		ModuleName: moduleName,
		Prefix:     documentPrefix(businessId, moduleName),
		NextNumber: 1,
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND module_name = ?", businessId, moduleName).
		FirstOrCreate(&series).Error; err != nil {
		return "", err
	}
	if err := tx.Exec(
		"UPDATE document_number_series SET next_number = next_number + 1 WHERE id = ?",
		series.ID,
	).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%06d", series.Prefix, series.NextNumber), nil
}

// documentPrefix resolves a module's prefix through redis, falling back to
// the defaults when the business has not customized its series.
func documentPrefix(businessId string, moduleName string) string {
	prefixes := make(map[string]string)
	redisKey := "docPrefixMap:" + businessId
	exists, err := config.GetRedisObject(redisKey, &prefixes)
	if err != nil || !exists {
		return defaultDocumentPrefixes[moduleName]
	}
	prefix, ok := prefixes[moduleName]
	if !ok || prefix == "" {
		return defaultDocumentPrefixes[moduleName]
	}
	return prefix
}

// SetDocumentPrefixes replaces a business's prefix overrides and refreshes
// the redis cache.
func SetDocumentPrefixes(ctx context.Context, businessId string, prefixes map[string]string) error {
	db := config.GetDB()
	for moduleName, prefix := range prefixes {
		if err := db.WithContext(ctx).Model(&DocumentNumberSeries{}).
			Where("business_id = ? AND module_name = ?", businessId, moduleName).
			Update("prefix", prefix).Error; err != nil {
			return err
		}
	}
	redisKey := "docPrefixMap:" + businessId
	return config.SetRedisObject(redisKey, &prefixes, 0)
}
