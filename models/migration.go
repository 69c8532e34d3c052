package models

import (
	"log"

	"bitbucket.org/mmdatafocus/wms_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Project{}, &Warehouse{}, &Item{}, &User{},
		&StockLevel{},
		&Requisition{}, &RequisitionItem{},
		&MaterialIssue{}, &MaterialIssueItem{},
		&GoodsReceipt{}, &GoodsReceiptItem{},
		&JobOrder{}, &JobOrderComponent{},
		&StockTransfer{}, &StockTransferItem{},
		&GatePass{}, &GatePassItem{},
		&DeviationReport{}, &DeviationReportItem{},
		&InspectionRequest{},
		&DocumentNumberSeries{},
		&EventRecord{}, &AuditLog{}, &IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
