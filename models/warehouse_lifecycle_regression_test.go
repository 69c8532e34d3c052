package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/wms_backend/config"
	"bitbucket.org/mmdatafocus/wms_backend/models"
	"bitbucket.org/mmdatafocus/wms_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// setupWarehouseTestEnv spins up throwaway MySQL and Redis containers,
// connects the config globals to them and returns a context carrying a
// fresh tenant and test user.
func setupWarehouseTestEnv(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "wms_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetBusinessIdInContext(ctx, uuid.NewString())
	return ctx
}

func mustBusinessId(t *testing.T, ctx context.Context) string {
	t.Helper()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		t.Fatal("test context has no business id")
	}
	return businessId
}

func createTestProject(t *testing.T, ctx context.Context, name string) *models.Project {
	t.Helper()
	project, err := models.CreateProject(ctx, &models.NewProject{Name: name})
	if err != nil {
		t.Fatalf("CreateProject(%s): %v", name, err)
	}
	return project
}

func createTestWarehouse(t *testing.T, ctx context.Context, projectId int, name string) *models.Warehouse {
	t.Helper()
	warehouse, err := models.CreateWarehouse(ctx, &models.NewWarehouse{ProjectId: projectId, Name: name})
	if err != nil {
		t.Fatalf("CreateWarehouse(%s): %v", name, err)
	}
	return warehouse
}

func createTestItem(t *testing.T, ctx context.Context, name string, unitCost string) *models.Item {
	t.Helper()
	item, err := models.CreateItem(ctx, &models.NewItem{
		Name:     name,
		Sku:      strings.ToUpper(strings.ReplaceAll(name, " ", "-")),
		Unit:     "pcs",
		UnitCost: decimal.RequireFromString(unitCost),
	})
	if err != nil {
		t.Fatalf("CreateItem(%s): %v", name, err)
	}
	return item
}

// seedStock writes directly to the ledger so tests can arrange opening
// positions without walking a goods receipt through its lifecycle.
func seedStock(t *testing.T, ctx context.Context, warehouseId, itemId int, qty, unitCost string) {
	t.Helper()
	businessId := mustBusinessId(t, ctx)
	tx := config.GetDB().WithContext(ctx).Begin()
	if _, err := models.AddStock(tx, businessId, warehouseId, itemId,
		decimal.RequireFromString(qty), decimal.RequireFromString(unitCost)); err != nil {
		tx.Rollback()
		t.Fatalf("AddStock: %v", err)
	}
	if err := tx.Commit().Error; err != nil {
		t.Fatalf("commit seed stock: %v", err)
	}
}

func fetchStockLevel(t *testing.T, ctx context.Context, warehouseId, itemId int) *models.StockLevel {
	t.Helper()
	level, err := models.GetStockLevel(ctx, warehouseId, itemId)
	if err != nil {
		t.Fatalf("GetStockLevel(w=%d i=%d): %v", warehouseId, itemId, err)
	}
	return level
}

func wantDecimal(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Errorf("%s = %s, want %s", label, got, want)
	}
}

func TestGoodsReceiptStoresStockAtMovingAverage(t *testing.T) {
	ctx := setupWarehouseTestEnv(t)

	project := createTestProject(t, ctx, "Tower A")
	warehouse := createTestWarehouse(t, ctx, project.ID, "Site Store")
	cement := createTestItem(t, ctx, "Cement Bag", "6000")

	storeReceipt := func(qty, unitCost string) *models.GoodsReceipt {
		receipt, err := models.CreateGoodsReceipt(ctx, &models.NewGoodsReceipt{
			ProjectId:    project.ID,
			WarehouseId:  warehouse.ID,
			SupplierName: "Acme Cement",
			Items: []models.NewGoodsReceiptItem{
				{ItemId: cement.ID, ReceivedQty: decimal.RequireFromString(qty), UnitCost: decimal.RequireFromString(unitCost)},
			},
		})
		if err != nil {
			t.Fatalf("CreateGoodsReceipt: %v", err)
		}
		if _, err := models.SubmitGoodsReceipt(ctx, receipt.ID); err != nil {
			t.Fatalf("SubmitGoodsReceipt: %v", err)
		}
		stored, err := models.StoreGoodsReceipt(ctx, receipt.ID)
		if err != nil {
			t.Fatalf("StoreGoodsReceipt: %v", err)
		}
		if stored.CurrentStatus != models.StatusStored {
			t.Fatalf("receipt status = %s, want stored", stored.CurrentStatus)
		}
		return stored
	}

	storeReceipt("10", "5")
	level := fetchStockLevel(t, ctx, warehouse.ID, cement.ID)
	wantDecimal(t, "on hand after first receipt", level.OnHandQty, "10")
	wantDecimal(t, "unit cost after first receipt", level.UnitCost, "5")

	// A second lot at a higher cost moves the average: (10*5 + 30*7) / 40.
	storeReceipt("30", "7")
	level = fetchStockLevel(t, ctx, warehouse.ID, cement.ID)
	wantDecimal(t, "on hand after second receipt", level.OnHandQty, "40")
	wantDecimal(t, "unit cost after second receipt", level.UnitCost, "6.5")
}

func TestGoodsReceiptWithDamageOpensDeviationReport(t *testing.T) {
	ctx := setupWarehouseTestEnv(t)

	project := createTestProject(t, ctx, "Tower B")
	warehouse := createTestWarehouse(t, ctx, project.ID, "Main Store")
	rebar := createTestItem(t, ctx, "Rebar 12mm", "4500")

	receipt, err := models.CreateGoodsReceipt(ctx, &models.NewGoodsReceipt{
		ProjectId:          project.ID,
		WarehouseId:        warehouse.ID,
		SupplierName:       "Steel Bros",
		RequiresInspection: utils.NewTrue(),
		Items: []models.NewGoodsReceiptItem{
			{
				ItemId:      rebar.ID,
				ReceivedQty: decimal.RequireFromString("100"),
				DamagedQty:  decimal.RequireFromString("7"),
				UnitCost:    decimal.RequireFromString("4500"),
				Remark:      "bent bundle",
			},
		},
	})
	if err != nil {
		t.Fatalf("CreateGoodsReceipt: %v", err)
	}

	submitted, err := models.SubmitGoodsReceipt(ctx, receipt.ID)
	if err != nil {
		t.Fatalf("SubmitGoodsReceipt: %v", err)
	}
	if submitted.DeviationReportId == nil {
		t.Fatal("damaged lines should open a deviation report at submit")
	}
	if submitted.InspectionRequestId == nil {
		t.Fatal("requires_inspection should open an inspection request at submit")
	}

	// Inspection path: pending -> inspecting -> stored.
	if _, err := models.ReviewGoodsReceipt(ctx, receipt.ID); err != nil {
		t.Fatalf("ReviewGoodsReceipt: %v", err)
	}
	if _, err := models.StoreGoodsReceipt(ctx, receipt.ID); err != nil {
		t.Fatalf("StoreGoodsReceipt: %v", err)
	}

	// Only the undamaged quantity reaches the ledger.
	level := fetchStockLevel(t, ctx, warehouse.ID, rebar.ID)
	wantDecimal(t, "on hand", level.OnHandQty, "93")

	report, err := models.ResolveDeviationReport(ctx, *submitted.DeviationReportId, "supplier credited 7 units")
	if err != nil {
		t.Fatalf("ResolveDeviationReport: %v", err)
	}
	if report.Status != models.DeviationStatusResolved {
		t.Errorf("deviation status = %s, want resolved", report.Status)
	}

	request, err := models.CloseInspectionRequest(ctx, *submitted.InspectionRequestId, "within tolerance")
	if err != nil {
		t.Fatalf("CloseInspectionRequest: %v", err)
	}
	if request.Status != models.InspectionStatusClosed {
		t.Errorf("inspection status = %s, want closed", request.Status)
	}
}

func TestRequisitionConversionAllocatesAcrossWarehouses(t *testing.T) {
	ctx := setupWarehouseTestEnv(t)

	project := createTestProject(t, ctx, "Bridge Site")
	first := createTestWarehouse(t, ctx, project.ID, "Store One")
	second := createTestWarehouse(t, ctx, project.ID, "Store Two")
	sand := createTestItem(t, ctx, "Sand", "300")
	gravel := createTestItem(t, ctx, "Gravel", "450")

	// Sand: 10 needed, 6 + 4 available across the project warehouses.
	// Gravel: 5 needed, only 2 available.
	seedStock(t, ctx, first.ID, sand.ID, "6", "300")
	seedStock(t, ctx, second.ID, sand.ID, "4", "310")
	seedStock(t, ctx, first.ID, gravel.ID, "2", "450")

	requisition, err := models.CreateRequisition(ctx, &models.NewRequisition{
		ProjectId: project.ID,
		Items: []models.NewRequisitionItem{
			{ItemId: sand.ID, RequestedQty: decimal.RequireFromString("10")},
			{ItemId: gravel.ID, RequestedQty: decimal.RequireFromString("5")},
		},
	})
	if err != nil {
		t.Fatalf("CreateRequisition: %v", err)
	}
	if _, err := models.SubmitRequisition(ctx, requisition.ID); err != nil {
		t.Fatalf("SubmitRequisition: %v", err)
	}
	if _, err := models.ApproveRequisition(ctx, requisition.ID); err != nil {
		t.Fatalf("ApproveRequisition: %v", err)
	}

	checks, err := models.CheckRequisitionStock(ctx, requisition.ID)
	if err != nil {
		t.Fatalf("CheckRequisitionStock: %v", err)
	}
	coverageByItem := make(map[int]models.LineCoverage, len(checks))
	for _, check := range checks {
		coverageByItem[check.ItemId] = check.Coverage
	}
	if coverageByItem[sand.ID] != models.LineCoverageFromStock {
		t.Errorf("sand coverage = %s, want from_stock", coverageByItem[sand.ID])
	}
	if coverageByItem[gravel.ID] != models.LineCoverageBoth {
		t.Errorf("gravel coverage = %s, want both", coverageByItem[gravel.ID])
	}

	converted, err := models.ConvertRequisitionToMaterialIssue(ctx, requisition.ID)
	if err != nil {
		t.Fatalf("ConvertRequisitionToMaterialIssue: %v", err)
	}
	// One uncovered line is enough to route the whole requisition to
	// purchasing.
	if converted.CurrentStatus != models.StatusNeedsPurchase {
		t.Fatalf("requisition status = %s, want needs_purchase", converted.CurrentStatus)
	}
	if converted.MaterialIssueId == nil {
		t.Fatal("conversion with coverable quantities should create a material issue")
	}

	issue, err := models.GetMaterialIssue(ctx, *converted.MaterialIssueId)
	if err != nil {
		t.Fatalf("GetMaterialIssue: %v", err)
	}
	// Sand splits 6 from the first warehouse and 4 from the second; gravel
	// takes the 2 that exist.
	type allocation struct {
		warehouseId int
		qty         string
	}
	wantLines := map[int][]allocation{
		sand.ID:   {{first.ID, "6"}, {second.ID, "4"}},
		gravel.ID: {{first.ID, "2"}},
	}
	gotLines := make(map[int][]allocation)
	for _, line := range issue.Items {
		gotLines[line.ItemId] = append(gotLines[line.ItemId], allocation{line.WarehouseId, line.RequestedQty.String()})
	}
	for itemId, want := range wantLines {
		got := gotLines[itemId]
		if len(got) != len(want) {
			t.Fatalf("item %d: got %d issue lines, want %d", itemId, len(got), len(want))
		}
		for i := range want {
			if got[i].warehouseId != want[i].warehouseId || !decimal.RequireFromString(got[i].qty).Equal(decimal.RequireFromString(want[i].qty)) {
				t.Errorf("item %d line %d: got %+v, want %+v", itemId, i, got[i], want[i])
			}
		}
	}
}

func TestMaterialIssueReservesIssuesAndOpensGatePass(t *testing.T) {
	ctx := setupWarehouseTestEnv(t)

	project := createTestProject(t, ctx, "Plant Room")
	warehouse := createTestWarehouse(t, ctx, project.ID, "Store")
	pipe := createTestItem(t, ctx, "PVC Pipe", "4")

	seedStock(t, ctx, warehouse.ID, pipe.ID, "100", "4")

	issue, err := models.CreateMaterialIssue(ctx, &models.NewMaterialIssue{
		ProjectId: project.ID,
		Items: []models.NewMaterialIssueItem{
			{ItemId: pipe.ID, WarehouseId: warehouse.ID, RequestedQty: decimal.RequireFromString("10")},
		},
	})
	if err != nil {
		t.Fatalf("CreateMaterialIssue: %v", err)
	}
	if _, err := models.SubmitMaterialIssue(ctx, issue.ID); err != nil {
		t.Fatalf("SubmitMaterialIssue: %v", err)
	}

	approved, err := models.ApproveMaterialIssue(ctx, issue.ID, nil)
	if err != nil {
		t.Fatalf("ApproveMaterialIssue: %v", err)
	}
	if approved.Reservation != models.ReservationStatusReserved {
		t.Fatalf("reservation = %s, want reserved", approved.Reservation)
	}
	if approved.LastReservation == nil || !approved.LastReservation.Success {
		t.Fatal("expected a successful reservation result")
	}

	level := fetchStockLevel(t, ctx, warehouse.ID, pipe.ID)
	wantDecimal(t, "reserved after approval", level.ReservedQty, "10")
	wantDecimal(t, "on hand after approval", level.OnHandQty, "100")

	issued, err := models.IssueMaterialIssue(ctx, issue.ID)
	if err != nil {
		t.Fatalf("IssueMaterialIssue: %v", err)
	}
	if issued.CurrentStatus != models.StatusIssued {
		t.Fatalf("status = %s, want issued", issued.CurrentStatus)
	}
	if issued.Reservation != models.ReservationStatusReleased {
		t.Errorf("reservation = %s, want released", issued.Reservation)
	}
	wantDecimal(t, "total cost", issued.TotalCost, "40")
	if issued.GatePassId == nil {
		t.Fatal("issuing should open a gate pass")
	}

	level = fetchStockLevel(t, ctx, warehouse.ID, pipe.ID)
	wantDecimal(t, "on hand after issue", level.OnHandQty, "90")
	wantDecimal(t, "reserved after issue", level.ReservedQty, "0")

	pass, err := models.GetGatePass(ctx, *issued.GatePassId)
	if err != nil {
		t.Fatalf("GetGatePass: %v", err)
	}
	if pass.CurrentStatus != models.StatusPending {
		t.Fatalf("gate pass status = %s, want pending", pass.CurrentStatus)
	}
	if len(pass.Items) != 1 || !pass.Items[0].Qty.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("gate pass lines = %+v, want one line of 10", pass.Items)
	}

	if _, err := models.SetGatePassDetails(ctx, pass.ID, "Site Foreman", "1A-2345"); err != nil {
		t.Fatalf("SetGatePassDetails: %v", err)
	}
	if _, err := models.ApproveGatePass(ctx, pass.ID); err != nil {
		t.Fatalf("ApproveGatePass: %v", err)
	}
	if _, err := models.CloseGatePass(ctx, pass.ID); err != nil {
		t.Fatalf("CloseGatePass: %v", err)
	}
	if _, err := models.CompleteMaterialIssue(ctx, issue.ID); err != nil {
		t.Fatalf("CompleteMaterialIssue: %v", err)
	}
}

func TestApprovalSurvivesShortageButIssueDoesNot(t *testing.T) {
	ctx := setupWarehouseTestEnv(t)

	project := createTestProject(t, ctx, "Annex")
	warehouse := createTestWarehouse(t, ctx, project.ID, "Store")
	cable := createTestItem(t, ctx, "Cable Drum", "900")

	seedStock(t, ctx, warehouse.ID, cable.ID, "100", "900")

	issue, err := models.CreateMaterialIssue(ctx, &models.NewMaterialIssue{
		ProjectId: project.ID,
		Items: []models.NewMaterialIssueItem{
			{ItemId: cable.ID, WarehouseId: warehouse.ID, RequestedQty: decimal.RequireFromString("200")},
		},
	})
	if err != nil {
		t.Fatalf("CreateMaterialIssue: %v", err)
	}
	if _, err := models.SubmitMaterialIssue(ctx, issue.ID); err != nil {
		t.Fatalf("SubmitMaterialIssue: %v", err)
	}

	// Shortage does not block approval; it is reported as data.
	approved, err := models.ApproveMaterialIssue(ctx, issue.ID, nil)
	if err != nil {
		t.Fatalf("ApproveMaterialIssue: %v", err)
	}
	if approved.CurrentStatus != models.StatusApproved {
		t.Fatalf("status = %s, want approved", approved.CurrentStatus)
	}
	if approved.Reservation != models.ReservationStatusNone {
		t.Errorf("reservation = %s, want none", approved.Reservation)
	}
	if approved.LastReservation == nil || approved.LastReservation.Success {
		t.Fatal("expected a failed reservation result")
	}
	if len(approved.LastReservation.FailedItems) != 1 || approved.LastReservation.FailedItems[0] != cable.ID {
		t.Errorf("failed items = %v, want [%d]", approved.LastReservation.FailedItems, cable.ID)
	}

	// Nothing was reserved.
	level := fetchStockLevel(t, ctx, warehouse.ID, cable.ID)
	wantDecimal(t, "reserved after failed reservation", level.ReservedQty, "0")

	// Issue re-checks strictly and refuses.
	_, err = models.IssueMaterialIssue(ctx, issue.ID)
	if err == nil {
		t.Fatal("issuing without stock should fail")
	}
	if !utils.IsBusinessRule(err) {
		t.Errorf("expected BusinessRuleError, got %T: %v", err, err)
	}
}

func TestReservationBatchIsAllOrNothing(t *testing.T) {
	ctx := setupWarehouseTestEnv(t)

	project := createTestProject(t, ctx, "Depot")
	warehouse := createTestWarehouse(t, ctx, project.ID, "Store")
	bolts := createTestItem(t, ctx, "Bolts", "10")
	nuts := createTestItem(t, ctx, "Nuts", "5")

	seedStock(t, ctx, warehouse.ID, bolts.ID, "50", "10")
	seedStock(t, ctx, warehouse.ID, nuts.ID, "1", "5")

	issue, err := models.CreateMaterialIssue(ctx, &models.NewMaterialIssue{
		ProjectId: project.ID,
		Items: []models.NewMaterialIssueItem{
			{ItemId: bolts.ID, WarehouseId: warehouse.ID, RequestedQty: decimal.RequireFromString("20")},
			{ItemId: nuts.ID, WarehouseId: warehouse.ID, RequestedQty: decimal.RequireFromString("20")},
		},
	})
	if err != nil {
		t.Fatalf("CreateMaterialIssue: %v", err)
	}
	if _, err := models.SubmitMaterialIssue(ctx, issue.ID); err != nil {
		t.Fatalf("SubmitMaterialIssue: %v", err)
	}
	approved, err := models.ApproveMaterialIssue(ctx, issue.ID, nil)
	if err != nil {
		t.Fatalf("ApproveMaterialIssue: %v", err)
	}
	if approved.Reservation != models.ReservationStatusNone {
		t.Fatalf("reservation = %s, want none", approved.Reservation)
	}

	// The coverable line must not be partially reserved.
	level := fetchStockLevel(t, ctx, warehouse.ID, bolts.ID)
	wantDecimal(t, "bolts reserved", level.ReservedQty, "0")
}

func TestPartialConsumeLeavesRemainderReserved(t *testing.T) {
	ctx := setupWarehouseTestEnv(t)
	businessId := mustBusinessId(t, ctx)

	project := createTestProject(t, ctx, "Depot")
	warehouse := createTestWarehouse(t, ctx, project.ID, "Store")
	pipes := createTestItem(t, ctx, "Pipes", "4")

	seedStock(t, ctx, warehouse.ID, pipes.ID, "100", "4")

	// Reserved quantity never leaves [0, onHand] through the sequence.
	checkInvariant := func(step string) *models.StockLevel {
		level := fetchStockLevel(t, ctx, warehouse.ID, pipes.ID)
		if level.ReservedQty.Sign() < 0 || level.ReservedQty.GreaterThan(level.OnHandQty) {
			t.Fatalf("%s: reserved %s outside [0, %s]", step, level.ReservedQty, level.OnHandQty)
		}
		return level
	}

	tx := config.GetDB().WithContext(ctx).Begin()
	result, err := models.ReserveStockBatch(tx, businessId, []models.StockRequest{
		{ItemId: pipes.ID, WarehouseId: warehouse.ID, Qty: decimal.RequireFromString("10")},
	})
	if err != nil {
		tx.Rollback()
		t.Fatalf("ReserveStockBatch: %v", err)
	}
	if !result.Success {
		tx.Rollback()
		t.Fatalf("ReserveStockBatch failed: %+v", result.FailedItems)
	}
	if err := tx.Commit().Error; err != nil {
		t.Fatalf("commit reserve: %v", err)
	}

	level := checkInvariant("after reserve")
	wantDecimal(t, "on hand after reserve", level.OnHandQty, "100")
	wantDecimal(t, "reserved after reserve", level.ReservedQty, "10")
	wantDecimal(t, "available after reserve", level.AvailableQty(), "90")

	// Consume less than was reserved; the remainder stays held.
	tx = config.GetDB().WithContext(ctx).Begin()
	consumed, err := models.ConsumeReservationBatch(tx, businessId, []models.StockConsumption{
		{ItemId: pipes.ID, WarehouseId: warehouse.ID, Qty: decimal.RequireFromString("8"), LineRef: 1},
	})
	if err != nil {
		tx.Rollback()
		t.Fatalf("ConsumeReservationBatch: %v", err)
	}
	if err := tx.Commit().Error; err != nil {
		t.Fatalf("commit consume: %v", err)
	}
	wantDecimal(t, "consumed total cost", consumed.TotalCost, "32")

	level = checkInvariant("after partial consume")
	wantDecimal(t, "on hand after consume", level.OnHandQty, "92")
	wantDecimal(t, "reserved after consume", level.ReservedQty, "2")

	// Release the leftover reservation.
	tx = config.GetDB().WithContext(ctx).Begin()
	if err := models.ReleaseReservation(tx, businessId, warehouse.ID, pipes.ID, decimal.RequireFromString("2")); err != nil {
		tx.Rollback()
		t.Fatalf("ReleaseReservation: %v", err)
	}
	if err := tx.Commit().Error; err != nil {
		t.Fatalf("commit release: %v", err)
	}

	level = checkInvariant("after release")
	wantDecimal(t, "on hand after release", level.OnHandQty, "92")
	wantDecimal(t, "reserved after release", level.ReservedQty, "0")
	wantDecimal(t, "available after release", level.AvailableQty(), "92")
}

func TestCancellingReservedDocumentReleasesStock(t *testing.T) {
	ctx := setupWarehouseTestEnv(t)

	project := createTestProject(t, ctx, "Yard")
	warehouse := createTestWarehouse(t, ctx, project.ID, "Store")
	paint := createTestItem(t, ctx, "Paint Tin", "25")

	seedStock(t, ctx, warehouse.ID, paint.ID, "30", "25")

	issue, err := models.CreateMaterialIssue(ctx, &models.NewMaterialIssue{
		ProjectId: project.ID,
		Items: []models.NewMaterialIssueItem{
			{ItemId: paint.ID, WarehouseId: warehouse.ID, RequestedQty: decimal.RequireFromString("12")},
		},
	})
	if err != nil {
		t.Fatalf("CreateMaterialIssue: %v", err)
	}
	if _, err := models.SubmitMaterialIssue(ctx, issue.ID); err != nil {
		t.Fatalf("SubmitMaterialIssue: %v", err)
	}
	if _, err := models.ApproveMaterialIssue(ctx, issue.ID, nil); err != nil {
		t.Fatalf("ApproveMaterialIssue: %v", err)
	}

	cancelled, wasReserved, err := models.CancelMaterialIssue(ctx, issue.ID)
	if err != nil {
		t.Fatalf("CancelMaterialIssue: %v", err)
	}
	if !wasReserved {
		t.Error("cancelling an approved issue should report the released reservation")
	}
	if cancelled.CurrentStatus != models.StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.CurrentStatus)
	}

	level := fetchStockLevel(t, ctx, warehouse.ID, paint.ID)
	wantDecimal(t, "reserved after cancel", level.ReservedQty, "0")
	wantDecimal(t, "on hand after cancel", level.OnHandQty, "30")
}

func TestStockTransferMovesQuantityAndCost(t *testing.T) {
	ctx := setupWarehouseTestEnv(t)

	project := createTestProject(t, ctx, "Two Sites")
	source := createTestWarehouse(t, ctx, project.ID, "North Store")
	destination := createTestWarehouse(t, ctx, project.ID, "South Store")
	brick := createTestItem(t, ctx, "Brick", "2")

	seedStock(t, ctx, source.ID, brick.ID, "50", "2")

	transfer, err := models.CreateStockTransfer(ctx, &models.NewStockTransfer{
		SourceWarehouseId:      source.ID,
		DestinationWarehouseId: destination.ID,
		Items: []models.NewStockTransferItem{
			{ItemId: brick.ID, TransferQty: decimal.RequireFromString("20")},
		},
	})
	if err != nil {
		t.Fatalf("CreateStockTransfer: %v", err)
	}
	if _, err := models.SubmitStockTransfer(ctx, transfer.ID); err != nil {
		t.Fatalf("SubmitStockTransfer: %v", err)
	}
	if _, err := models.ApproveStockTransfer(ctx, transfer.ID); err != nil {
		t.Fatalf("ApproveStockTransfer: %v", err)
	}

	dispatched, err := models.DispatchStockTransfer(ctx, transfer.ID)
	if err != nil {
		t.Fatalf("DispatchStockTransfer: %v", err)
	}
	if dispatched.CurrentStatus != models.StatusInTransit {
		t.Fatalf("status = %s, want in_transit", dispatched.CurrentStatus)
	}
	wantDecimal(t, "transfer total cost", dispatched.TotalCost, "40")
	if len(dispatched.Items) != 1 {
		t.Fatalf("transfer lines = %d, want 1", len(dispatched.Items))
	}
	wantDecimal(t, "realized unit cost", dispatched.Items[0].UnitCost, "2")

	sourceLevel := fetchStockLevel(t, ctx, source.ID, brick.ID)
	wantDecimal(t, "source on hand after dispatch", sourceLevel.OnHandQty, "30")
	wantDecimal(t, "source reserved after dispatch", sourceLevel.ReservedQty, "0")

	received, err := models.ReceiveStockTransfer(ctx, transfer.ID)
	if err != nil {
		t.Fatalf("ReceiveStockTransfer: %v", err)
	}
	if received.CurrentStatus != models.StatusReceived {
		t.Fatalf("status = %s, want received", received.CurrentStatus)
	}

	destinationLevel := fetchStockLevel(t, ctx, destination.ID, brick.ID)
	wantDecimal(t, "destination on hand", destinationLevel.OnHandQty, "20")
	wantDecimal(t, "destination unit cost", destinationLevel.UnitCost, "2")

	// Conservation: quantity only moved, it was never created or lost.
	total := sourceLevel.OnHandQty.Add(destinationLevel.OnHandQty)
	wantDecimal(t, "total on hand across warehouses", total, "50")
}

func TestJobOrderConsumesComponentsAtRealizedCost(t *testing.T) {
	ctx := setupWarehouseTestEnv(t)

	project := createTestProject(t, ctx, "Fabrication")
	warehouse := createTestWarehouse(t, ctx, project.ID, "Store")
	plate := createTestItem(t, ctx, "Steel Plate", "3")

	seedStock(t, ctx, warehouse.ID, plate.ID, "10", "3")

	order, err := models.CreateJobOrder(ctx, &models.NewJobOrder{
		ProjectId:   project.ID,
		Description: "window frames",
		Components: []models.NewJobOrderComponent{
			{ItemId: plate.ID, WarehouseId: warehouse.ID, RequiredQty: decimal.RequireFromString("4")},
		},
	})
	if err != nil {
		t.Fatalf("CreateJobOrder: %v", err)
	}
	if _, err := models.SubmitJobOrder(ctx, order.ID); err != nil {
		t.Fatalf("SubmitJobOrder: %v", err)
	}
	approved, err := models.ApproveJobOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("ApproveJobOrder: %v", err)
	}
	if approved.Reservation != models.ReservationStatusReserved {
		t.Fatalf("reservation = %s, want reserved", approved.Reservation)
	}
	if _, err := models.StartJobOrder(ctx, order.ID); err != nil {
		t.Fatalf("StartJobOrder: %v", err)
	}

	completed, err := models.CompleteJobOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("CompleteJobOrder: %v", err)
	}
	if completed.CurrentStatus != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", completed.CurrentStatus)
	}
	wantDecimal(t, "job order total cost", completed.TotalCost, "12")
	if len(completed.Components) != 1 {
		t.Fatalf("components = %d, want 1", len(completed.Components))
	}
	wantDecimal(t, "consumed qty", completed.Components[0].ConsumedQty, "4")

	level := fetchStockLevel(t, ctx, warehouse.ID, plate.ID)
	wantDecimal(t, "on hand after completion", level.OnHandQty, "6")
	wantDecimal(t, "reserved after completion", level.ReservedQty, "0")
}

func TestConcurrentApprovalHasOneWinner(t *testing.T) {
	ctx := setupWarehouseTestEnv(t)

	project := createTestProject(t, ctx, "Race")
	warehouse := createTestWarehouse(t, ctx, project.ID, "Store")
	wire := createTestItem(t, ctx, "Wire Roll", "80")

	seedStock(t, ctx, warehouse.ID, wire.ID, "10", "80")

	issue, err := models.CreateMaterialIssue(ctx, &models.NewMaterialIssue{
		ProjectId: project.ID,
		Items: []models.NewMaterialIssueItem{
			{ItemId: wire.ID, WarehouseId: warehouse.ID, RequestedQty: decimal.RequireFromString("5")},
		},
	})
	if err != nil {
		t.Fatalf("CreateMaterialIssue: %v", err)
	}
	if _, err := models.SubmitMaterialIssue(ctx, issue.ID); err != nil {
		t.Fatalf("SubmitMaterialIssue: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := models.ApproveMaterialIssue(ctx, issue.ID, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, transitionRejected int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case utils.IsInvalidTransition(err):
			transitionRejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || transitionRejected != 1 {
		t.Fatalf("got %d successes and %d transition rejections, want exactly one of each", succeeded, transitionRejected)
	}

	// The reservation was taken exactly once.
	level := fetchStockLevel(t, ctx, warehouse.ID, wire.ID)
	wantDecimal(t, "reserved", level.ReservedQty, "5")
}

func TestTrimmedApprovalIssuesApprovedQuantity(t *testing.T) {
	ctx := setupWarehouseTestEnv(t)

	project := createTestProject(t, ctx, "Finishing")
	warehouse := createTestWarehouse(t, ctx, project.ID, "Store")
	tile := createTestItem(t, ctx, "Floor Tile", "12")

	seedStock(t, ctx, warehouse.ID, tile.ID, "100", "12")

	issue, err := models.CreateMaterialIssue(ctx, &models.NewMaterialIssue{
		ProjectId: project.ID,
		Items: []models.NewMaterialIssueItem{
			{ItemId: tile.ID, WarehouseId: warehouse.ID, RequestedQty: decimal.RequireFromString("10")},
		},
	})
	if err != nil {
		t.Fatalf("CreateMaterialIssue: %v", err)
	}
	if _, err := models.SubmitMaterialIssue(ctx, issue.ID); err != nil {
		t.Fatalf("SubmitMaterialIssue: %v", err)
	}

	fetched, err := models.GetMaterialIssue(ctx, issue.ID)
	if err != nil {
		t.Fatalf("GetMaterialIssue: %v", err)
	}
	approval := &models.MaterialIssueApproval{
		Items: []models.MaterialIssueApprovalItem{
			{LineId: fetched.Items[0].ID, ApprovedQty: decimal.RequireFromString("8")},
		},
	}
	if _, err := models.ApproveMaterialIssue(ctx, issue.ID, approval); err != nil {
		t.Fatalf("ApproveMaterialIssue: %v", err)
	}

	level := fetchStockLevel(t, ctx, warehouse.ID, tile.ID)
	wantDecimal(t, "reserved after trimmed approval", level.ReservedQty, "8")

	issued, err := models.IssueMaterialIssue(ctx, issue.ID)
	if err != nil {
		t.Fatalf("IssueMaterialIssue: %v", err)
	}
	wantDecimal(t, "issued qty", issued.Items[0].IssuedQty, "8")
	wantDecimal(t, "total cost", issued.TotalCost, "96")

	level = fetchStockLevel(t, ctx, warehouse.ID, tile.ID)
	wantDecimal(t, "on hand after issue", level.OnHandQty, "92")
	wantDecimal(t, "reserved after issue", level.ReservedQty, "0")
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("wms-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("wms-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=wms_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
