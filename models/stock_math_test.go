package models

import (
	"testing"

	"bitbucket.org/mmdatafocus/wms_backend/utils"
	"github.com/shopspring/decimal"
)

func TestClassifyLine(t *testing.T) {
	cases := []struct {
		name      string
		requested string
		available string
		want      LineCoverage
	}{
		{"fully covered", "10", "10", LineCoverageFromStock},
		{"over covered", "10", "25", LineCoverageFromStock},
		{"partially covered", "5", "2", LineCoverageBoth},
		{"no stock", "5", "0", LineCoveragePurchaseRequired},
		{"fractional partial", "2.5", "0.5", LineCoverageBoth},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyLine(decimal.RequireFromString(tc.requested), decimal.RequireFromString(tc.available))
			if got != tc.want {
				t.Errorf("classifyLine(%s, %s) = %s, want %s", tc.requested, tc.available, got, tc.want)
			}
		})
	}
}

func TestSortedByKeyOrdersByWarehouseThenItem(t *testing.T) {
	in := []StockRequest{
		{WarehouseId: 2, ItemId: 1, Qty: decimal.NewFromInt(1)},
		{WarehouseId: 1, ItemId: 9, Qty: decimal.NewFromInt(1)},
		{WarehouseId: 1, ItemId: 3, Qty: decimal.NewFromInt(1)},
		{WarehouseId: 2, ItemId: 1, Qty: decimal.NewFromInt(2)},
	}
	sorted := sortedByKey(in, func(r StockRequest) stockKey {
		return stockKey{warehouseId: r.WarehouseId, itemId: r.ItemId}
	})

	wantOrder := []stockKey{{1, 3}, {1, 9}, {2, 1}, {2, 1}}
	for i, req := range sorted {
		got := stockKey{warehouseId: req.WarehouseId, itemId: req.ItemId}
		if got != wantOrder[i] {
			t.Fatalf("position %d: got %+v, want %+v", i, got, wantOrder[i])
		}
	}

	// The input slice must not be reordered.
	if in[0].WarehouseId != 2 || in[0].ItemId != 1 {
		t.Error("sortedByKey mutated its input")
	}
	// Equal keys keep their relative order.
	if !sorted[2].Qty.Equal(decimal.NewFromInt(1)) || !sorted[3].Qty.Equal(decimal.NewFromInt(2)) {
		t.Error("sortedByKey is not stable for equal keys")
	}
}

func TestEffectiveQtyPrefersApprovedQty(t *testing.T) {
	item := MaterialIssueItem{RequestedQty: decimal.NewFromInt(10)}
	if !item.effectiveQty().Equal(decimal.NewFromInt(10)) {
		t.Errorf("no approval: effectiveQty = %s, want 10", item.effectiveQty())
	}

	item.ApprovedQty = decimal.NewFromInt(6)
	if !item.effectiveQty().Equal(decimal.NewFromInt(6)) {
		t.Errorf("approved: effectiveQty = %s, want 6", item.effectiveQty())
	}
}

func TestStorableQtySubtractsDamage(t *testing.T) {
	item := GoodsReceiptItem{
		ReceivedQty: decimal.NewFromInt(100),
		DamagedQty:  decimal.NewFromInt(7),
	}
	if !item.storableQty().Equal(decimal.NewFromInt(93)) {
		t.Errorf("storableQty = %s, want 93", item.storableQty())
	}
}

func TestRealizedLineCostRoundsAtTheCurrencyEdge(t *testing.T) {
	// Moving-average unit costs carry full precision; only the realized
	// line cost is rounded to the currency minor unit.
	qty := decimal.RequireFromString("3")
	avgCost := decimal.RequireFromString("33.3333")

	raw := qty.Mul(avgCost)
	if raw.Equal(utils.RoundToCurrency(raw)) {
		t.Fatalf("test setup: %s should not already be at currency precision", raw)
	}
	if got := utils.RoundToCurrency(raw); !got.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("RoundToCurrency(%s) = %s, want 100.00", raw, got)
	}
}

func TestMovingAverageFoldsIncomingLot(t *testing.T) {
	// 10 units at 5.00 plus 30 units at 7.00 averages to 6.50.
	prior := decimal.NewFromInt(10).Mul(decimal.RequireFromString("5"))
	incoming := decimal.NewFromInt(30).Mul(decimal.RequireFromString("7"))
	newOnHand := decimal.NewFromInt(40)

	avg := prior.Add(incoming).Div(newOnHand)
	if !avg.Equal(decimal.RequireFromString("6.5")) {
		t.Errorf("weighted average = %s, want 6.5", avg)
	}
}
