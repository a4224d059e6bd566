package reconciliation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/ledger"
	"execution-core/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var tol = tolerance{qty: d("0.00000001"), pricePct: d("0.1")}

func ledgerChild(st common.OrderStatus, qty, filled, avg string) ledger.Child {
	return ledger.Child{ID: "c1", NativeID: "7", Status: st, Quantity: d(qty), FilledQty: d(filled), AvgPrice: d(avg)}
}

func venue(st common.OrderStatus, filled, avg string) observation {
	return observation{state: common.OrderState{NativeID: "7", Status: st, FilledQty: d(filled), AvgPrice: d(avg)}}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		child    ledger.Child
		obs      observation
		matched  bool
		severity Severity
		fields   []string
	}{
		{"identical", ledgerChild(common.StatusNew, "1", "0", "0"), venue(common.StatusNew, "0", "0"), true, "", nil},
		{"within tolerance", ledgerChild(common.StatusFilled, "1", "1", "100"), venue(common.StatusFilled, "1.000000001", "100.05"), true, "", nil},
		{"venue filled ahead", ledgerChild(common.StatusNew, "1", "0", "0"), venue(common.StatusFilled, "1", "100"),
			false, SeverityMedium, []string{"status", "filled_qty"}},
		{"status lag only", ledgerChild(common.StatusNew, "1", "0", "0"), venue(common.StatusCancelled, "0", "0"),
			false, SeverityLow, []string{"status"}},
		{"terminal regression", ledgerChild(common.StatusFilled, "1", "1", "100"), venue(common.StatusCancelled, "1", "100"),
			false, SeverityHigh, []string{"status"}},
		{"partial back to new", ledgerChild(common.StatusPartiallyFilled, "1", "0.5", "100"), venue(common.StatusNew, "0.5", "100"),
			false, SeverityHigh, []string{"status"}},
		{"venue filled less", ledgerChild(common.StatusPartiallyFilled, "1", "0.5", "100"), venue(common.StatusPartiallyFilled, "0.2", "100"),
			false, SeverityHigh, []string{"filled_qty"}},
		{"overfill", ledgerChild(common.StatusPartiallyFilled, "1", "0.5", "100"), venue(common.StatusFilled, "1.5", "100"),
			false, SeverityHigh, []string{"status", "filled_qty"}},
		{"same fill different price", ledgerChild(common.StatusPartiallyFilled, "1", "0.5", "100"), venue(common.StatusPartiallyFilled, "0.5", "101"),
			false, SeverityHigh, []string{"avg_price"}},
		{"missing on venue", ledgerChild(common.StatusNew, "1", "0", "0"), observation{missing: true},
			false, SeverityHigh, []string{"presence"}},
		{"unknown never placed", ledger.Child{ID: "c1", Status: common.StatusUnknown, Quantity: d("1")}, observation{missing: true},
			false, SeverityMedium, []string{"status"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := classify(tc.child, tc.obs, tol)
			assert.Equal(t, tc.matched, v.matched())
			assert.Equal(t, tc.severity, v.severity)
			var fields []string
			for _, df := range v.diffs {
				fields = append(fields, df.Field)
			}
			assert.Equal(t, tc.fields, fields)
			if tc.severity == SeverityHigh {
				assert.Nil(t, v.adopt, "high severity needs an operator")
			}
			if tc.severity == SeverityLow || tc.severity == SeverityMedium {
				require.NotNil(t, v.adopt)
			}
		})
	}
}

func TestClassifyUnknownNeverPlacedAdoptsRejection(t *testing.T) {
	v := classify(ledger.Child{ID: "c9", Status: common.StatusUnknown, Quantity: d("2")}, observation{missing: true}, tol)
	require.NotNil(t, v.adopt)
	assert.Equal(t, common.StatusRejected, v.adopt.Status)
	assert.Equal(t, "c9", v.adopt.ClientID)
	assert.True(t, v.adopt.FilledQty.IsZero())
}
