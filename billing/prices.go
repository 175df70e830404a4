package billing

import (
	"fmt"
	"sort"

	"github.com/danitaetsu/buvle/ledger"
)

// PriceTable maps what a student owes for a period. Monthly prices are
// keyed by plan size (credits per month); amounts are minor units.
type PriceTable struct {
	Currency   string
	Monthly    map[int]int64
	Enrollment int64
}

// DefaultPriceTable is used when no prices are configured.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		Currency: "eur",
		Monthly: map[int]int64{
			4:  4000,
			8:  7000,
			12: 9500,
		},
		Enrollment: 3000,
	}
}

// AmountFor returns the price of period for a student on planSize.
func (pt PriceTable) AmountFor(planSize int, period ledger.Period) (ledger.Money, error) {
	switch period.Kind {
	case ledger.PeriodEnrollment:
		if pt.Enrollment <= 0 {
			return ledger.Money{}, fmt.Errorf("%w: no enrollment fee configured", ledger.ErrUnknownPlan)
		}
		return ledger.NewMoney(pt.Enrollment, pt.Currency), nil
	case ledger.PeriodMonthly:
		amount, ok := pt.Monthly[planSize]
		if !ok || amount <= 0 {
			return ledger.Money{}, fmt.Errorf("%w: no price for %d classes per month", ledger.ErrUnknownPlan, planSize)
		}
		return ledger.NewMoney(amount, pt.Currency), nil
	}
	return ledger.Money{}, fmt.Errorf("%w: unknown period kind %q", ledger.ErrInvalidRequest, period.Kind)
}

// PlanSizes returns the plan sizes with a price, ascending.
func (pt PriceTable) PlanSizes() []int {
	sizes := make([]int, 0, len(pt.Monthly))
	for size := range pt.Monthly {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)
	return sizes
}
