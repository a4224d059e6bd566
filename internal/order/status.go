package order

import (
	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

// ExecutedQty sums fills over the children that consume the logical
// quantity.
func ExecutedQty(o LogicalOrder) decimal.Decimal {
	sum := decimal.Zero
	for _, c := range o.Children {
		if c.Role.CountsTowardQuantity() {
			sum = sum.Add(c.FilledQty)
		}
	}
	return sum
}

// committedQty is the quantity that is filled or still resting, i.e. what
// the plan can no longer hand out.
func committedQty(o LogicalOrder) decimal.Decimal {
	sum := decimal.Zero
	for _, c := range o.Children {
		if !c.Role.CountsTowardQuantity() {
			continue
		}
		if c.Status.Live() {
			sum = sum.Add(c.Quantity)
		} else {
			sum = sum.Add(c.FilledQty)
		}
	}
	return sum
}

// DeriveStatus computes the status of o from its children and plan state.
func DeriveStatus(o LogicalOrder) Status {
	if len(o.Children) == 0 && !o.Plan.Started {
		if o.Plan.Cancelled {
			return StatusCancelled
		}
		return StatusPending
	}
	live := false
	rejected := false
	for _, c := range o.Children {
		if c.Status.Live() {
			live = true
		}
		if c.Status == common.StatusRejected {
			rejected = true
		}
	}
	if live || (hasPendingActions(o) && !o.Plan.Cancelled && !o.Plan.Halted) {
		return StatusWorking
	}

	if complete(o) {
		return StatusFilled
	}
	executed := ExecutedQty(o).IsPositive()
	switch {
	case o.Plan.Cancelled:
		if executed {
			return StatusPartiallyCancelled
		}
		return StatusCancelled
	case rejected:
		if executed {
			return StatusPartiallyCancelled
		}
		return StatusFailed
	case executed:
		return StatusPartiallyCancelled
	default:
		return StatusCancelled
	}
}

// hasPendingActions reports whether the plan still intends to send
// children.
func hasPendingActions(o LogicalOrder) bool {
	switch o.Type {
	case TypeTWAP, TypeVWAP:
		return o.Plan.NextSlice < len(o.Plan.SliceSizes)
	case TypeIceberg:
		return ExecutedQty(o).LessThan(o.Quantity)
	case TypeBracket:
		entry := o.byRole(RoleEntry)
		return entry != nil && entry.Status.Terminal() && entry.FilledQty.IsPositive() && !o.Plan.ProtectionPlaced
	case TypeTrailingStop:
		return !o.Plan.Triggered
	}
	return false
}

func complete(o LogicalOrder) bool {
	switch o.Type {
	case TypeBracket:
		entry := o.byRole(RoleEntry)
		if entry == nil || !entry.FilledQty.IsPositive() {
			return false
		}
		for _, c := range o.Children {
			if (c.Role == RoleTakeProfit || c.Role == RoleStopLoss) && c.Status == common.StatusFilled {
				return true
			}
		}
		return false
	case TypeOCO:
		for _, c := range o.Children {
			if c.Role == RoleLeg && c.Status == common.StatusFilled {
				return true
			}
		}
		return false
	}
	return ExecutedQty(o).GreaterThanOrEqual(o.Quantity)
}
