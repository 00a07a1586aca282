package partition

import (
	"github.com/baldanca/sales-etl/record"
)

// Class is the output class of a record. Every record maps to exactly one.
type Class uint8

const (
	ClassRegular Class = iota
	ClassHighValue
)

// Classes lists all classes in stable order.
func Classes() []Class {
	return []Class{ClassRegular, ClassHighValue}
}

func (c Class) String() string {
	switch c {
	case ClassRegular:
		return "regular"
	case ClassHighValue:
		return "high-value"
	default:
		return "unknown"
	}
}

// Partitioner classifies records by amount. Strictly above the threshold is
// HighValue; at or below it is Regular. Pure function of the record and the
// threshold, so re-running the same input yields the same classes.
type Partitioner struct {
	HighValueThreshold float64
}

func (p Partitioner) Classify(r record.EnrichedRecord) Class {
	if r.Amount > p.HighValueThreshold {
		return ClassHighValue
	}
	return ClassRegular
}
