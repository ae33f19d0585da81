package domain

// WindowSize is the number of order-book frames returned by Reset and Step.
const WindowSize = 5

// Book is one time frame of resting quantity keyed by price tick, as the
// engine produces it: buy levels 1-3 and sell levels 1-3.
type Book map[int64]int64

// Fills maps an execution price to the quantity filled at that price.
type Fills map[int64]int64

// Level is a single price+quantity entry of a normalized series.
type Level struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// Series is a price-ascending, key-unique list of levels.
type Series []Level

// TotalQty sums quantity over every level.
func (s Series) TotalQty() int64 {
	var total int64
	for _, l := range s {
		total += l.Qty
	}
	return total
}

// Window is the chronological (oldest first) list of the last WindowSize
// normalized frames.
type Window []Series
