package env

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// Normalize converts an engine price->quantity mapping into a price-ascending
// series. An empty or nil mapping yields an empty, non-nil series.
func Normalize(m map[int64]int64) domain.Series {
	out := make(domain.Series, 0, len(m))
	for price, qty := range m {
		out = append(out, domain.Level{Price: price, Qty: qty})
	}
	slices.SortFunc(out, func(a, b domain.Level) int {
		return cmp.Compare(a.Price, b.Price)
	})
	return out
}

// NormalizeAll normalizes each book independently, preserving order.
func NormalizeAll(books []domain.Book) []domain.Series {
	out := make([]domain.Series, len(books))
	for i, b := range books {
		out[i] = Normalize(b)
	}
	return out
}

// normalizeWindow normalizes a reset/step frame list and enforces its size.
func normalizeWindow(books []domain.Book) (domain.Window, error) {
	if len(books) != domain.WindowSize {
		return nil, fmt.Errorf("%w: got %d frames, want %d", domain.ErrMalformedWindow, len(books), domain.WindowSize)
	}
	return domain.Window(NormalizeAll(books)), nil
}
