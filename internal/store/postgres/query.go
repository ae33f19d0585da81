package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// listQuery appends time-range filters, ordering and pagination from opts to
// a base SELECT. base must already contain a WHERE clause.
func listQuery(base, timeCol string, opts domain.ListOpts, args []any) (string, []any) {
	var b strings.Builder
	b.WriteString(base)

	if opts.Since != nil {
		args = append(args, *opts.Since)
		fmt.Fprintf(&b, " AND %s >= $%d", timeCol, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		fmt.Fprintf(&b, " AND %s <= $%d", timeCol, len(args))
	}
	fmt.Fprintf(&b, " ORDER BY %s DESC", timeCol)
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}
