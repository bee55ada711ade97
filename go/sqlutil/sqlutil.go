// Package sqlutil contains helpers for building SQL statements.
package sqlutil

import (
	"strconv"
	"strings"
)

// ValuesPlaceholders returns a set of SQL placeholder numbers grouped for use
// in an INSERT statement. For example, ValuesPlaceholders(2, 3) returns
// ($1,$2),($3,$4),($5,$6). It panics if either param is <= 0.
func ValuesPlaceholders(valuesPerRow, numRows int) string {
	if valuesPerRow <= 0 || numRows <= 0 {
		panic("Cannot make ValuesPlaceholders with 0 rows or 0 values per row")
	}
	values := strings.Builder{}
	values.Grow(5 * valuesPerRow * numRows)
	for argIdx := 1; argIdx <= valuesPerRow*numRows; argIdx += valuesPerRow {
		if argIdx != 1 {
			_, _ = values.WriteString(",")
		}
		_, _ = values.WriteString("(")
		for i := 0; i < valuesPerRow; i++ {
			if i != 0 {
				_, _ = values.WriteString(",")
			}
			_, _ = values.WriteString("$")
			_, _ = values.WriteString(strconv.Itoa(argIdx + i))
		}
		_, _ = values.WriteString(")")
	}
	return values.String()
}

// InPlaceholders returns placeholders $start..$start+n-1 joined by commas,
// for use in an IN (...) clause.
func InPlaceholders(n, start int) string {
	b := strings.Builder{}
	for i := 0; i < n; i++ {
		if i != 0 {
			b.WriteString(",")
		}
		b.WriteString("$")
		b.WriteString(strconv.Itoa(start + i))
	}
	return b.String()
}
