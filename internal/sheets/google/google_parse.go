package google

import (
	"fmt"
	"strings"

	ports "carbonsplit/internal/sheets"
)

// lastColumn is the A1 letter of the last report column.
func lastColumn() string {
	return columnName(len(ports.Header))
}

// columnName converts a 1-based column index to its A1 letters.
func columnName(n int) string {
	var b []byte
	for n > 0 {
		n--
		b = append([]byte{byte('A' + n%26)}, b...)
		n /= 26
	}
	return string(b)
}

func toValues(table [][]string) [][]any {
	out := make([][]any, len(table))
	for i, row := range table {
		vals := make([]any, len(row))
		for j, v := range row {
			vals[j] = v
		}
		out[i] = vals
	}
	return out
}

// fromValues flattens API cells to trimmed strings and drops empty rows.
func fromValues(values [][]any) [][]string {
	var out [][]string
	for _, row := range values {
		cols := toStrings(row)
		empty := true
		for _, c := range cols {
			if c != "" {
				empty = false
				break
			}
		}
		if empty {
			continue
		}
		out = append(out, cols)
	}
	return out
}

func toStrings(in []any) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}
