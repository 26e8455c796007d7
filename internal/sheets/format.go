package sheets

import (
	"strconv"

	"carbonsplit/internal/core"
)

// Header is the first row of every exported funding table.
var Header = []string{
	"Project ID",
	"Project",
	"Segmentation",
	"Budget TTC",
	"Funded TTC",
	"Funded %",
	"Tonnage",
	"Carbon price HT",
	"Sub-projects",
}

// Row renders one report line. Undefined budgets and prices are left blank.
func Row(f core.ProjectFunding) []string {
	return []string{
		strconv.FormatInt(f.ProjectID, 10),
		f.Name,
		f.SegmentationName,
		optionalMoney(f.Budget),
		f.Funded.String(),
		f.FundedPercent.StringFixed(2),
		f.Tonnage.String(),
		optionalMoney(f.ActivePriceHT),
		strconv.Itoa(f.ChildProjects),
	}
}

// Table renders the header followed by one row per project.
func Table(rows []core.ProjectFunding) [][]string {
	out := make([][]string, 0, len(rows)+1)
	out = append(out, append([]string(nil), Header...))
	for _, r := range rows {
		out = append(out, Row(r))
	}
	return out
}

func optionalMoney(m *core.Money) string {
	if m == nil {
		return ""
	}
	return m.String()
}
