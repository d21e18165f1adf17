package orchestrator

import (
	"fmt"
	"strings"

	"github.com/custard-io/custard/internal/wire"
)

// summaryRowLimit caps how many result rows are shown to the LLM when
// writing the answer. Enough to answer any aggregate question; large raw
// listings only waste the prompt.
const summaryRowLimit = 50

// renderTable writes a result set as plain pipe-separated text for the
// summary prompt.
func renderTable(cols []string, rows [][]wire.Value) string {
	var b strings.Builder
	b.WriteString(strings.Join(cols, " | "))
	b.WriteString("\n")

	shown := rows
	if len(shown) > summaryRowLimit {
		shown = shown[:summaryRowLimit]
	}
	for _, row := range shown {
		for i, v := range row {
			if i > 0 {
				b.WriteString(" | ")
			}
			b.WriteString(renderValue(v))
		}
		b.WriteString("\n")
	}
	if len(rows) > summaryRowLimit {
		fmt.Fprintf(&b, "... (%d more rows)\n", len(rows)-summaryRowLimit)
	}
	if len(rows) == 0 {
		b.WriteString("(no rows)\n")
	}
	return b.String()
}

func renderValue(v wire.Value) string {
	if v.IsNull() {
		return "NULL"
	}
	switch x := v.Any().(type) {
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(x))
	default:
		return fmt.Sprint(x)
	}
}
