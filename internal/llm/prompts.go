package llm

import (
	"fmt"
	"strings"

	"github.com/custard-io/custard/internal/wire"
)

func sqlSystemPrompt(dialect string) string {
	return fmt.Sprintf(`You are a SQL generator for a %s database.
Rules:
- Output exactly one SELECT statement and nothing else. No explanation, no markdown.
- Only reference tables and columns that appear in the provided schema.
- Never write INSERT, UPDATE, DELETE, DROP, ALTER, CREATE, TRUNCATE, GRANT or REVOKE.
- Prefer explicit column lists over SELECT *.
- Use LIMIT when the question does not ask for a full listing.`, dialect)
}

func sqlUserPrompt(question string, tables []wire.Table) string {
	var b strings.Builder
	b.WriteString("Schema:\n")
	for _, t := range tables {
		fmt.Fprintf(&b, "- %s(", t.Name)
		for i, col := range t.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s %s", col.Name, col.Type)
			if col.Nullable {
				b.WriteString(" NULL")
			}
		}
		b.WriteString(")\n")
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n", question)
	return b.String()
}

const classifierSystemPrompt = `You decide which data service should answer a user's question.
Reply with a JSON object: {"service": "<one of the offered services>", "reasoning": "<one sentence>", "confidence": <0.0-1.0>}.
Guidance:
- "agent_sql" runs SQL against the user's connected database.
- "csv_sql" runs SQL against an uploaded CSV file; pick it for filtering, joining, grouping or aggregating CSV data.
- "csv_analytic" computes summary statistics over an uploaded CSV file; pick it for questions about distributions, counts of missing values, or general descriptions of the data.`

func classifierUserPrompt(question string, candidates []string) string {
	return fmt.Sprintf("Offered services: %s\n\nQuestion: %s\n",
		strings.Join(candidates, ", "), question)
}

const summarySystemPrompt = `You explain query results to a non-technical user.
Rules:
- Answer the user's question directly in one to three sentences, using the result data.
- Quote concrete numbers from the results.
- Do not mention SQL, tables, or that a query was run unless the user asked about them.
- If the result set is empty, say that no matching data was found.`

func summaryUserPrompt(question, sql, resultTable string) string {
	return fmt.Sprintf("Question: %s\n\nQuery that was executed:\n%s\n\nResults:\n%s\n",
		question, sql, resultTable)
}
