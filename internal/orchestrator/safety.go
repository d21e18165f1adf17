package orchestrator

import (
	"regexp"

	"github.com/custard-io/custard/internal/fault"
)

// denylist is the set of SQL verbs that must never reach an execution
// backend. Matching is word-boundary and case-insensitive, so "UPDATE"
// embedded in a column name like "last_updated" does not trip it but a
// trailing "; DROP TABLE x" does.
var denylist = regexp.MustCompile(`(?i)\b(drop|delete|insert|update|alter|truncate|create|grant|revoke|attach|detach|vacuum|pragma|replace|merge)\b`)

// checkSQL rejects statements containing a denylisted verb. Every piece of
// generated SQL passes through here before dispatch; the check runs on the
// gateway regardless of what the agent would enforce.
func checkSQL(sql string) error {
	if m := denylist.FindString(sql); m != "" {
		return fault.Newf(fault.CodeUnsafeQuery, "generated SQL contains forbidden verb %q", m)
	}
	return nil
}
