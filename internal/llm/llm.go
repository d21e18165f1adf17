// Package llm is the gateway's language-model collaborator: it turns a
// natural-language question plus a schema into SQL, classifies which data
// source a question should be routed to, and writes the final answer text
// from a result set.
//
// The Client interface keeps the orchestrator independent of the provider;
// the shipped implementation speaks the OpenAI-compatible chat completions
// API, which covers OpenAI, OpenRouter, and self-hosted gateways.
package llm

import (
	"context"

	"github.com/custard-io/custard/internal/wire"
)

// Routing is the classifier's verdict on where a question should run.
// Service is one of the route names understood by the orchestrator.
type Routing struct {
	Service    string  `json:"service"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
}

// Client is the surface the orchestrator depends on. Every call carries a
// deadline via ctx; exceeding it returns a fault with code llm_timeout.
type Client interface {
	// GenerateSQL writes a single read-only SELECT statement answering the
	// question against the given schema. dialect names the SQL flavour,
	// e.g. "postgresql" or "sqlite".
	GenerateSQL(ctx context.Context, question string, tables []wire.Table, dialect string) (string, error)

	// ClassifyDataSource picks one of candidates as the route for the
	// question. candidates is never empty.
	ClassifyDataSource(ctx context.Context, question string, candidates []string) (Routing, error)

	// Summarize writes the user-facing answer from the executed SQL and a
	// plain-text rendering of the result rows.
	Summarize(ctx context.Context, question, sql, resultTable string) (string, error)
}
