// Package analytic computes summary statistics over an uploaded CSV
// without loading it into the SQL pool. It serves the questions the SQL
// route is a poor fit for: distributions, missing values, and general
// descriptions of the data.
package analytic

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/csvpool"
	"github.com/custard-io/custard/internal/fault"
)

// ColumnProfile is the per-column statistics block.
type ColumnProfile struct {
	Name     string  `json:"name"`
	Kind     string  `json:"kind"` // "numeric" or "text"
	NonNull  int     `json:"non_null"`
	Missing  int     `json:"missing"`
	Distinct int     `json:"distinct"`
	Min      float64 `json:"min,omitempty"`
	Max      float64 `json:"max,omitempty"`
	Mean     float64 `json:"mean,omitempty"`
}

// Profile is the full summary of one CSV file.
type Profile struct {
	FileID   uuid.UUID       `json:"file_id"`
	RowCount int             `json:"row_count"`
	Columns  []ColumnProfile `json:"columns"`
}

// Engine profiles CSV files fetched through a FileOpener.
type Engine struct {
	opener csvpool.FileOpener
	logger *zap.Logger
}

// NewEngine creates an Engine.
func NewEngine(opener csvpool.FileOpener, logger *zap.Logger) *Engine {
	return &Engine{opener: opener, logger: logger.Named("analytic")}
}

// distinctTrackLimit caps the per-column distinct-value set. Past this the
// distinct count is reported as the limit; exact cardinality of
// high-cardinality columns is not worth the memory.
const distinctTrackLimit = 10000

// Profile streams the CSV once and computes the summary.
func (e *Engine) Profile(ctx context.Context, fileID uuid.UUID) (Profile, error) {
	src, err := e.opener.OpenFile(ctx, fileID)
	if err != nil {
		return Profile{}, err
	}
	defer src.Close()

	reader := csv.NewReader(src)
	header, err := reader.Read()
	if err != nil {
		return Profile{}, fault.Wrap(fault.CodeInternal, "csv file is empty or unreadable", err)
	}

	type colState struct {
		nonNull  int
		missing  int
		distinct map[string]struct{}
		numeric  bool
		sum      float64
		min      float64
		max      float64
	}
	states := make([]colState, len(header))
	for i := range states {
		states[i] = colState{
			distinct: make(map[string]struct{}),
			numeric:  true,
			min:      math.Inf(1),
			max:      math.Inf(-1),
		}
	}

	rows := 0
	for {
		if err := ctx.Err(); err != nil {
			return Profile{}, err
		}
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Profile{}, fault.Wrap(fault.CodeInternal, "csv file is malformed", err)
		}
		rows++
		for i := range states {
			st := &states[i]
			if i >= len(rec) || rec[i] == "" {
				st.missing++
				continue
			}
			st.nonNull++
			if len(st.distinct) < distinctTrackLimit {
				st.distinct[rec[i]] = struct{}{}
			}
			if st.numeric {
				f, err := strconv.ParseFloat(rec[i], 64)
				if err != nil {
					st.numeric = false
					continue
				}
				st.sum += f
				st.min = math.Min(st.min, f)
				st.max = math.Max(st.max, f)
			}
		}
	}

	profile := Profile{FileID: fileID, RowCount: rows, Columns: make([]ColumnProfile, len(header))}
	for i, name := range header {
		st := &states[i]
		col := ColumnProfile{
			Name:     strings.TrimSpace(name),
			Kind:     "text",
			NonNull:  st.nonNull,
			Missing:  st.missing,
			Distinct: len(st.distinct),
		}
		if st.numeric && st.nonNull > 0 {
			col.Kind = "numeric"
			col.Min = st.min
			col.Max = st.max
			col.Mean = st.sum / float64(st.nonNull)
		}
		profile.Columns[i] = col
	}
	return profile, nil
}

// Render writes the profile as plain text for the LLM summarizer.
func (p Profile) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rows: %d\n", p.RowCount)
	for _, c := range p.Columns {
		fmt.Fprintf(&b, "%s (%s): non_null=%d missing=%d distinct=%d",
			c.Name, c.Kind, c.NonNull, c.Missing, c.Distinct)
		if c.Kind == "numeric" {
			fmt.Fprintf(&b, " min=%g max=%g mean=%.4g", c.Min, c.Max, c.Mean)
		}
		b.WriteString("\n")
	}
	return b.String()
}
