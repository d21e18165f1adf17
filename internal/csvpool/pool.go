// Package csvpool holds per-file ephemeral in-memory SQL sessions. A
// session is one private sqlite :memory: database loaded from one uploaded
// CSV, created lazily on the first query referencing the file and evicted
// on LRU pressure, idleness, owner logout, or shutdown.
//
// Three caps guard the pool: the per-file source size, the per-file
// in-memory footprint, and the aggregate footprint across all sessions.
// Admission never leaves the aggregate over its cap; eviction and
// insertion happen under one lock. Loading the CSV happens outside the
// lock, so a slow blob fetch never stalls other files' queries.
package csvpool

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/fault"
	"github.com/custard-io/custard/internal/metrics"
	"github.com/custard-io/custard/internal/wire"
)

// Limits are the pool's admission caps. Zero values are replaced by the
// defaults below.
type Limits struct {
	// MaxSourceBytes caps the CSV source size per file. A source of
	// exactly this size is admitted; one byte over is rejected.
	MaxSourceBytes int64

	// MaxSessionBytes caps one session's estimated in-memory footprint.
	MaxSessionBytes int64

	// MaxPoolBytes caps the aggregate footprint. Admission evicts
	// least-recently-used sessions until the new one fits.
	MaxPoolBytes int64

	// IdleTTL is how long an unused session survives before the sweep
	// evicts it.
	IdleTTL time.Duration
}

// DefaultLimits are applied where Limits fields are zero.
var DefaultLimits = Limits{
	MaxSourceBytes:  50 << 20,  // 50 MiB per CSV
	MaxSessionBytes: 128 << 20, // 128 MiB per session
	MaxPoolBytes:    512 << 20, // 512 MiB across all sessions
	IdleTTL:         30 * time.Minute,
}

// FileOpener fetches the CSV bytes for a file the pool is admitting.
// Implemented over the file repository plus the blob store.
type FileOpener interface {
	OpenFile(ctx context.Context, fileID uuid.UUID) (io.ReadCloser, error)
}

// Pool manages the sessions. Safe for concurrent use. The zero value is
// not usable — create instances with New.
type Pool struct {
	mu         sync.Mutex
	sessions   map[uuid.UUID]*session
	totalBytes int64

	limits Limits
	opener FileOpener
	logger *zap.Logger
}

// New creates a Pool.
func New(opener FileOpener, limits Limits, logger *zap.Logger) *Pool {
	if limits.MaxSourceBytes <= 0 {
		limits.MaxSourceBytes = DefaultLimits.MaxSourceBytes
	}
	if limits.MaxSessionBytes <= 0 {
		limits.MaxSessionBytes = DefaultLimits.MaxSessionBytes
	}
	if limits.MaxPoolBytes <= 0 {
		limits.MaxPoolBytes = DefaultLimits.MaxPoolBytes
	}
	if limits.IdleTTL <= 0 {
		limits.IdleTTL = DefaultLimits.IdleTTL
	}
	return &Pool{
		sessions: make(map[uuid.UUID]*session),
		limits:   limits,
		opener:   opener,
		logger:   logger.Named("csvpool"),
	}
}

// TableName returns the deterministic table name a file's rows are loaded
// under: "csv_" plus the file ID with dashes flattened. The LLM prompt and
// the loader derive it independently and must agree.
func TableName(fileID uuid.UUID) string {
	return "csv_" + strings.ReplaceAll(fileID.String(), "-", "_")
}

// Describe returns the table name and column list for a file, admitting it
// first if needed. The orchestrator uses this to build the schema shown to
// the LLM.
func (p *Pool) Describe(ctx context.Context, fileID, ownerID uuid.UUID) (table string, columns []wire.Column, err error) {
	s, err := p.acquire(ctx, fileID, ownerID)
	if err != nil {
		return "", nil, err
	}
	return s.table, s.columns, nil
}

// Query runs one SQL statement against the file's session, admitting the
// file first if needed. Rows are returned as wire values so the result
// shape matches agent-backed queries.
func (p *Pool) Query(ctx context.Context, fileID, ownerID uuid.UUID, sqlText string) (columns []string, rows [][]wire.Value, err error) {
	s, err := p.acquire(ctx, fileID, ownerID)
	if err != nil {
		return nil, nil, err
	}
	return s.query(ctx, sqlText)
}

// acquire returns the live session for fileID, admitting the file if no
// session exists. The load happens outside the pool lock; a concurrent
// admit of the same file may win the race, in which case the loser's
// freshly built session is discarded.
func (p *Pool) acquire(ctx context.Context, fileID, ownerID uuid.UUID) (*session, error) {
	p.mu.Lock()
	if s, ok := p.sessions[fileID]; ok {
		s.touch()
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	s, err := p.load(ctx, fileID, ownerID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.sessions[fileID]; ok {
		p.mu.Unlock()
		s.close()
		existing.touch()
		return existing, nil
	}

	// Make room. Evict least-recently-used sessions until the newcomer
	// fits under the aggregate cap.
	for p.totalBytes+s.footprint > p.limits.MaxPoolBytes {
		victim := p.lruLocked()
		if victim == nil {
			// Pool empty and still over cap: the session alone exceeds the
			// aggregate cap. Per-session cap should have caught this, but
			// guard anyway.
			p.mu.Unlock()
			s.close()
			return nil, fault.Newf(fault.CodeTooLarge, "file %s exceeds the pool capacity", fileID)
		}
		p.evictLocked(victim, "lru")
	}

	p.sessions[fileID] = s
	p.totalBytes += s.footprint
	metrics.CSVPoolBytes.Set(float64(p.totalBytes))
	p.mu.Unlock()

	p.logger.Info("csv session admitted",
		zap.String("file_id", fileID.String()),
		zap.String("table", s.table),
		zap.Int64("footprint_bytes", s.footprint),
		zap.Int("rows", s.rowCount),
	)
	return s, nil
}

// lruLocked returns the least-recently-used session. Caller holds p.mu.
func (p *Pool) lruLocked() *session {
	var victim *session
	for _, s := range p.sessions {
		if victim == nil || s.lastUsed().Before(victim.lastUsed()) {
			victim = s
		}
	}
	return victim
}

// evictLocked removes a session from the pool and closes it. Caller holds
// p.mu.
func (p *Pool) evictLocked(s *session, reason string) {
	delete(p.sessions, s.fileID)
	p.totalBytes -= s.footprint
	metrics.CSVPoolBytes.Set(float64(p.totalBytes))
	s.close()

	p.logger.Info("csv session evicted",
		zap.String("file_id", s.fileID.String()),
		zap.String("reason", reason),
		zap.Int64("footprint_bytes", s.footprint),
	)
}

// Release drops the session for a file, if any. Called when the file
// record is deleted.
func (p *Pool) Release(fileID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[fileID]; ok {
		p.evictLocked(s, "released")
	}
}

// ReleaseOwner drops every session belonging to a user. Called on logout.
func (p *Pool) ReleaseOwner(ownerID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if s.ownerID == ownerID {
			p.evictLocked(s, "owner logout")
		}
	}
}

// SweepIdle evicts sessions unused for longer than the idle TTL. Called
// periodically by the scheduler; returns the number evicted.
func (p *Pool) SweepIdle() int {
	cutoff := time.Now().Add(-p.limits.IdleTTL)

	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.sessions {
		if s.lastUsed().Before(cutoff) {
			p.evictLocked(s, "idle")
			n++
		}
	}
	return n
}

// Shutdown releases every session. Called once during graceful shutdown.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		delete(p.sessions, s.fileID)
		s.close()
	}
	p.totalBytes = 0
	metrics.CSVPoolBytes.Set(0)
	p.logger.Info("csv pool shut down")
}

// Stats reports the pool's current occupancy. Intended for health
// endpoints and tests.
func (p *Pool) Stats() (sessions int, bytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions), p.totalBytes
}

// sourceTooLarge builds the rejection fault for an oversized CSV.
func sourceTooLarge(fileID uuid.UUID, limit int64) error {
	return fault.Newf(fault.CodeTooLarge,
		"file %s exceeds the %d byte CSV limit", fileID, limit)
}
