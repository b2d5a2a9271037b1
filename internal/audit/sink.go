package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
	"golang.org/x/sync/errgroup"
)

const (
	defaultQueueSize = 4096
	defaultWorkers   = 2
)

// Config configures a Sink.
type Config struct {
	Dir       string // audit directory; created if missing
	QueueSize int    // default 4096
	Workers   int    // default 2, per spec §5's "small dedicated thread pool (size ≈ 2)"
	Rules     RiskRuleSet
}

// Sink is the audit pipeline's event queue and dual writer: every event
// is enqueued non-blockingly and drained by a small worker pool into both
// an append-only LDJSON file and an embedded SQL store (spec §4.6).
type Sink struct {
	ch      chan Event
	dropped atomic.Int64
	rules   RiskRuleSet

	fileMu sync.Mutex
	file   *os.File
	db     *sql.DB

	startedAt time.Time

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New opens (or creates) the audit directory's log file and embedded
// store and starts the drain worker pool. Call Close to flush and stop.
func New(cfg Config) (*Sink, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(cfg.Dir, "audit.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open log file: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+filepath.Join(cfg.Dir, "audit.db")+"?cache=shared&_pragma=foreign_keys(1)")
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	if err := initSchema(db); err != nil {
		file.Close()
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	s := &Sink{
		ch:        make(chan Event, cfg.QueueSize),
		rules:     cfg.Rules,
		file:      file,
		db:        db,
		startedAt: time.Now(),
		cancel:    cancel,
		group:     group,
	}

	for i := 0; i < cfg.Workers; i++ {
		group.Go(func() error {
			s.drainLoop(groupCtx)
			return nil
		})
	}

	return s, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	timestamp DATETIME NOT NULL,
	event_type TEXT NOT NULL,
	level TEXT NOT NULL,
	user_id TEXT,
	session_id TEXT,
	ip_address TEXT,
	user_agent TEXT,
	resource TEXT,
	action TEXT NOT NULL,
	details TEXT,
	success INTEGER NOT NULL,
	risk_score INTEGER NOT NULL,
	compliance_flags TEXT,
	category TEXT,
	data_hash TEXT,
	response_time_ms INTEGER,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_user_id ON audit_events(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_events(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_risk_score ON audit_events(risk_score);
`)
	return err
}

// LogEvent scores, stamps, and enqueues one event. It never blocks: if the
// queue is full, the oldest pending event is discarded to make room and the
// drop counter is incremented (spec §4.6: "the caller never blocks on audit").
func (s *Sink) LogEvent(in LogInput) Event {
	analysis := s.rules.analyze(in.DataContent)
	ev := Event{
		ID:              generateEventID(),
		Timestamp:       time.Now().UTC(),
		EventType:       in.EventType,
		Level:           in.Level,
		UserID:          in.UserID,
		SessionID:       in.SessionID,
		IPAddress:       in.IPAddress,
		UserAgent:       in.UserAgent,
		Resource:        in.Resource,
		Action:          in.Action,
		Success:         in.Success,
		RiskScore:       computeRiskScore(in.EventType, in.Details, in.Success, analysis),
		ComplianceFlags: in.ComplianceFlags,
		Category:        in.Category,
		DataHash:        hashData(in.DataContent),
		ResponseTimeMs:  in.ResponseTimeMs,
		ErrorMessage:    in.ErrorMessage,
	}
	if in.Details != nil {
		if raw, err := json.Marshal(in.Details); err == nil {
			ev.Details = raw
		}
	}

	select {
	case s.ch <- ev:
	default:
		// Queue is full: make room by discarding the oldest pending event
		// rather than this new one, so the audit trail stays current
		// (spec §4.6: "drop-oldest-pending", never block the caller).
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
	return ev
}

// Dropped returns the number of events discarded because the queue was
// full.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

func (s *Sink) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.ch:
			if !ok {
				return
			}
			s.write(ev)
		}
	}
}

func (s *Sink) write(ev Event) {
	s.writeLog(ev)
	s.writeRow(ev)
}

func (s *Sink) writeLog(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	_, _ = s.file.Write(append(line, '\n'))
}

func (s *Sink) writeRow(ev Event) {
	flags, _ := json.Marshal(ev.ComplianceFlags)
	_, _ = s.db.Exec(`
INSERT OR IGNORE INTO audit_events
(id, timestamp, event_type, level, user_id, session_id, ip_address, user_agent, resource, action, details,
 success, risk_score, compliance_flags, category, data_hash, response_time_ms, error_message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Timestamp, string(ev.EventType), string(ev.Level), nullIfEmpty(ev.UserID), nullIfEmpty(ev.SessionID),
		nullIfEmpty(ev.IPAddress), nullIfEmpty(ev.UserAgent), nullIfEmpty(ev.Resource), ev.Action, string(ev.Details),
		ev.Success, ev.RiskScore, string(flags), nullIfEmpty(ev.Category), nullIfEmpty(ev.DataHash),
		ev.ResponseTimeMs, nullIfEmpty(ev.ErrorMessage))
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Close stops the worker pool, draining whatever is already queued, and
// releases the file and database handles.
func (s *Sink) Close() error {
	close(s.ch)
	_ = s.group.Wait()
	s.cancel()
	if err := s.db.Close(); err != nil {
		return err
	}
	return s.file.Close()
}
