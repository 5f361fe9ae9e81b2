// Package journal records a client session to sqlite: channel frames,
// applied patches, lifecycle transitions, and upload progress. Recording
// is optional and must never block frame dispatch, so writes go through a
// bounded queue that drops the oldest record when full.
package journal

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// queueSize bounds the in-flight records between dispatch and the writer.
const queueSize = 1024

var migrateMu sync.Mutex

// Journal is one recording session. All Record methods are safe for
// concurrent use and never block.
type Journal struct {
	db    *sql.DB
	runID string

	queue   chan record
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
}

type record struct {
	kind string
	at   time.Time

	direction string
	topic     string
	event     string
	ref       string
	payload   []byte

	viewID    string
	added     int
	updated   int
	discarded int

	fromState string
	toState   string
	reason    string

	field string
	name  string
	sent  int64
	total int64
	state string
}

// FrameRecord is one recorded channel frame.
type FrameRecord struct {
	At        time.Time
	Direction string
	Topic     string
	Event     string
	Ref       string
	Payload   string
	Size      int
}

// RunSummary aggregates one run for analysis.
type RunSummary struct {
	RunID       string
	StartedAt   time.Time
	Endpoint    string
	FramesIn    int64
	FramesOut   int64
	Patches     int64
	Transitions int64
	Uploads     int64
}

// Open creates or opens the journal database at path, applies the schema
// migrations, and starts a new run. Use ":memory:" for a throwaway store.
func Open(path, endpoint string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: ping database: %w", err)
	}
	// The sqlite driver serializes access through one connection; more
	// would contend on the file lock.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	j := &Journal{
		db:    db,
		runID: ulid.Make().String(),
		queue: make(chan record, queueSize),
		done:  make(chan struct{}),
	}
	if _, err := db.Exec(
		`INSERT INTO runs (id, started_at, endpoint) VALUES (?, ?, ?)`,
		j.runID, time.Now().UTC(), endpoint,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: start run: %w", err)
	}

	go j.writer()
	glog.V(1).Infof("journal run %s recording to %s", j.runID, path)
	return j, nil
}

func migrate(db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("journal: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// RunID returns this recording session's id.
func (j *Journal) RunID() string {
	return j.runID
}

// Dropped returns how many records were discarded because the queue was
// full.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// RecordFrame records one channel frame in either direction.
func (j *Journal) RecordFrame(direction, topic, event, ref string, payload []byte) {
	j.enqueue(record{
		kind:      "frame",
		at:        time.Now().UTC(),
		direction: direction,
		topic:     topic,
		event:     event,
		ref:       ref,
		payload:   append([]byte(nil), payload...),
	})
}

// RecordPatch records one reconciliation outcome.
func (j *Journal) RecordPatch(viewID string, added, updated, discarded int) {
	j.enqueue(record{
		kind:      "patch",
		at:        time.Now().UTC(),
		viewID:    viewID,
		added:     added,
		updated:   updated,
		discarded: discarded,
	})
}

// RecordTransition records a view lifecycle state change.
func (j *Journal) RecordTransition(viewID, fromState, toState, reason string) {
	j.enqueue(record{
		kind:      "transition",
		at:        time.Now().UTC(),
		viewID:    viewID,
		fromState: fromState,
		toState:   toState,
		reason:    reason,
	})
}

// RecordUpload records upload progress or completion.
func (j *Journal) RecordUpload(ref, field, name string, sent, total int64, state string) {
	j.enqueue(record{
		kind:  "upload",
		at:    time.Now().UTC(),
		ref:   ref,
		field: field,
		name:  name,
		sent:  sent,
		total: total,
		state: state,
	})
}

// enqueue adds a record without blocking. When the queue is full the
// oldest queued record is dropped to make room.
func (j *Journal) enqueue(rec record) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	select {
	case j.queue <- rec:
	default:
		select {
		case <-j.queue:
			j.dropped.Add(1)
		default:
		}
		select {
		case j.queue <- rec:
		default:
			j.dropped.Add(1)
		}
	}
	j.mu.Unlock()
}

// Close drains the queue and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.done
	if dropped := j.dropped.Load(); dropped > 0 {
		glog.Warningf("journal run %s dropped %d records", j.runID, dropped)
	}
	return j.db.Close()
}

func (j *Journal) writer() {
	defer close(j.done)
	for rec := range j.queue {
		if err := j.insert(rec); err != nil {
			glog.V(1).Infof("journal write failed: %v", err)
		}
	}
}

func (j *Journal) insert(rec record) error {
	switch rec.kind {
	case "frame":
		_, err := j.db.Exec(
			`INSERT INTO frames (run_id, at, direction, topic, event, ref, payload, size)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			j.runID, rec.at, rec.direction, rec.topic, rec.event, rec.ref,
			string(rec.payload), len(rec.payload),
		)
		return err
	case "patch":
		_, err := j.db.Exec(
			`INSERT INTO patches (run_id, at, view_id, added, updated, discarded)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			j.runID, rec.at, rec.viewID, rec.added, rec.updated, rec.discarded,
		)
		return err
	case "transition":
		_, err := j.db.Exec(
			`INSERT INTO transitions (run_id, at, view_id, from_state, to_state, reason)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			j.runID, rec.at, rec.viewID, rec.fromState, rec.toState, rec.reason,
		)
		return err
	case "upload":
		_, err := j.db.Exec(
			`INSERT INTO uploads (run_id, at, ref, field, name, sent, total, state)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			j.runID, rec.at, rec.ref, rec.field, rec.name, rec.sent, rec.total, rec.state,
		)
		return err
	}
	return fmt.Errorf("unknown record kind %q", rec.kind)
}

// Frames returns the recorded frames of a run in insertion order.
func (j *Journal) Frames(runID string) ([]FrameRecord, error) {
	rows, err := j.db.Query(
		`SELECT at, direction, topic, event, ref, payload, size
		 FROM frames WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: query frames: %w", err)
	}
	defer rows.Close()

	var frames []FrameRecord
	for rows.Next() {
		var f FrameRecord
		if err := rows.Scan(&f.At, &f.Direction, &f.Topic, &f.Event, &f.Ref, &f.Payload, &f.Size); err != nil {
			return nil, fmt.Errorf("journal: scan frame: %w", err)
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// Summary aggregates one run's counters.
func (j *Journal) Summary(runID string) (*RunSummary, error) {
	s := &RunSummary{RunID: runID}
	err := j.db.QueryRow(
		`SELECT started_at, endpoint FROM runs WHERE id = ?`, runID,
	).Scan(&s.StartedAt, &s.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("journal: load run %s: %w", runID, err)
	}

	count := func(query string, dest *int64) error {
		return j.db.QueryRow(query, runID).Scan(dest)
	}
	if err := count(`SELECT COUNT(*) FROM frames WHERE run_id = ? AND direction = 'in'`, &s.FramesIn); err != nil {
		return nil, fmt.Errorf("journal: count frames: %w", err)
	}
	if err := count(`SELECT COUNT(*) FROM frames WHERE run_id = ? AND direction = 'out'`, &s.FramesOut); err != nil {
		return nil, fmt.Errorf("journal: count frames: %w", err)
	}
	if err := count(`SELECT COUNT(*) FROM patches WHERE run_id = ?`, &s.Patches); err != nil {
		return nil, fmt.Errorf("journal: count patches: %w", err)
	}
	if err := count(`SELECT COUNT(*) FROM transitions WHERE run_id = ?`, &s.Transitions); err != nil {
		return nil, fmt.Errorf("journal: count transitions: %w", err)
	}
	if err := count(`SELECT COUNT(*) FROM uploads WHERE run_id = ?`, &s.Uploads); err != nil {
		return nil, fmt.Errorf("journal: count uploads: %w", err)
	}
	return s, nil
}

// Runs lists recorded run ids, newest first. ULIDs sort by creation time.
func (j *Journal) Runs() ([]string, error) {
	rows, err := j.db.Query(`SELECT id FROM runs ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("journal: list runs: %w", err)
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("journal: scan run: %w", err)
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}
