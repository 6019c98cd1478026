package db

import (
	"context"
	"database/sql"
	"time"

	log "github.com/sirupsen/logrus"
)

// Event is one row of the lifecycle journal.
type Event struct {
	ID         int64  `json:"id"`
	Generation uint64 `json:"generation"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail"`
	CreatedAt  string `json:"created_at"`
}

// Journal records lifecycle events. Record never blocks; rows are written
// by Run so callers on output pumps are not held up by disk I/O.
type Journal struct {
	db    *sql.DB
	queue chan Event
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db, queue: make(chan Event, 256)}
}

func (j *Journal) Record(gen uint64, kind, detail string) {
	ev := Event{
		Generation: gen,
		Kind:       kind,
		Detail:     detail,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case j.queue <- ev:
	default:
		log.Warnf("journal: queue full, dropping %s event", kind)
	}
}

// Run writes queued events until ctx is done, then flushes what is left.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-j.queue:
			j.insert(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-j.queue:
					j.insert(ev)
				default:
					return nil
				}
			}
		}
	}
}

func (j *Journal) insert(ev Event) {
	_, err := j.db.Exec(
		`INSERT INTO events (generation, kind, detail, created_at) VALUES (?, ?, ?, ?)`,
		ev.Generation, ev.Kind, ev.Detail, ev.CreatedAt,
	)
	if err != nil {
		log.Warnf("journal: insert: %v", err)
	}
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, generation, kind, detail, created_at FROM events ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Generation, &ev.Kind, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PruneBefore deletes events older than cutoff.
func (j *Journal) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
