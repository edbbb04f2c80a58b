package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/swipehire/matchchat/internal/model"
)

type CreateMatchParams struct {
	ID          string
	CandidateID string
	CompanyID   string
	JobID       pgtype.Text
	CreatedAt   pgtype.Timestamptz
}

const createMatch = `
INSERT INTO matches (id, candidate_id, company_id, job_id, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, candidate_id, company_id, job_id, created_at`

// CreateMatch stores a new match. An empty ID gets a fresh object id.
func (q *Queries) CreateMatch(ctx context.Context, arg CreateMatchParams) (model.Match, error) {
	if arg.ID == "" {
		arg.ID = model.NewObjectID()
	}
	if !arg.CreatedAt.Valid {
		arg.CreatedAt = pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true}
	}

	row := q.db.QueryRow(ctx, createMatch, arg.ID, arg.CandidateID, arg.CompanyID, arg.JobID, arg.CreatedAt)
	m, err := scanMatch(row)
	if err != nil {
		return model.Match{}, fmt.Errorf("failed to create match: %w", err)
	}
	return m, nil
}

const getMatch = `
SELECT id, candidate_id, company_id, job_id, created_at
FROM matches
WHERE id = $1`

const listStatusHistory = `
SELECT stage, description, response_needed, created_at
FROM match_status_history
WHERE match_id = $1
ORDER BY created_at ASC, id ASC`

// GetMatch loads a match with its status history in ascending order.
func (q *Queries) GetMatch(ctx context.Context, id string) (model.Match, error) {
	m, err := scanMatch(q.db.QueryRow(ctx, getMatch, id))
	if err != nil {
		return model.Match{}, notFound(err)
	}

	rows, err := q.db.Query(ctx, listStatusHistory, id)
	if err != nil {
		return model.Match{}, fmt.Errorf("failed to list status history: %w", err)
	}
	history, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.StatusEntry, error) {
		var (
			e  model.StatusEntry
			ts pgtype.Timestamptz
		)
		err := row.Scan(&e.Stage, &e.Description, &e.ResponseNeeded, &ts)
		e.Timestamp = ts.Time
		return e, err
	})
	if err != nil {
		return model.Match{}, fmt.Errorf("failed to scan status history: %w", err)
	}

	m.History = history
	m.Normalize()
	return m, nil
}

const addStatusEntry = `
INSERT INTO match_status_history (match_id, stage, description, response_needed, created_at)
VALUES ($1, $2, $3, $4, $5)`

// AddStatusEntry appends to a match's status history.
func (q *Queries) AddStatusEntry(ctx context.Context, matchID string, e model.StatusEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := q.db.Exec(ctx, addStatusEntry, matchID, e.Stage, e.Description, e.ResponseNeeded,
		pgtype.Timestamptz{Time: e.Timestamp, Valid: true})
	if err != nil {
		return fmt.Errorf("failed to add status entry: %w", err)
	}
	return nil
}

func scanMatch(row pgx.Row) (model.Match, error) {
	var (
		m         model.Match
		jobID     pgtype.Text
		createdAt pgtype.Timestamptz
	)
	if err := row.Scan(&m.ID, &m.CandidateID, &m.CompanyID, &jobID, &createdAt); err != nil {
		return model.Match{}, err
	}
	m.JobID = jobID.String
	m.CreatedAt = createdAt.Time
	return m, nil
}
