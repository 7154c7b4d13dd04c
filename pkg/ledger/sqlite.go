package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kodu/pkg/errdefs"
	"kodu/pkg/model"
)

var _ Ledger = (*SQLite)(nil)

// AUTOINCREMENT 保证 id 在进程重启后也不会被复用
const schema = `
CREATE TABLE IF NOT EXISTS studies (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	directions TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS trials (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	study_id          INTEGER NOT NULL REFERENCES studies(id),
	number            INTEGER NOT NULL,
	state             TEXT NOT NULL,
	vals              TEXT,
	datetime_start    TEXT,
	datetime_complete TEXT,
	UNIQUE (study_id, number)
);
CREATE TABLE IF NOT EXISTS trial_params (
	trial_id     INTEGER NOT NULL REFERENCES trials(id),
	name         TEXT NOT NULL,
	value        REAL NOT NULL,
	distribution TEXT NOT NULL,
	PRIMARY KEY (trial_id, name)
);
`

// SQLite 持久化 Ledger。只开一个连接，所有写操作都在事务里串行执行。
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger %s: %w", path, err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) CreateStudy(ctx context.Context, name string, directions []model.Direction) (int64, error) {
	if err := validateDirections(name, directions); err != nil {
		return 0, err
	}
	raw, err := json.Marshal(directions)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.tx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT id FROM studies WHERE name = ?`, name).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO studies (name, directions) VALUES (?, ?)`, name, string(raw))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("ledger create study %s: %w", name, err)
	}
	return id, nil
}

func (s *SQLite) StudyID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM studies WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errdefs.NotFoundf("study %s not found", name)
	}
	if err != nil {
		return 0, fmt.Errorf("ledger study id %s: %w", name, err)
	}
	return id, nil
}

func (s *SQLite) StudyName(ctx context.Context, studyID int64) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM studies WHERE id = ?`, studyID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errdefs.NotFoundf("study %d not found", studyID)
	}
	if err != nil {
		return "", fmt.Errorf("ledger study name %d: %w", studyID, err)
	}
	return name, nil
}

func (s *SQLite) Directions(ctx context.Context, studyID int64) ([]model.Direction, error) {
	return directions(ctx, s.db, studyID)
}

func (s *SQLite) CreateTrial(ctx context.Context, studyID int64) (int64, error) {
	var id int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := directions(ctx, tx, studyID); err != nil {
			return err
		}
		var number int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(number), -1) + 1 FROM trials WHERE study_id = ?`, studyID).Scan(&number); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO trials (study_id, number, state, datetime_start) VALUES (?, ?, ?, ?)`,
			studyID, number, string(model.TrialRunning), formatTime(s.now()))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, wrap(err, "ledger create trial for study %d", studyID)
	}
	return id, nil
}

func (s *SQLite) SetParam(ctx context.Context, trialID int64, name string, value float64, distribution string) error {
	if err := validateParam(name, value, distribution); err != nil {
		return err
	}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		state, _, err := trialState(ctx, tx, trialID)
		if err != nil {
			return err
		}
		if state.IsFinished() {
			return errdefs.Conflictf("trial %d is already %s", trialID, state)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trial_params (trial_id, name, value, distribution) VALUES (?, ?, ?, ?)
			ON CONFLICT (trial_id, name) DO UPDATE SET value = excluded.value, distribution = excluded.distribution`,
			trialID, name, value, distribution)
		return err
	})
	return wrap(err, "ledger set param %s on trial %d", name, trialID)
}

func (s *SQLite) SetStateValues(ctx context.Context, trialID int64, state model.TrialState, values []float64) (bool, error) {
	var applied bool
	err := s.tx(ctx, func(tx *sql.Tx) error {
		current, studyID, err := trialState(ctx, tx, trialID)
		if err != nil {
			return err
		}
		dirs, err := directions(ctx, tx, studyID)
		if err != nil {
			return err
		}
		apply, err := checkTransition(current, state, values, len(dirs))
		if err != nil || !apply {
			return err
		}

		var vals, complete any
		if state.IsFinished() {
			complete = formatTime(s.now())
			if len(values) > 0 {
				raw, err := json.Marshal(values)
				if err != nil {
					return err
				}
				vals = string(raw)
			}
		}
		// 条件更新：终态行不会被改动
		res, err := tx.ExecContext(ctx, `
			UPDATE trials SET state = ?, vals = ?, datetime_complete = ?
			WHERE id = ? AND state NOT IN ('complete', 'fail', 'pruned')`,
			string(state), vals, complete, trialID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		applied = n == 1
		return nil
	})
	if err != nil {
		return false, wrap(err, "ledger set state on trial %d", trialID)
	}
	return applied, nil
}

func (s *SQLite) Trial(ctx context.Context, trialID int64) (model.Trial, error) {
	rows, err := s.db.QueryContext(ctx, trialSelect+` WHERE id = ?`, trialID)
	if err != nil {
		return model.Trial{}, fmt.Errorf("ledger get trial %d: %w", trialID, err)
	}
	trials, err := scanTrials(rows)
	if err != nil {
		return model.Trial{}, fmt.Errorf("ledger get trial %d: %w", trialID, err)
	}
	if len(trials) == 0 {
		return model.Trial{}, errdefs.NotFoundf("trial %d not found", trialID)
	}
	if err := s.loadParams(ctx, trials, `SELECT trial_id, name, value, distribution FROM trial_params WHERE trial_id = ?`, trialID); err != nil {
		return model.Trial{}, err
	}
	return trials[0], nil
}

func (s *SQLite) Trials(ctx context.Context, studyID int64) ([]model.Trial, error) {
	if _, err := directions(ctx, s.db, studyID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, trialSelect+` WHERE study_id = ? ORDER BY id`, studyID)
	if err != nil {
		return nil, fmt.Errorf("ledger list trials of study %d: %w", studyID, err)
	}
	trials, err := scanTrials(rows)
	if err != nil {
		return nil, fmt.Errorf("ledger list trials of study %d: %w", studyID, err)
	}
	err = s.loadParams(ctx, trials, `
		SELECT p.trial_id, p.name, p.value, p.distribution
		FROM trial_params p JOIN trials t ON t.id = p.trial_id
		WHERE t.study_id = ?`, studyID)
	if err != nil {
		return nil, err
	}
	return trials, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func directions(ctx context.Context, q querier, studyID int64) ([]model.Direction, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT directions FROM studies WHERE id = ?`, studyID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFoundf("study %d not found", studyID)
	}
	if err != nil {
		return nil, err
	}
	var dirs []model.Direction
	if err := json.Unmarshal([]byte(raw), &dirs); err != nil {
		return nil, fmt.Errorf("decode directions of study %d: %w", studyID, err)
	}
	return dirs, nil
}

func trialState(ctx context.Context, q querier, trialID int64) (model.TrialState, int64, error) {
	var state string
	var studyID int64
	err := q.QueryRowContext(ctx, `SELECT state, study_id FROM trials WHERE id = ?`, trialID).Scan(&state, &studyID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, errdefs.NotFoundf("trial %d not found", trialID)
	}
	return model.TrialState(state), studyID, err
}

const trialSelect = `SELECT id, number, study_id, state, vals, datetime_start, datetime_complete FROM trials`

// scanTrials 读完并关闭 rows。单连接下必须先关掉 rows 才能发下一条查询
func scanTrials(rows *sql.Rows) ([]model.Trial, error) {
	defer rows.Close()

	out := make([]model.Trial, 0)
	for rows.Next() {
		var (
			t             model.Trial
			state         string
			vals          sql.NullString
			start, finish sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Number, &t.StudyID, &state, &vals, &start, &finish); err != nil {
			return nil, err
		}
		t.State = model.TrialState(state)
		t.Params = make(map[string]model.TrialParam)
		if vals.Valid && vals.String != "" {
			if err := json.Unmarshal([]byte(vals.String), &t.Values); err != nil {
				return nil, fmt.Errorf("decode values of trial %d: %w", t.ID, err)
			}
		}
		t.DatetimeStart = parseTime(start)
		t.DatetimeComplete = parseTime(finish)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) loadParams(ctx context.Context, trials []model.Trial, query string, arg int64) error {
	index := make(map[int64]int, len(trials))
	for i, t := range trials {
		index[t.ID] = i
	}

	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return fmt.Errorf("ledger load params: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			trialID int64
			name    string
			p       model.TrialParam
		)
		if err := rows.Scan(&trialID, &name, &p.Value, &p.Distribution); err != nil {
			return fmt.Errorf("ledger load params: %w", err)
		}
		if i, ok := index[trialID]; ok {
			trials[i].Params[name] = p
		}
	}
	return rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// wrap 保留 errdefs 的分类 (NotFound / Conflict / Invalid 不加前缀)
func wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errdefs.KindOf(err) != errdefs.KindUnknown {
		return err
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
