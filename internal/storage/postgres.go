package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	model "github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/models"
)

// ErrNotFound is returned when a point operation matches no session.
var ErrNotFound = errors.New("session not found")

// PaymentKinds are the sub-record kinds merged onto a session.
var PaymentKinds = []string{model.KindPayment, model.KindAdjustment}

//go:embed schema.sql
var schemaSQL string

type PG struct{ DB *sql.DB }

func New(dsn string) (*PG, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)
	return &PG{DB: db}, db.Ping()
}

func (p *PG) Close() error { return p.DB.Close() }

// Migrate creates the sessions and session_transactions tables if missing.
func (p *PG) Migrate(ctx context.Context) error {
	if _, err := p.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const sessionColumns = `id, date::text, COALESCE(to_char(time, 'HH24:MI'), ''), client_id, status, amount, paid_amount, COALESCE(notes, '')`

func scanSession(sc interface{ Scan(...any) error }) (model.Session, error) {
	var s model.Session
	err := sc.Scan(&s.ID, &s.Date, &s.Time, &s.ClientID, &s.Status, &s.Amount, &s.PaidAmount, &s.Notes)
	return s, err
}

// FetchPeriod loads every session dated inside p, ordered by date, time and
// id, each with its payments. A failed payment fetch leaves that session with
// no payments instead of failing the period, unless ctx itself is done.
func (p *PG) FetchPeriod(ctx context.Context, period model.Period) ([]model.Session, error) {
	first, last := period.Bounds()
	rows, err := p.DB.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE date BETWEEN $1 AND $2
		ORDER BY date ASC, time ASC NULLS LAST, id ASC`, first, last)
	if err != nil {
		return nil, fmt.Errorf("fetch period %s: %w", period, err)
	}
	defer rows.Close()

	res := []model.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("fetch period %s: %w", period, err)
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch period %s: %w", period, err)
	}

	for i := range res {
		pays, err := p.FetchPayments(ctx, res[i].ID)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, fmt.Errorf("fetch period %s: %w", period, cerr)
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("fetch period %s: %w", period, err)
			}
			slog.Warn("storage: payment fetch failed, continuing without payments",
				"session", res[i].ID, "period", period.String(), "err", err)
			pays = []model.Payment{}
		}
		res[i].Payments = pays
	}
	return res, nil
}

// FetchPayments loads the payment and adjustment sub-records of a session,
// newest transaction first.
func (p *PG) FetchPayments(ctx context.Context, sessionID string) ([]model.Payment, error) {
	rows, err := p.DB.QueryContext(ctx, `
		SELECT id, session_id, kind, amount,
		       COALESCE(due_date::text, ''), COALESCE(paid_date::text, ''),
		       transaction_date::text, status
		FROM session_transactions
		WHERE session_id = $1 AND kind = ANY($2)
		ORDER BY transaction_date DESC`, sessionID, pq.Array(PaymentKinds))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []model.Payment{}
	for rows.Next() {
		var pay model.Payment
		if err := rows.Scan(&pay.ID, &pay.SessionID, &pay.Kind, &pay.Amount,
			&pay.DueDate, &pay.PaidDate, &pay.TransactionDate, &pay.Status); err != nil {
			return nil, err
		}
		res = append(res, pay)
	}
	return res, rows.Err()
}

// GetSession is a point fetch without payments. It is used to find the date
// of a session referenced by a payment event.
func (p *PG) GetSession(ctx context.Context, id string) (model.Session, error) {
	s, err := scanSession(p.DB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// Mutate applies patch to one session row.
func (p *PG) Mutate(ctx context.Context, id string, patch model.Patch) error {
	query, args := updateQuery(id, patch)
	if query == "" {
		return nil
	}
	res, err := p.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (p *PG) Delete(ctx context.Context, id string) error {
	res, err := p.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// updateQuery builds the UPDATE statement for the non-nil patch fields.
// It returns an empty query for an empty patch.
func updateQuery(id string, patch model.Patch) (string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Date != nil {
		add("date", *patch.Date)
	}
	if patch.Time != nil {
		add("time", *patch.Time)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Amount != nil {
		add("amount", *patch.Amount)
	}
	if patch.PaidAmount != nil {
		add("paid_amount", *patch.PaidAmount)
	}
	if patch.Notes != nil {
		add("notes", *patch.Notes)
	}
	if len(sets) == 0 {
		return "", nil
	}
	args = append(args, id)
	return fmt.Sprintf("UPDATE sessions SET %s, updated_at = now() WHERE id = $%d",
		strings.Join(sets, ", "), len(args)), args
}

func DSN(host string, port int, user, pass, db string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", user, pass, host, port, db)
}
