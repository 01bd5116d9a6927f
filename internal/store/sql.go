package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"labtrack/internal/member"
	"labtrack/internal/presence"
	"labtrack/internal/realtime"
)

var _ Backend = (*SQL)(nil)

// SQL is a Backend on Postgres or SQLite. Change notifications are
// published on the bus after the inserting transaction commits.
type SQL struct {
	db    *DB
	bus   realtime.Bus
	clock *clock
}

// NewSQL applies the schema and returns the store. A nil bus uses an
// in-process hub.
func NewSQL(ctx context.Context, db *DB, bus realtime.Bus) (*SQL, error) {
	if bus == nil {
		bus = realtime.NewHub()
	}
	if err := migrate(ctx, db.Client, db.Dialect); err != nil {
		return nil, err
	}
	return &SQL{db: db, bus: bus, clock: newClock()}, nil
}

// SetClock replaces the timestamp source.
func (s *SQL) SetClock(now func() time.Time) { s.clock.set(now) }

// rebind turns '?' placeholders into $n for Postgres.
func (s *SQL) rebind(query string) string {
	if s.db.Dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// nullSafeEq compares with NULL = NULL being true.
func (s *SQL) nullSafeEq() string {
	if s.db.Dialect == Postgres {
		return "IS NOT DISTINCT FROM"
	}
	return "IS"
}

const memberColumns = `id, first_name, middle_name, last_name, external_id, role, qr_payload, profile_image_url, badge_url, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (member.Member, error) {
	var m member.Member
	var role string
	err := row.Scan(&m.ID, &m.FirstName, &m.MiddleName, &m.LastName, &m.ExternalID, &role,
		&m.QRPayload, &m.ProfileImageURL, &m.BadgeURL, &m.CreatedAt, &m.UpdatedAt)
	m.Role = member.Role(role)
	return m, err
}

func (s *SQL) getMemberWhere(ctx context.Context, where string, arg any) (*member.Member, error) {
	row := s.db.Client.QueryRowContext(ctx, s.rebind(`SELECT `+memberColumns+` FROM members WHERE `+where+` = ?`), arg)
	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (s *SQL) FindMemberByExternalID(ctx context.Context, externalID string) (*member.Member, error) {
	return s.getMemberWhere(ctx, "external_id", externalID)
}

func (s *SQL) GetMember(ctx context.Context, id string) (*member.Member, error) {
	return s.getMemberWhere(ctx, "id", id)
}

func (s *SQL) ListMembers(ctx context.Context) ([]member.Member, error) {
	rows, err := s.db.Client.QueryContext(ctx, `SELECT `+memberColumns+` FROM members ORDER BY external_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []member.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQL) CreateMember(ctx context.Context, m member.Member) (member.Member, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Role == "" {
		m.Role = member.RoleMember
	}
	now := s.clock.next()
	m.CreatedAt, m.UpdatedAt = now, now
	_, err := s.db.Client.ExecContext(ctx, s.rebind(`
		INSERT INTO members (`+memberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), m.ID, m.FirstName, m.MiddleName, m.LastName, m.ExternalID, string(m.Role),
		m.QRPayload, m.ProfileImageURL, m.BadgeURL, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return member.Member{}, member.ErrDuplicateExternalID
		}
		return member.Member{}, err
	}
	return m, nil
}

func (s *SQL) UpdateMember(ctx context.Context, id string, u member.Update) (member.Member, error) {
	sets := []string{}
	args := []any{}
	add := func(col string, v *string) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, *v)
		}
	}
	add("first_name", u.FirstName)
	add("middle_name", u.MiddleName)
	add("last_name", u.LastName)
	add("external_id", u.ExternalID)
	add("qr_payload", u.QRPayload)
	add("profile_image_url", u.ProfileImageURL)
	add("badge_url", u.BadgeURL)
	if u.Role != nil {
		sets = append(sets, "role = ?")
		args = append(args, string(*u.Role))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.clock.next(), id)

	res, err := s.db.Client.ExecContext(ctx, s.rebind(`UPDATE members SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		if isUniqueViolation(err) {
			return member.Member{}, member.ErrDuplicateExternalID
		}
		return member.Member{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return member.Member{}, fmt.Errorf("member %s: %w", id, member.ErrNotFound)
	}
	m, err := s.GetMember(ctx, id)
	if err != nil {
		return member.Member{}, err
	}
	if m == nil {
		return member.Member{}, fmt.Errorf("member %s: %w", id, member.ErrNotFound)
	}
	return *m, nil
}

func (s *SQL) CountMembers(ctx context.Context) (int, error) {
	var n int
	err := s.db.Client.QueryRowContext(ctx, `SELECT COUNT(*) FROM members`).Scan(&n)
	return n, err
}

const logColumns = `l.id, l.member_id, l.action, l.recorded_at, l.recorded_by`

func scanLog(row rowScanner, extra ...any) (presence.LogEntry, error) {
	var e presence.LogEntry
	var action string
	dest := append([]any{&e.ID, &e.MemberID, &action, &e.Timestamp, &e.RecordedBy}, extra...)
	if err := row.Scan(dest...); err != nil {
		return presence.LogEntry{}, err
	}
	a, err := presence.ParseAction(action)
	if err != nil {
		return presence.LogEntry{}, err
	}
	e.Action = a
	return e, nil
}

func (s *SQL) GetMostRecentLogEntry(ctx context.Context, memberID string) (*presence.LogEntry, error) {
	row := s.db.Client.QueryRowContext(ctx, s.rebind(`
		SELECT `+logColumns+`
		FROM members m
		JOIN lab_logs l ON l.id = m.last_log_id
		WHERE m.id = ?
	`), memberID)
	e, err := scanLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func (s *SQL) InsertLogEntry(ctx context.Context, memberID string, action presence.Action, recordedBy string) (presence.LogEntry, error) {
	return s.append(ctx, presence.RecordScan(memberID, action, recordedBy), false, "")
}

func (s *SQL) AppendLogEntry(ctx context.Context, memberID string, action presence.Action, recordedBy, expectedLastID string) (presence.LogEntry, error) {
	return s.append(ctx, presence.RecordScan(memberID, action, recordedBy), true, expectedLastID)
}

// append moves the member's head pointer and inserts the entry in one
// transaction. With guard set, the head only moves if it still equals
// expected; the row lock on members serializes competing writers.
// The timestamp is taken once the head is held and never precedes the
// newest committed entry, so processes with skewed clocks cannot write
// history that sorts before the head.
func (s *SQL) append(ctx context.Context, e presence.LogEntry, guard bool, expected string) (_ presence.LogEntry, retErr error) {
	e.ID = uuid.NewString()

	tx, err := s.db.Client.BeginTx(ctx, nil)
	if err != nil {
		return presence.LogEntry{}, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	var res sql.Result
	if guard {
		var exp any
		if expected != "" {
			exp = expected
		}
		res, err = tx.ExecContext(ctx, s.rebind(`UPDATE members SET last_log_id = ? WHERE id = ? AND last_log_id `+s.nullSafeEq()+` ?`),
			e.ID, e.MemberID, exp)
	} else {
		res, err = tx.ExecContext(ctx, s.rebind(`UPDATE members SET last_log_id = ? WHERE id = ?`), e.ID, e.MemberID)
	}
	if err != nil {
		return presence.LogEntry{}, fmt.Errorf("move head: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return presence.LogEntry{}, err
	}
	if n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM members WHERE id = ?`), e.MemberID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return presence.LogEntry{}, fmt.Errorf("member %s: %w", e.MemberID, member.ErrNotFound)
		}
		if err != nil {
			return presence.LogEntry{}, err
		}
		return presence.LogEntry{}, ErrConflict
	}

	var floor time.Time
	err = tx.QueryRowContext(ctx, `SELECT recorded_at FROM lab_logs ORDER BY recorded_at DESC LIMIT 1`).Scan(&floor)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return presence.LogEntry{}, fmt.Errorf("latest entry: %w", err)
	}
	e.Timestamp = s.clock.after(floor)

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO lab_logs (id, member_id, action, recorded_at, recorded_by)
		VALUES (?, ?, ?, ?, ?)
	`), e.ID, e.MemberID, string(e.Action), e.Timestamp, e.RecordedBy); err != nil {
		return presence.LogEntry{}, fmt.Errorf("insert log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return presence.LogEntry{}, fmt.Errorf("commit: %w", err)
	}

	if err := s.bus.Publish(ctx, e); err != nil {
		log.Printf("store: publish entry %s: %v", e.ID, err)
	}
	return e, nil
}

func (s *SQL) listLogs(ctx context.Context, memberID string, limit int) ([]presence.LogEntry, error) {
	query := `
		SELECT ` + logColumns + `, m.first_name, m.middle_name, m.last_name, m.external_id
		FROM lab_logs l
		JOIN members m ON m.id = l.member_id`
	args := []any{}
	if memberID != "" {
		query += ` WHERE l.member_id = ?`
		args = append(args, memberID)
	}
	query += ` ORDER BY l.seq DESC LIMIT ?`
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.Client.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []presence.LogEntry
	for rows.Next() {
		var who member.Member
		e, err := scanLog(rows, &who.FirstName, &who.MiddleName, &who.LastName, &who.ExternalID)
		if err != nil {
			return nil, err
		}
		e.MemberName = who.DisplayName()
		e.ExternalID = who.ExternalID
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQL) ListRecentLogEntries(ctx context.Context, limit int) ([]presence.LogEntry, error) {
	return s.listLogs(ctx, "", limit)
}

func (s *SQL) ListMemberLogEntries(ctx context.Context, memberID string, limit int) ([]presence.LogEntry, error) {
	return s.listLogs(ctx, memberID, limit)
}

func (s *SQL) SubscribeToLogEntryChanges(ctx context.Context, h realtime.Handler) (realtime.Subscription, error) {
	return s.bus.Subscribe(ctx, h)
}

func (s *SQL) UpsertStation(ctx context.Context, stationID string) error {
	if stationID == "" {
		return errors.New("station id required")
	}
	now := s.clock.next()
	_, err := s.db.Client.ExecContext(ctx, s.rebind(`
		INSERT INTO stations (station_id, registered_at, last_seen_at)
		VALUES (?, ?, ?)
		ON CONFLICT (station_id) DO UPDATE SET last_seen_at = excluded.last_seen_at
	`), stationID, now, now)
	return err
}

func (s *SQL) Ping(ctx context.Context) error {
	return s.db.Client.PingContext(ctx)
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
