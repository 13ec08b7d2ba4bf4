package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/gamification-engine/internal/domain/badge"
	"github.com/alem-hub/gamification-engine/internal/domain/ledger"
	"github.com/alem-hub/gamification-engine/internal/domain/profile"
	"github.com/alem-hub/gamification-engine/internal/domain/progression"
	"github.com/alem-hub/gamification-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROFILE STORE
// Implements profile.Store: one transaction per unit of work, with the
// profile row locked FOR UPDATE for its whole duration.
// ══════════════════════════════════════════════════════════════════════════════

// ProfileStore implements profile.Store and profile.Reader for PostgreSQL.
type ProfileStore struct {
	conn     *Connection
	rules    *progression.Rules
	calendar timeutil.Calendar
	clock    timeutil.Clock
	badges   *BadgeRepository
}

var (
	_ profile.Store  = (*ProfileStore)(nil)
	_ profile.Reader = (*ProfileStore)(nil)
)

// NewProfileStore creates a new ProfileStore.
func NewProfileStore(conn *Connection, rules *progression.Rules, calendar timeutil.Calendar, clock timeutil.Clock) *ProfileStore {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &ProfileStore{
		conn:     conn,
		rules:    rules,
		calendar: calendar,
		clock:    clock,
		badges:   NewBadgeRepository(conn),
	}
}

// WithinUser implements profile.Store.
func (s *ProfileStore) WithinUser(ctx context.Context, userID string, fn func(ctx context.Context, tx profile.Tx) error) error {
	err := s.conn.WithTx(ctx, ReadWrite, func(tx pgx.Tx) error {
		return fn(ctx, &profileTx{store: s, tx: tx, userID: userID})
	})
	return TranslateError("WithinUser", err)
}

const profileColumns = `
	user_id, pontos_totais, nivel, xp_atual, xp_proximo_nivel,
	streak_atual, melhor_streak, ultima_atividade, criado_em, atualizado_em
`

func (s *ProfileStore) scanProfile(row pgx.Row) (*profile.Profile, error) {
	var p profile.Profile
	var last *time.Time

	err := row.Scan(
		&p.UserID,
		&p.PontosTotais,
		&p.Nivel,
		&p.XPAtual,
		&p.XPProximoNivel,
		&p.StreakAtual,
		&p.MelhorStreak,
		&last,
		&p.CriadoEm,
		&p.AtualizadoEm,
	)
	if err != nil {
		return nil, err
	}

	// DATE comes back as UTC midnight; rebase it on the canonical zone.
	if last != nil {
		day := s.calendar.Date(last.Year(), last.Month(), last.Day())
		p.UltimaAtividade = &day
	}
	return &p, nil
}

func (s *ProfileStore) dateArg(t *time.Time) *string {
	if t == nil {
		return nil
	}
	d := s.calendar.FormatDate(*t)
	return &d
}

// ─────────────────────────────────────────────────────────────────────────────
// Unit of work
// ─────────────────────────────────────────────────────────────────────────────

type profileTx struct {
	store  *ProfileStore
	tx     pgx.Tx
	userID string
}

func (t *profileTx) LoadProfile(ctx context.Context, create bool) (*profile.Profile, bool, error) {
	created := false
	if create {
		fresh := profile.New(t.userID, t.store.rules, t.store.clock.Now())
		tag, err := t.tx.Exec(ctx, `
			INSERT INTO gamification_profiles (user_id, pontos_totais, nivel, xp_atual, xp_proximo_nivel, criado_em, atualizado_em)
			VALUES ($1, 0, $2, $3, $4, $5, $5)
			ON CONFLICT (user_id) DO NOTHING
		`, fresh.UserID, fresh.Nivel, fresh.XPAtual, fresh.XPProximoNivel, fresh.CriadoEm)
		if err != nil {
			return nil, false, fmt.Errorf("create profile: %w", err)
		}
		created = tag.RowsAffected() == 1
	}

	row := t.tx.QueryRow(ctx, `SELECT `+profileColumns+` FROM gamification_profiles WHERE user_id = $1 FOR UPDATE`, t.userID)
	p, err := t.store.scanProfile(row)
	if IsNoRows(err) {
		return nil, false, profile.ErrProfileMissing
	}
	if err != nil {
		return nil, false, fmt.Errorf("lock profile: %w", err)
	}
	return p, created, nil
}

func (t *profileTx) SaveProfile(ctx context.Context, p *profile.Profile) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE gamification_profiles SET
			pontos_totais = $2,
			nivel = $3,
			xp_atual = $4,
			xp_proximo_nivel = $5,
			streak_atual = $6,
			melhor_streak = $7,
			ultima_atividade = $8::date,
			atualizado_em = $9
		WHERE user_id = $1
	`,
		p.UserID,
		p.PontosTotais,
		p.Nivel,
		p.XPAtual,
		p.XPProximoNivel,
		p.StreakAtual,
		p.MelhorStreak,
		t.store.dateArg(p.UltimaAtividade),
		p.AtualizadoEm,
	)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return profile.ErrProfileNotFound
	}
	return nil
}

func (t *profileTx) MarkProcessed(ctx context.Context, eventID string, category ledger.Category, at time.Time) (bool, error) {
	if eventID != "" {
		tag, err := t.tx.Exec(ctx, `
			INSERT INTO processed_events (user_id, event_id, category, processed_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, event_id) DO NOTHING
		`, t.userID, eventID, string(category), at)
		if err != nil {
			return false, fmt.Errorf("mark event processed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return false, nil
		}
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO activity_counters (user_id, category, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id, category) DO UPDATE SET count = activity_counters.count + 1
	`, t.userID, string(category))
	if err != nil {
		return false, fmt.Errorf("count activity: %w", err)
	}
	return true, nil
}

func (t *profileTx) AppendGrant(ctx context.Context, g ledger.PointGrant) (bool, error) {
	var eventID *string
	if g.SourceEventID != "" {
		eventID = &g.SourceEventID
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO point_grants (id, user_id, points, reason, category, source_event_id, granted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, source_event_id) WHERE source_event_id IS NOT NULL DO NOTHING
	`, g.ID, g.UserID, g.Points, g.Reason, string(g.Category), eventID, g.GrantedAt)
	if err != nil {
		return false, fmt.Errorf("append grant: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *profileTx) Counters(ctx context.Context) (ledger.Counters, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT category, count FROM activity_counters WHERE user_id = $1
	`, t.userID)
	if err != nil {
		return nil, fmt.Errorf("read activity counters: %w", err)
	}
	defer rows.Close()

	counters := ledger.Counters{}
	for rows.Next() {
		var category string
		var n int64
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		counters[ledger.Category(category)] = n
	}
	return counters, rows.Err()
}

func (t *profileTx) UserBadges(ctx context.Context) ([]badge.UserBadge, error) {
	return listUserBadges(ctx, t.tx, t.userID)
}

func (t *profileTx) InsertUserBadge(ctx context.Context, ub badge.UserBadge) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO user_badges (user_id, badge_id, conquistado_em)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, badge_id) DO NOTHING
	`, ub.UserID, ub.BadgeID, ub.ConquistadoEm)
	if err != nil {
		if IsForeignKeyViolation(err) {
			return false, badge.ErrBadgeNotFound
		}
		return false, fmt.Errorf("insert user badge: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *profileTx) Catalog(ctx context.Context) ([]badge.Badge, error) {
	return listBadges(ctx, t.tx)
}

// ─────────────────────────────────────────────────────────────────────────────
// Read side
// ─────────────────────────────────────────────────────────────────────────────

// GetProfile implements profile.Reader.
func (s *ProfileStore) GetProfile(ctx context.Context, userID string) (*profile.Profile, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+profileColumns+` FROM gamification_profiles WHERE user_id = $1`, userID)
	p, err := s.scanProfile(row)
	if IsNoRows(err) {
		return nil, profile.ErrProfileNotFound
	}
	if err != nil {
		return nil, TranslateError("GetProfile", fmt.Errorf("get profile: %w", err))
	}
	return p, nil
}

// ListGrants implements profile.Reader.
func (s *ProfileStore) ListGrants(ctx context.Context, userID string, limit, offset int) ([]ledger.PointGrant, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, user_id, points, reason, category, COALESCE(source_event_id, ''), granted_at
		FROM point_grants
		WHERE user_id = $1
		ORDER BY granted_at DESC, id
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, TranslateError("ListGrants", fmt.Errorf("list grants: %w", err))
	}
	defer rows.Close()

	grants := make([]ledger.PointGrant, 0, limit)
	for rows.Next() {
		var g ledger.PointGrant
		var category string
		if err := rows.Scan(&g.ID, &g.UserID, &g.Points, &g.Reason, &category, &g.SourceEventID, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		g.Category = ledger.Category(category)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// ListUserBadges implements profile.Reader.
func (s *ProfileStore) ListUserBadges(ctx context.Context, userID string) ([]badge.UserBadge, error) {
	out, err := listUserBadges(ctx, s.conn, userID)
	return out, TranslateError("ListUserBadges", err)
}

// LedgerTotal sums a user's ledger. Used by consistency checks.
func (s *ProfileStore) LedgerTotal(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := s.conn.QueryRow(ctx, `SELECT COALESCE(SUM(points), 0) FROM point_grants WHERE user_id = $1`, userID).Scan(&total)
	if err != nil {
		return 0, TranslateError("LedgerTotal", err)
	}
	return total, nil
}

// FindDrift implements profile.Auditor.
func (s *ProfileStore) FindDrift(ctx context.Context) ([]profile.Drift, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT p.user_id, p.pontos_totais, COALESCE(SUM(g.points), 0)
		FROM gamification_profiles p
		LEFT JOIN point_grants g ON g.user_id = p.user_id
		GROUP BY p.user_id, p.pontos_totais
		HAVING p.pontos_totais <> COALESCE(SUM(g.points), 0)
		ORDER BY p.user_id
	`)
	if err != nil {
		return nil, TranslateError("FindDrift", fmt.Errorf("audit ledger: %w", err))
	}
	defer rows.Close()

	out := make([]profile.Drift, 0)
	for rows.Next() {
		var d profile.Drift
		if err := rows.Scan(&d.UserID, &d.PontosTotais, &d.LedgerTotal); err != nil {
			return nil, fmt.Errorf("scan drift: %w", err)
		}
		out = append(out, d)
	}
	return out, TranslateError("FindDrift", rows.Err())
}

func listUserBadges(ctx context.Context, q Querier, userID string) ([]badge.UserBadge, error) {
	rows, err := q.Query(ctx, `
		SELECT user_id, badge_id, conquistado_em FROM user_badges WHERE user_id = $1 ORDER BY conquistado_em, badge_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user badges: %w", err)
	}
	defer rows.Close()

	out := make([]badge.UserBadge, 0)
	for rows.Next() {
		var ub badge.UserBadge
		if err := rows.Scan(&ub.UserID, &ub.BadgeID, &ub.ConquistadoEm); err != nil {
			return nil, fmt.Errorf("scan user badge: %w", err)
		}
		out = append(out, ub)
	}
	return out, rows.Err()
}
