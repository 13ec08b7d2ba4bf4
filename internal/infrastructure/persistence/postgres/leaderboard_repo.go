package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alem-hub/gamification-engine/internal/domain/leaderboard"
	"github.com/alem-hub/gamification-engine/internal/domain/shared"
	"github.com/alem-hub/gamification-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD REPOSITORY IMPLEMENTATION
// Reads candidates straight from gamification_profiles; nothing is cached.
// ══════════════════════════════════════════════════════════════════════════════

// LeaderboardRepository implements leaderboard.Repository for PostgreSQL.
type LeaderboardRepository struct {
	conn     *Connection
	calendar timeutil.Calendar
}

var _ leaderboard.Repository = (*LeaderboardRepository)(nil)

// NewLeaderboardRepository creates a new LeaderboardRepository.
func NewLeaderboardRepository(conn *Connection, calendar timeutil.Calendar) *LeaderboardRepository {
	return &LeaderboardRepository{conn: conn, calendar: calendar}
}

// candidatesQuery builds the ranked page query. ORDER BY mirrors leaderboard.Less.
func (r *LeaderboardRepository) candidatesQuery(opts leaderboard.QueryOptions) (string, []interface{}) {
	var where []string
	var args []interface{}

	if opts.Members != nil {
		args = append(args, opts.Members)
		where = append(where, fmt.Sprintf("user_id = ANY($%d)", len(args)))
	}
	if opts.Since != nil {
		args = append(args, r.calendar.FormatDate(*opts.Since))
		where = append(where, fmt.Sprintf("ultima_atividade >= $%d::date", len(args)))
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT user_id, pontos_totais, nivel, streak_atual, ultima_atividade
		FROM gamification_profiles`)
	if len(where) > 0 {
		sb.WriteString("\n\t\tWHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, opts.Limit, opts.Offset)
	fmt.Fprintf(&sb, `
		ORDER BY pontos_totais DESC, ultima_atividade ASC NULLS LAST, user_id ASC
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	return sb.String(), args
}

// Candidates implements leaderboard.Repository.
func (r *LeaderboardRepository) Candidates(ctx context.Context, opts leaderboard.QueryOptions) ([]leaderboard.Candidate, error) {
	if opts.Members != nil && len(opts.Members) == 0 {
		return []leaderboard.Candidate{}, nil
	}

	query, args := r.candidatesQuery(opts)
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, TranslateError("Candidates", fmt.Errorf("query leaderboard: %w", err))
	}
	defer rows.Close()

	out := make([]leaderboard.Candidate, 0, opts.Limit)
	for rows.Next() {
		var c leaderboard.Candidate
		var last *time.Time
		if err := rows.Scan(&c.UserID, &c.PontosTotais, &c.Nivel, &c.StreakAtual, &last); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		if last != nil {
			day := r.calendar.Date(last.Year(), last.Month(), last.Day())
			c.UltimaAtividade = &day
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, TranslateError("Candidates", err)
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// DIRECTORY (external enrollment and display names)
// ══════════════════════════════════════════════════════════════════════════════

// DirectoryRepository reads the externally maintained cohort and name relations.
type DirectoryRepository struct {
	conn *Connection
}

var (
	_ leaderboard.CohortDirectory = (*DirectoryRepository)(nil)
	_ leaderboard.NameResolver    = (*DirectoryRepository)(nil)
)

// NewDirectoryRepository creates a new DirectoryRepository.
func NewDirectoryRepository(conn *Connection) *DirectoryRepository {
	return &DirectoryRepository{conn: conn}
}

// Members implements leaderboard.CohortDirectory.
func (r *DirectoryRepository) Members(ctx context.Context, cohort shared.CohortID) ([]string, error) {
	var exists bool
	if err := r.conn.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM cohorts WHERE id = $1)`, cohort.String()).Scan(&exists); err != nil {
		return nil, TranslateError("Members", fmt.Errorf("check cohort: %w", err))
	}
	if !exists {
		return nil, leaderboard.ErrCohortNotFound
	}

	rows, err := r.conn.Query(ctx, `SELECT user_id FROM cohort_members WHERE cohort_id = $1`, cohort.String())
	if err != nil {
		return nil, TranslateError("Members", fmt.Errorf("list members: %w", err))
	}
	defer rows.Close()

	members := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// DisplayNames implements leaderboard.NameResolver.
func (r *DirectoryRepository) DisplayNames(ctx context.Context, userIDs []string) (leaderboard.Names, error) {
	names := make(leaderboard.Names, len(userIDs))
	if len(userIDs) == 0 {
		return names, nil
	}

	rows, err := r.conn.Query(ctx, `SELECT user_id, display_name FROM user_directory WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, TranslateError("DisplayNames", fmt.Errorf("resolve names: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}
