// Package leaderboard содержит доменную модель лидерборда.
// Лидерборд никогда не хранится: он пересчитывается из профилей на каждый запрос.
package leaderboard

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alem-hub/gamification-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// Rank представляет позицию в лидерборде. Начинается с 1.
type Rank int

// IsValid проверяет, что ранг положительный.
func (r Rank) IsValid() bool {
	return r > 0
}

// String возвращает строковое представление ранга.
func (r Rank) String() string {
	return fmt.Sprintf("#%d", r)
}

// Window - окно давности для лидерборда.
//
// Недельное и месячное окно фильтруют участников по ultima_atividade,
// но показывают pontos_totais за всё время. Это известное ограничение:
// очки, заработанные именно в окне, не пересчитываются.
type Window string

const (
	WindowWeekly  Window = "weekly"
	WindowMonthly Window = "monthly"
	WindowAllTime Window = "all_time"
)

// ParseWindow разбирает окно; пустая строка означает all_time.
func ParseWindow(s string) (Window, error) {
	switch w := Window(strings.ToLower(strings.TrimSpace(s))); w {
	case "", "all-time", "alltime", WindowAllTime:
		return WindowAllTime, nil
	case WindowWeekly, WindowMonthly:
		return w, nil
	default:
		return "", shared.NewDomainError("leaderboard", "ParseWindow", shared.ErrInvalidInput, "unknown window "+s)
	}
}

// Days возвращает длину окна в днях; 0 для all_time.
func (w Window) Days() int {
	switch w {
	case WindowWeekly:
		return 7
	case WindowMonthly:
		return 30
	default:
		return 0
	}
}

// Since возвращает первый календарный день, попадающий в окно, относительно
// today (полночь в каноническом поясе). Окно включает today и ровно Days()
// календарных дней: недельное с today-6, месячное с today-29. nil для all_time.
func (w Window) Since(today time.Time) *time.Time {
	days := w.Days()
	if days == 0 {
		return nil
	}
	since := today.AddDate(0, 0, -(days - 1))
	return &since
}

// ══════════════════════════════════════════════════════════════════════════════
// ENTRIES
// ══════════════════════════════════════════════════════════════════════════════

// Candidate - профиль, попавший в выборку до присвоения позиции.
type Candidate struct {
	UserID          string
	PontosTotais    int64
	Nivel           int
	StreakAtual     int
	UltimaAtividade *time.Time
}

// LeaderboardEntry - строка лидерборда.
type LeaderboardEntry struct {
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name"`
	PontosTotais int64  `json:"pontos_totais"`
	Nivel        int    `json:"nivel"`
	StreakAtual  int    `json:"streak_atual"`
	Posicao      Rank   `json:"posicao"`
}

// String возвращает строковое представление.
func (e LeaderboardEntry) String() string {
	return fmt.Sprintf("%s %s (%d pts, nivel %d)", e.Posicao, e.UserID, e.PontosTotais, e.Nivel)
}

// Less задаёт единственный порядок лидерборда:
// pontos_totais по убыванию, затем более ранняя ultima_atividade
// (профили без активности в конце), затем user_id по возрастанию.
// SQL-адаптеры обязаны повторять этот порядок в ORDER BY.
func Less(a, b Candidate) bool {
	if a.PontosTotais != b.PontosTotais {
		return a.PontosTotais > b.PontosTotais
	}
	switch {
	case a.UltimaAtividade != nil && b.UltimaAtividade == nil:
		return true
	case a.UltimaAtividade == nil && b.UltimaAtividade != nil:
		return false
	case a.UltimaAtividade != nil && b.UltimaAtividade != nil && !a.UltimaAtividade.Equal(*b.UltimaAtividade):
		return a.UltimaAtividade.Before(*b.UltimaAtividade)
	}
	return a.UserID < b.UserID
}

// Sort упорядочивает кандидатов на месте.
func Sort(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool { return Less(cs[i], cs[j]) })
}

// InWindow проверяет, попадает ли кандидат в окно, начинающееся с since.
func InWindow(c Candidate, since *time.Time) bool {
	if since == nil {
		return true
	}
	if c.UltimaAtividade == nil {
		return false
	}
	return !c.UltimaAtividade.Before(*since)
}

// ══════════════════════════════════════════════════════════════════════════════
// RANKING
// ══════════════════════════════════════════════════════════════════════════════

// Names сопоставляет user_id с отображаемым именем.
type Names map[string]string

// Assign превращает упорядоченную страницу кандидатов в записи.
// offset - число записей перед страницей; позиции начинаются с offset+1.
func Assign(page []Candidate, offset int, names Names) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, len(page))
	for i, c := range page {
		name := names[c.UserID]
		if name == "" {
			name = c.UserID
		}
		entries[i] = LeaderboardEntry{
			UserID:       c.UserID,
			DisplayName:  name,
			PontosTotais: c.PontosTotais,
			Nivel:        c.Nivel,
			StreakAtual:  c.StreakAtual,
			Posicao:      Rank(offset + i + 1),
		}
	}
	return entries
}

// RankCandidates фильтрует, сортирует и режет кандидатов в памяти.
// Используется хранилищами, которые не умеют делать это запросом.
func RankCandidates(all []Candidate, members map[string]bool, since *time.Time, limit, offset int) []Candidate {
	filtered := make([]Candidate, 0, len(all))
	for _, c := range all {
		if members != nil && !members[c.UserID] {
			continue
		}
		if !InWindow(c, since) {
			continue
		}
		filtered = append(filtered, c)
	}
	Sort(filtered)

	if offset >= len(filtered) {
		return []Candidate{}
	}
	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[offset:end]
}
