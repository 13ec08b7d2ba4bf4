package query

import (
	"context"
	"time"

	"github.com/alem-hub/gamification-engine/internal/domain/badge"
	"github.com/alem-hub/gamification-engine/internal/domain/ledger"
	"github.com/alem-hub/gamification-engine/internal/domain/profile"
	"github.com/alem-hub/gamification-engine/internal/domain/shared"
	"github.com/alem-hub/gamification-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET PROFILE QUERY
// Профиль пользователя вместе с полученными значками.
// ══════════════════════════════════════════════════════════════════════════════

// ProfileDTO - представление профиля для внешних потребителей.
type ProfileDTO struct {
	UserID          string    `json:"user_id"`
	PontosTotais    int64     `json:"pontos_totais"`
	Nivel           int       `json:"nivel"`
	XPAtual         int64     `json:"xp_atual"`
	XPProximoNivel  int64     `json:"xp_proximo_nivel"`
	StreakAtual     int       `json:"streak_atual"`
	MelhorStreak    int       `json:"melhor_streak"`
	UltimaAtividade string    `json:"ultima_atividade,omitempty"`
	CriadoEm        time.Time `json:"criado_em"`
	AtualizadoEm    time.Time `json:"atualizado_em"`
}

// NewProfileDTO конвертирует профиль; дата активности выводится в каноническом поясе.
func NewProfileDTO(p *profile.Profile, cal timeutil.Calendar) ProfileDTO {
	dto := ProfileDTO{
		UserID:         p.UserID,
		PontosTotais:   p.PontosTotais,
		Nivel:          p.Nivel,
		XPAtual:        p.XPAtual,
		XPProximoNivel: p.XPProximoNivel,
		StreakAtual:    p.StreakAtual,
		MelhorStreak:   p.MelhorStreak,
		CriadoEm:       p.CriadoEm.UTC(),
		AtualizadoEm:   p.AtualizadoEm.UTC(),
	}
	if p.UltimaAtividade != nil {
		dto.UltimaAtividade = cal.FormatDate(*p.UltimaAtividade)
	}
	return dto
}

// EarnedBadgeDTO - полученный значок с данными каталога.
type EarnedBadgeDTO struct {
	BadgeID       string    `json:"badge_id"`
	Nome          string    `json:"nome"`
	Descricao     string    `json:"descricao,omitempty"`
	Icone         string    `json:"icone,omitempty"`
	Tipo          string    `json:"tipo,omitempty"`
	Cor           string    `json:"cor,omitempty"`
	PontosBonus   int64     `json:"pontos_bonus"`
	ConquistadoEm time.Time `json:"conquistado_em"`
}

// GetProfileQuery - запрос профиля.
type GetProfileQuery struct {
	UserID string
}

// GetProfileResult - профиль и его значки в порядке каталога.
type GetProfileResult struct {
	Profile ProfileDTO       `json:"profile"`
	Badges  []EarnedBadgeDTO `json:"badges"`
}

// GetProfileHandler обрабатывает запрос профиля.
type GetProfileHandler struct {
	reader   profile.Reader
	catalog  profile.CatalogReader
	calendar timeutil.Calendar
}

// NewGetProfileHandler создаёт обработчик.
func NewGetProfileHandler(reader profile.Reader, catalog profile.CatalogReader, calendar timeutil.Calendar) *GetProfileHandler {
	return &GetProfileHandler{reader: reader, catalog: catalog, calendar: calendar}
}

// Handle возвращает профиль или ошибку NotFound.
func (h *GetProfileHandler) Handle(ctx context.Context, query GetProfileQuery) (*GetProfileResult, error) {
	userID, err := shared.NewUserID(query.UserID)
	if err != nil {
		return nil, err
	}

	p, err := h.reader.GetProfile(ctx, userID.String())
	if err != nil {
		return nil, err
	}

	badges, err := h.earnedBadges(ctx, userID.String())
	if err != nil {
		return nil, err
	}

	return &GetProfileResult{
		Profile: NewProfileDTO(p, h.calendar),
		Badges:  badges,
	}, nil
}

// ListUserBadges возвращает только значки пользователя.
func (h *GetProfileHandler) ListUserBadges(ctx context.Context, query GetProfileQuery) ([]EarnedBadgeDTO, error) {
	userID, err := shared.NewUserID(query.UserID)
	if err != nil {
		return nil, err
	}
	return h.earnedBadges(ctx, userID.String())
}

func (h *GetProfileHandler) earnedBadges(ctx context.Context, userID string) ([]EarnedBadgeDTO, error) {
	owned, err := h.reader.ListUserBadges(ctx, userID)
	if err != nil {
		return nil, err
	}
	result := make([]EarnedBadgeDTO, 0, len(owned))
	if len(owned) == 0 {
		return result, nil
	}

	catalog, err := h.catalog.ListBadges(ctx)
	if err != nil {
		return nil, err
	}
	badge.SortCatalog(catalog)

	earned := make(map[string]badge.UserBadge, len(owned))
	for _, ub := range owned {
		earned[ub.BadgeID] = ub
	}

	for _, b := range catalog {
		ub, ok := earned[b.ID]
		if !ok {
			continue
		}
		result = append(result, EarnedBadgeDTO{
			BadgeID:       b.ID,
			Nome:          b.Nome,
			Descricao:     b.Descricao,
			Icone:         b.Icone,
			Tipo:          b.Tipo,
			Cor:           b.Cor,
			PontosBonus:   b.PontosBonus,
			ConquistadoEm: ub.ConquistadoEm.UTC(),
		})
	}
	return result, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LIST GRANTS QUERY
// История начислений пользователя, новые сверху.
// ══════════════════════════════════════════════════════════════════════════════

// DefaultGrantsLimit - размер страницы истории по умолчанию.
const DefaultGrantsLimit = 50

// MaxGrantsLimit - верхняя граница страницы истории.
const MaxGrantsLimit = 200

// GrantDTO - запись журнала начислений.
type GrantDTO struct {
	ID        string    `json:"id"`
	Points    int64     `json:"points"`
	Reason    string    `json:"reason"`
	Category  string    `json:"category"`
	EventID   string    `json:"event_id,omitempty"`
	GrantedAt time.Time `json:"granted_at"`
}

// NewGrantDTO конвертирует запись журнала.
func NewGrantDTO(g ledger.PointGrant) GrantDTO {
	return GrantDTO{
		ID:        g.ID,
		Points:    g.Points,
		Reason:    g.Reason,
		Category:  string(g.Category),
		EventID:   g.SourceEventID,
		GrantedAt: g.GrantedAt.UTC(),
	}
}

// ListGrantsQuery - запрос истории начислений.
type ListGrantsQuery struct {
	UserID string
	Limit  int
	Offset int
}

// ListGrantsResult - страница истории.
type ListGrantsResult struct {
	Grants []GrantDTO `json:"grants"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// ListGrantsHandler обрабатывает запрос истории.
type ListGrantsHandler struct {
	reader profile.Reader
}

// NewListGrantsHandler создаёт обработчик.
func NewListGrantsHandler(reader profile.Reader) *ListGrantsHandler {
	return &ListGrantsHandler{reader: reader}
}

// Handle возвращает страницу истории. Для неизвестного пользователя - NotFound.
func (h *ListGrantsHandler) Handle(ctx context.Context, query ListGrantsQuery) (*ListGrantsResult, error) {
	userID, err := shared.NewUserID(query.UserID)
	if err != nil {
		return nil, err
	}
	if query.Limit < 0 || query.Offset < 0 {
		return nil, shared.NewDomainError("query", "ListGrants", shared.ErrNegativeValue, "limit and offset cannot be negative")
	}
	if query.Limit == 0 {
		query.Limit = DefaultGrantsLimit
	}
	if query.Limit > MaxGrantsLimit {
		query.Limit = MaxGrantsLimit
	}

	if _, err := h.reader.GetProfile(ctx, userID.String()); err != nil {
		return nil, err
	}

	grants, err := h.reader.ListGrants(ctx, userID.String(), query.Limit, query.Offset)
	if err != nil {
		return nil, err
	}

	dtos := make([]GrantDTO, len(grants))
	for i, g := range grants {
		dtos[i] = NewGrantDTO(g)
	}
	return &ListGrantsResult{Grants: dtos, Limit: query.Limit, Offset: query.Offset}, nil
}
