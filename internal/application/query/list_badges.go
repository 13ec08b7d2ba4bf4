package query

import (
	"context"
	"encoding/json"

	"github.com/alem-hub/gamification-engine/internal/domain/badge"
	"github.com/alem-hub/gamification-engine/internal/domain/profile"
)

// ══════════════════════════════════════════════════════════════════════════════
// LIST BADGES QUERY
// Каталог значков в порядке оценки.
// ══════════════════════════════════════════════════════════════════════════════

// BadgeDTO - запись каталога.
type BadgeDTO struct {
	ID             string          `json:"id"`
	Nome           string          `json:"nome"`
	Descricao      string          `json:"descricao,omitempty"`
	Icone          string          `json:"icone,omitempty"`
	Tipo           string          `json:"tipo,omitempty"`
	Cor            string          `json:"cor,omitempty"`
	PontosBonus    int64           `json:"pontos_bonus"`
	Ordem          int             `json:"ordem"`
	Requisito      json.RawMessage `json:"requisito"`
	RequisitoTexto string          `json:"requisito_texto"`
}

// NewBadgeDTO конвертирует запись каталога.
func NewBadgeDTO(b badge.Badge) BadgeDTO {
	raw, err := json.Marshal(b.Requisito)
	if err != nil {
		raw = []byte("{}")
	}
	return BadgeDTO{
		ID:             b.ID,
		Nome:           b.Nome,
		Descricao:      b.Descricao,
		Icone:          b.Icone,
		Tipo:           b.Tipo,
		Cor:            b.Cor,
		PontosBonus:    b.PontosBonus,
		Ordem:          b.Ordem,
		Requisito:      raw,
		RequisitoTexto: b.Requisito.String(),
	}
}

// ListBadgesHandler возвращает каталог.
type ListBadgesHandler struct {
	catalog profile.CatalogReader
}

// NewListBadgesHandler создаёт обработчик.
func NewListBadgesHandler(catalog profile.CatalogReader) *ListBadgesHandler {
	return &ListBadgesHandler{catalog: catalog}
}

// Handle возвращает каталог, отсортированный по (ordem, id).
func (h *ListBadgesHandler) Handle(ctx context.Context) ([]BadgeDTO, error) {
	catalog, err := h.catalog.ListBadges(ctx)
	if err != nil {
		return nil, err
	}
	badge.SortCatalog(catalog)

	out := make([]BadgeDTO, len(catalog))
	for i, b := range catalog {
		out[i] = NewBadgeDTO(b)
	}
	return out, nil
}
