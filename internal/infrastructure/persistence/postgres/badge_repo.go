package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/gamification-engine/internal/domain/badge"
	"github.com/alem-hub/gamification-engine/internal/domain/profile"
)

// ══════════════════════════════════════════════════════════════════════════════
// BADGE CATALOG REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// BadgeRepository reads the badge catalog and seeds it on startup.
type BadgeRepository struct {
	conn *Connection
}

var _ profile.CatalogReader = (*BadgeRepository)(nil)

// NewBadgeRepository creates a new BadgeRepository.
func NewBadgeRepository(conn *Connection) *BadgeRepository {
	return &BadgeRepository{conn: conn}
}

// ListBadges implements profile.CatalogReader.
func (r *BadgeRepository) ListBadges(ctx context.Context) ([]badge.Badge, error) {
	out, err := listBadges(ctx, r.conn)
	return out, TranslateError("ListBadges", err)
}

// UpsertCatalog inserts or replaces catalog entries in a single transaction.
// Existing unlocks are untouched; badges missing from the input stay as they are.
func (r *BadgeRepository) UpsertCatalog(ctx context.Context, badges []badge.Badge) error {
	for _, b := range badges {
		if err := b.Validate(); err != nil {
			return err
		}
	}

	err := r.conn.WithTx(ctx, ReadWrite, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, b := range badges {
			requisito, err := json.Marshal(b.Requisito)
			if err != nil {
				return fmt.Errorf("marshal requisito of %s: %w", b.ID, err)
			}
			batch.Queue(`
				INSERT INTO badges (id, nome, descricao, icone, tipo, requisito, pontos_bonus, cor, ordem)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (id) DO UPDATE SET
					nome = EXCLUDED.nome,
					descricao = EXCLUDED.descricao,
					icone = EXCLUDED.icone,
					tipo = EXCLUDED.tipo,
					requisito = EXCLUDED.requisito,
					pontos_bonus = EXCLUDED.pontos_bonus,
					cor = EXCLUDED.cor,
					ordem = EXCLUDED.ordem
			`, b.ID, b.Nome, b.Descricao, b.Icone, b.Tipo, requisito, b.PontosBonus, b.Cor, b.Ordem)
		}

		br := tx.SendBatch(ctx, batch)
		defer br.Close()

		for _, b := range badges {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("upsert badge %s: %w", b.ID, err)
			}
		}
		return nil
	})
	return TranslateError("UpsertCatalog", err)
}

// listBadges reads the catalog. Rows whose requisito does not decode are
// skipped so one bad admin edit never blocks evaluation for every user.
func listBadges(ctx context.Context, q Querier) ([]badge.Badge, error) {
	rows, err := q.Query(ctx, `
		SELECT id, nome, descricao, icone, tipo, requisito, pontos_bonus, cor, ordem
		FROM badges
		ORDER BY ordem, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list badges: %w", err)
	}
	defer rows.Close()

	out := make([]badge.Badge, 0)
	for rows.Next() {
		var b badge.Badge
		var raw []byte
		if err := rows.Scan(&b.ID, &b.Nome, &b.Descricao, &b.Icone, &b.Tipo, &raw, &b.PontosBonus, &b.Cor, &b.Ordem); err != nil {
			return nil, fmt.Errorf("scan badge: %w", err)
		}
		req, err := badge.DecodeRequirement(raw)
		if err != nil {
			continue
		}
		b.Requisito = req
		out = append(out, b)
	}
	return out, rows.Err()
}
