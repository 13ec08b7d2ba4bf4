package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/alem-hub/gamification-engine/internal/domain/badge"
)

// catalogFile is the YAML layout of a badge catalog seed:
//
//	badges:
//	  - id: streak-3
//	    nome: Três dias seguidos
//	    requisito: {metric: streak_atual, min: 3}
//	    pontos_bonus: 50
type catalogFile struct {
	Badges []catalogEntry `yaml:"badges"`
}

type catalogEntry struct {
	ID          string            `yaml:"id"`
	Nome        string            `yaml:"nome"`
	Descricao   string            `yaml:"descricao"`
	Icone       string            `yaml:"icone"`
	Tipo        string            `yaml:"tipo"`
	Requisito   badge.Requirement `yaml:"requisito"`
	PontosBonus int64             `yaml:"pontos_bonus"`
	Cor         string            `yaml:"cor"`
	Ordem       *int              `yaml:"ordem"`
}

// LoadCatalog reads a badge catalog from a YAML file.
func LoadCatalog(path string) ([]badge.Badge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read badge catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML badge catalog. Entries without ordem take
// their position in the file. The result is in catalog order.
func ParseCatalog(data []byte) ([]badge.Badge, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse badge catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Badges))
	out := make([]badge.Badge, 0, len(file.Badges))
	for i, e := range file.Badges {
		ordem := i
		if e.Ordem != nil {
			ordem = *e.Ordem
		}
		b := badge.Badge{
			ID:          e.ID,
			Nome:        e.Nome,
			Descricao:   e.Descricao,
			Icone:       e.Icone,
			Tipo:        e.Tipo,
			Requisito:   e.Requisito,
			PontosBonus: e.PontosBonus,
			Cor:         e.Cor,
			Ordem:       ordem,
		}
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("badge catalog entry %d: %w", i, err)
		}
		if _, dup := seen[b.ID]; dup {
			return nil, fmt.Errorf("badge catalog: duplicate id %q", b.ID)
		}
		seen[b.ID] = struct{}{}
		out = append(out, b)
	}

	badge.SortCatalog(out)
	return out, nil
}
