// Package profile holds the per-user gamification aggregate and the store
// contract that keeps it consistent with the ledger and badge unlocks.
package profile

import (
	"fmt"
	"time"

	"github.com/alem-hub/gamification-engine/internal/domain/badge"
	"github.com/alem-hub/gamification-engine/internal/domain/ledger"
	"github.com/alem-hub/gamification-engine/internal/domain/progression"
	"github.com/alem-hub/gamification-engine/internal/domain/shared"
	"github.com/alem-hub/gamification-engine/internal/domain/streak"
	"github.com/alem-hub/gamification-engine/pkg/timeutil"
)

// Profile is the materialized view of one user's progress.
// Nivel, XPAtual and XPProximoNivel are a cache of progression.Rules
// applied to PontosTotais and are never set independently.
type Profile struct {
	UserID          string
	PontosTotais    int64
	Nivel           int
	XPAtual         int64
	XPProximoNivel  int64
	StreakAtual     int
	MelhorStreak    int
	UltimaAtividade *time.Time
	CriadoEm        time.Time
	AtualizadoEm    time.Time
}

// New returns the default profile created on a user's first qualifying event.
func New(userID string, rules *progression.Rules, now time.Time) *Profile {
	lvl := rules.LevelFor(0)
	return &Profile{
		UserID:         userID,
		Nivel:          lvl.Level,
		XPAtual:        lvl.XPIntoLevel,
		XPProximoNivel: lvl.XPForNextLevel,
		CriadoEm:       now,
		AtualizadoEm:   now,
	}
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	c := *p
	if p.UltimaAtividade != nil {
		d := *p.UltimaAtividade
		c.UltimaAtividade = &d
	}
	return &c
}

// AddPoints adds a positive grant to the total and recomputes level and XP.
func (p *Profile) AddPoints(points int64, rules *progression.Rules) {
	if points <= 0 {
		return
	}
	p.PontosTotais += points
	p.Recompute(rules)
}

// Recompute re-derives level and XP from PontosTotais.
func (p *Profile) Recompute(rules *progression.Rules) {
	lvl := rules.LevelFor(p.PontosTotais)
	p.Nivel = lvl.Level
	p.XPAtual = lvl.XPIntoLevel
	p.XPProximoNivel = lvl.XPForNextLevel
}

// RecordActivity applies the streak rules for a qualifying activity at the
// given instant.
func (p *Profile) RecordActivity(cal timeutil.Calendar, at time.Time) streak.Result {
	res := streak.Update(cal, p.UltimaAtividade, at, p.StreakAtual, p.MelhorStreak)
	p.StreakAtual = res.Streak
	p.MelhorStreak = res.Best
	last := res.LastActivity
	p.UltimaAtividade = &last
	return res
}

// Stats exposes the profile to badge requirements.
func (p *Profile) Stats(counters ledger.Counters) badge.Stats {
	return badge.Stats{
		TotalPoints:   p.PontosTotais,
		Level:         p.Nivel,
		CurrentStreak: p.StreakAtual,
		BestStreak:    p.MelhorStreak,
		Counters:      counters,
	}
}

// CheckInvariants verifies the aggregate against the progression rules.
// Stores call it before persisting.
func (p *Profile) CheckInvariants(rules *progression.Rules) error {
	if p.UserID == "" {
		return shared.Validationf("profile", "CheckInvariants", "profile has no user id")
	}
	if p.PontosTotais < 0 {
		return shared.Validationf("profile", "CheckInvariants", "pontos_totais is negative for %s", p.UserID)
	}
	lvl := rules.LevelFor(p.PontosTotais)
	if p.Nivel != lvl.Level || p.XPAtual != lvl.XPIntoLevel || p.XPProximoNivel != lvl.XPForNextLevel {
		return shared.Validationf("profile", "CheckInvariants",
			"level cache out of sync for %s: have (%d,%d,%d) want (%d,%d,%d)",
			p.UserID, p.Nivel, p.XPAtual, p.XPProximoNivel, lvl.Level, lvl.XPIntoLevel, lvl.XPForNextLevel)
	}
	if p.StreakAtual < 0 || p.MelhorStreak < p.StreakAtual {
		return shared.Validationf("profile", "CheckInvariants", "streak (%d, best %d) is inconsistent for %s", p.StreakAtual, p.MelhorStreak, p.UserID)
	}
	return nil
}

// String is used in logs.
func (p *Profile) String() string {
	return fmt.Sprintf("profile{%s pts=%d lvl=%d xp=%d/%d streak=%d best=%d}",
		p.UserID, p.PontosTotais, p.Nivel, p.XPAtual, p.XPProximoNivel, p.StreakAtual, p.MelhorStreak)
}

// ErrProfileNotFound is returned by read paths for users without a profile.
var ErrProfileNotFound = shared.NewDomainError("profile", "Find", shared.ErrNotFound, "profile not found")

// ErrProfileMissing rejects an event for a user without a profile when the
// caller disabled lazy creation.
var ErrProfileMissing = shared.NewDomainError("profile", "Load", shared.ErrValidation, "user has no gamification profile")
