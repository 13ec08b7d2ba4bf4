// Package streak содержит правила подсчёта серий активных дней.
// Все даты сравниваются в одном каноническом часовом поясе (timeutil.Calendar).
package streak

import (
	"time"

	"github.com/alem-hub/gamification-engine/pkg/timeutil"
)

// Outcome описывает, что произошло с серией.
type Outcome string

const (
	// OutcomeStarted - первая активность или серия началась заново.
	OutcomeStarted Outcome = "started"
	// OutcomeContinued - активность на следующий день после предыдущей.
	OutcomeContinued Outcome = "continued"
	// OutcomeSameDay - повторная активность в тот же день, серия не меняется.
	OutcomeSameDay Outcome = "same_day"
	// OutcomeReset - пропущен хотя бы один день, серия сброшена до 1.
	OutcomeReset Outcome = "reset"
	// OutcomeLate - событие датировано раньше последней активности.
	OutcomeLate Outcome = "late"
)

// Result - новое состояние серии.
type Result struct {
	Streak  int
	Best    int
	Outcome Outcome
	// LastActivity - дата, которую нужно сохранить как ultima_atividade.
	LastActivity time.Time
}

// Changed сообщает, изменились ли счётчики.
func (r Result) Changed(current, best int) bool {
	return r.Streak != current || r.Best != best
}

// Update вычисляет новую серию.
//
// last == nil означает, что активности ещё не было. today - момент события;
// оба значения приводятся к календарному дню в cal.
func Update(cal timeutil.Calendar, last *time.Time, today time.Time, current, best int) Result {
	day := cal.Day(today)

	if last == nil {
		return finish(1, best, OutcomeStarted, day)
	}

	lastDay := cal.Day(*last)
	switch gap := cal.DaysBetween(lastDay, day); {
	case gap == 0:
		return finish(current, best, OutcomeSameDay, lastDay)
	case gap == 1:
		return finish(current+1, best, OutcomeContinued, day)
	case gap < 0:
		// Опоздавшее событие не откатывает ultima_atividade и не ломает серию.
		return finish(current, best, OutcomeLate, lastDay)
	default:
		return finish(1, best, OutcomeReset, day)
	}
}

func finish(streak, best int, outcome Outcome, last time.Time) Result {
	if streak > best {
		best = streak
	}
	return Result{
		Streak:       streak,
		Best:         best,
		Outcome:      outcome,
		LastActivity: last,
	}
}
