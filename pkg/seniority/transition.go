package seniority

import "time"

type Level string

const (
	LevelNone   Level = ""
	LevelVP     Level = "vp"
	LevelCSuite Level = "csuite"
)

func (l Level) Rank() int {
	switch l {
	case LevelCSuite:
		return 2
	case LevelVP:
		return 1
	default:
		return 0
	}
}

func (l Level) IsSenior() bool {
	return l.Rank() > 0
}

func (l Level) String() string {
	if l == LevelNone {
		return "none"
	}
	return string(l)
}

// ParseLevel accepts the stored column values; anything else is LevelNone.
func ParseLevel(value string) Level {
	switch Level(value) {
	case LevelVP, LevelCSuite:
		return Level(value)
	default:
		return LevelNone
	}
}

type Kind string

const (
	KindNoop           Kind = "noop"
	KindFirstDetection Kind = "first_detection"
	KindPromotion      Kind = "promotion"
	KindUpdate         Kind = "update"
	KindDemotion       Kind = "demotion"
)

type Transition struct {
	Kind Kind
	From Level
	// To is the level stored after the transition. A csuite user observed
	// with a vp title stays at csuite.
	To Level
}

func (t Transition) EmitsDetection() bool {
	return t.Kind == KindFirstDetection || t.Kind == KindPromotion
}

func (t Transition) DeletesState() bool {
	return t.Kind == KindDemotion
}

// Decide maps the stored level and the level classified from the current
// event to the transition the state store must apply.
func Decide(current, observed Level) Transition {
	switch {
	case !observed.IsSenior() && !current.IsSenior():
		return Transition{Kind: KindNoop, From: LevelNone, To: LevelNone}
	case !observed.IsSenior():
		return Transition{Kind: KindDemotion, From: current, To: LevelNone}
	case !current.IsSenior():
		return Transition{Kind: KindFirstDetection, From: LevelNone, To: observed}
	case current == LevelVP && observed == LevelCSuite:
		return Transition{Kind: KindPromotion, From: current, To: observed}
	default:
		to := current
		if observed.Rank() > current.Rank() {
			to = observed
		}
		return Transition{Kind: KindUpdate, From: current, To: to}
	}
}

// Observation is one classified job title event for a user.
type Observation struct {
	UserID       string
	Username     string
	Title        string
	Level        Level
	Country      string
	Company      string
	JoinedAt     *time.Time
	RulesVersion string
	ObservedAt   time.Time
}
