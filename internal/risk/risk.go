// Package risk implements the deterministic risk classifier for tracked
// entities.
//
// Classification is a pure function of (volatility, 24h anomaly count)
// evaluated against an ordered threshold ladder. Same inputs always yield
// the same level, so the classifier holds no state and needs no locks.
package risk

// Level is the ordinal risk classification of an entity.
type Level string

const (
	LevelLow      Level = "low"
	LevelWatch    Level = "watch"
	LevelElevated Level = "elevated"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Threshold ladder constants. Evaluated top-down, first match wins.
const (
	lowVolatilityMax      = 0.15
	watchVolatilityMax    = 0.30
	elevatedVolatilityMax = 0.50
	highVolatilityMax     = 0.70

	lowAnomaliesMax      = 0
	watchAnomaliesMax    = 1
	elevatedAnomaliesMax = 2
	highAnomaliesMax     = 3
)

// rank orders levels for sorting. Higher is riskier.
var rank = map[Level]int{
	LevelCritical: 5,
	LevelHigh:     4,
	LevelElevated: 3,
	LevelWatch:    2,
	LevelLow:      1,
}

// Classify maps volatility and the 24h anomaly count to a risk level.
//
// Every row requires both conditions except "high", which fires when the
// entity is either sufficiently volatile OR has accumulated too many
// anomalies. It is the one rung where a single bad signal escalates risk
// on its own.
func Classify(volatility float64, anomalies24h int) Level {
	switch {
	case volatility < lowVolatilityMax && anomalies24h <= lowAnomaliesMax:
		return LevelLow
	case volatility < watchVolatilityMax && anomalies24h <= watchAnomaliesMax:
		return LevelWatch
	case volatility < elevatedVolatilityMax && anomalies24h <= elevatedAnomaliesMax:
		return LevelElevated
	case volatility < highVolatilityMax || anomalies24h <= highAnomaliesMax:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Rank returns the sort weight of a level: critical=5 down to low=1.
// Unknown levels rank 0, below everything valid.
func Rank(l Level) int {
	return rank[l]
}

// Valid reports whether l is one of the five defined levels.
func Valid(l Level) bool {
	_, ok := rank[l]
	return ok
}
