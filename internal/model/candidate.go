package model

import "time"

// ScoreDetail carries the provenance of a momentum score so that every
// candidate decision can be reconstructed from the logs.
type ScoreDetail struct {
	Crossover         bool
	NightPump         bool
	PriceChange3      float64
	VolumeRatio       float64
	ATRPct            float64
	SessionName       string
	SessionMultiplier float64
	MobilityRank      float64
}

// Candidate is a scored trading opportunity emitted by the scanner and
// consumed by the trading engine within the same tick. Never persisted.
type Candidate struct {
	Symbol       string
	Direction    Direction
	Score        int
	Price        float64
	ATR          float64
	SuggestedTP  float64
	SuggestedSL  float64
	Volume24h    float64
	SnapshotTime time.Time
	Detail       ScoreDetail
}
