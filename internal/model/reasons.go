package model

// ExitReason explains why a position was closed. Stored on the position and
// in the trade history.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "SL_HIT"
	ExitTakeProfit   ExitReason = "TP_HIT"
	ExitNewsBlackout ExitReason = "NEWS_BLACKOUT"
	ExitTime         ExitReason = "TIME_EXIT"
	ExitFastDiscard  ExitReason = "FAST_DISCARD"
	ExitGhostCleanup ExitReason = "GHOST_CLEANUP"
)

// SkipReason enumerates every way a candidate can be dropped before a
// position opens. The skipped-trades log is exhaustive by construction:
// there is no string-typed escape hatch.
type SkipReason string

const (
	SkipRiskExceeded    SkipReason = "RISK_EXCEEDED"
	SkipNoCapacity      SkipReason = "NO_CAPACITY"
	SkipDuplicate       SkipReason = "DUPLICATE_SYMBOL"
	SkipCircuitBreaker  SkipReason = "CIRCUIT_BREAKER"
	SkipContended       SkipReason = "LEDGER_CONTENDED"
	SkipOrderFailed     SkipReason = "ORDER_FAILED"
	SkipDataUnavailable SkipReason = "DATA_UNAVAILABLE"
	SkipNewsBlackout    SkipReason = "NEWS_BLACKOUT"
)
