package engine

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"perpbot-go/internal/ledger"
	"perpbot-go/internal/metrics"
	"perpbot-go/internal/model"
)

// Reconcile sweeps the ledger against the venue at scanner startup:
// RESERVED rows are promoted to OPEN when the venue shows the fill and
// rolled back when it does not, and OPEN rows with no venue counterpart
// (ghosts) are finalized at zero pnl. Venue positions unknown to the ledger
// are alerted but left alone.
func (e *Engine) Reconcile(ctx context.Context) error {
	state, err := e.ledger.Snapshot(ctx)
	if err != nil {
		return err
	}
	venue, err := e.client.FetchPositions(ctx)
	if err != nil {
		return err
	}

	for symbol, pos := range state.Positions {
		vp, onVenue := venue[symbol]
		switch pos.Status {
		case model.StatusReserved:
			if onVenue {
				e.promote(ctx, pos, vp)
			} else {
				e.sweepRollback(ctx, pos)
			}
		case model.StatusOpen:
			if !onVenue {
				e.cleanGhost(ctx, pos)
			}
		case model.StatusClosing:
			// Owned by the closer's drain pass; nothing to do here.
		}
	}

	for symbol := range venue {
		if _, known := state.Positions[symbol]; !known {
			e.log.Error().Str("symbol", symbol).
				Msg("venue position unknown to the ledger, manual intervention required")
			metrics.ReconciliationsTotal.WithLabelValues("unknown_venue_position").Inc()
		}
	}
	return nil
}

// promote completes a crashed worker's handshake using the venue's view of
// the fill. Protective prices are unknown at this point; the time-based
// exits still bound the hold.
func (e *Engine) promote(ctx context.Context, pos *model.Position, vp model.VenuePosition) {
	err := e.retry.Do(ctx,
		func(err error) bool { return errors.Is(err, ledger.ErrContended) },
		func(ctx context.Context) error {
			return e.ledger.CommitPosition(ctx, pos.ReservationID, ledger.CommitDetails{
				EntryPrice: vp.EntryPrice,
				Quantity:   vp.Quantity,
			})
		})
	if err != nil {
		e.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("promotion failed")
		return
	}
	metrics.ReconciliationsTotal.WithLabelValues("promoted").Inc()
	e.log.Warn().Str("symbol", pos.Symbol).Str("reservation_id", pos.ReservationID).
		Msg("orphaned reservation promoted to open")
}

func (e *Engine) sweepRollback(ctx context.Context, pos *model.Position) {
	err := e.retry.Do(ctx,
		func(err error) bool { return errors.Is(err, ledger.ErrContended) },
		func(ctx context.Context) error {
			return e.ledger.RollbackReservation(ctx, pos.ReservationID)
		})
	if err != nil {
		e.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("sweep rollback failed")
		return
	}
	metrics.ReconciliationsTotal.WithLabelValues("rolled_back").Inc()
	e.log.Warn().Str("symbol", pos.Symbol).Str("reservation_id", pos.ReservationID).
		Msg("orphaned reservation rolled back")
}

// cleanGhost removes a ledger position the venue no longer holds. The real
// exit happened outside our control, so the realized pnl is unknown and
// recorded as zero.
func (e *Engine) cleanGhost(ctx context.Context, pos *model.Position) {
	token, err := e.ledger.BeginClose(ctx, pos.Symbol, model.ExitGhostCleanup)
	if err != nil {
		e.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("ghost close begin failed")
		return
	}
	if _, err := e.ledger.FinalizeClose(ctx, token, pos.EntryPrice, decimal.Zero); err != nil {
		e.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("ghost close finalize failed")
		return
	}
	metrics.ReconciliationsTotal.WithLabelValues("ghost_cleanup").Inc()
	metrics.ClosesTotal.WithLabelValues(string(model.ExitGhostCleanup)).Inc()
	e.log.Warn().Str("symbol", pos.Symbol).Msg("ghost position cleaned up")
}
