// Package statemachine applies the position lifecycle transition table
// (ORDER -> OPEN -> CLOSED/CANCELLED) over store operations. Every Apply*
// function performs exactly one store transaction and is idempotent under
// re-application, matching the store's own idempotency rules.
package statemachine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/perpindexer/storage"
	"github.com/web3guy0/perpindexer/types"
)

// Machine wires the transition table to a store and its asset cache.
type Machine struct {
	store  *storage.Store
	assets *storage.AssetCache
}

func New(store *storage.Store, assets *storage.AssetCache) *Machine {
	return &Machine{store: store, assets: assets}
}

func (m *Machine) ApplyOpened(ctx context.Context, ev types.Opened) error {
	asset, err := m.assets.Get(ctx, int64(ev.AssetID))
	if err != nil {
		return fmt.Errorf("%w: resolve asset %d: %v", types.ErrStateMachineViolation, ev.AssetID, err)
	}

	if err := m.store.IngestOpened(ctx, ev, asset); err != nil {
		return err
	}

	log.Debug().Uint32("id", ev.ID).Str("state", ev.InitialState.String()).
		Uint32("asset", ev.AssetID).Msg("applied Opened")
	return nil
}

func (m *Machine) ApplyExecuted(ctx context.Context, ev types.Executed) error {
	pos, err := m.store.ReadPosition(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("%w: Executed on unknown id %d: %v", types.ErrStateMachineViolation, ev.ID, err)
	}

	asset, err := m.assets.Get(ctx, pos.AssetID)
	if err != nil {
		return fmt.Errorf("%w: resolve asset %d: %v", types.ErrStateMachineViolation, pos.AssetID, err)
	}

	if err := m.store.IngestExecuted(ctx, ev, asset); err != nil {
		return err
	}

	log.Debug().Uint32("id", ev.ID).Int64("entry_x6", ev.EntryX6).Msg("applied Executed")
	return nil
}

func (m *Machine) ApplyStopsUpdated(ctx context.Context, ev types.StopsUpdated) error {
	pos, err := m.store.ReadPosition(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("%w: StopsUpdated on unknown id %d: %v", types.ErrStateMachineViolation, ev.ID, err)
	}

	asset, err := m.assets.Get(ctx, pos.AssetID)
	if err != nil {
		return fmt.Errorf("%w: resolve asset %d: %v", types.ErrStateMachineViolation, pos.AssetID, err)
	}

	if err := m.store.IngestStopsUpdated(ctx, ev, asset); err != nil {
		return err
	}

	log.Debug().Uint32("id", ev.ID).Int64("sl_x6", ev.SLX6).Int64("tp_x6", ev.TPX6).Msg("applied StopsUpdated")
	return nil
}

func (m *Machine) ApplyRemoved(ctx context.Context, ev types.Removed) error {
	if err := m.store.IngestRemoved(ctx, ev); err != nil {
		return err
	}

	log.Debug().Uint32("id", ev.ID).Str("reason", ev.Reason.String()).Msg("applied Removed")
	return nil
}
