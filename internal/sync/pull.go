package sync

import (
	"context"
	"fmt"
	"time"

	ledgercrypto "github.com/loofy147/ledgerjournal/internal/crypto"
	"github.com/loofy147/ledgerjournal/internal/eventstore"
)

// PullOnce implements spec.md §4.9's pullOnce. If a pull is already in
// flight it returns nil immediately, and the runner queues one further
// pull to run after the in-flight one finishes.
func (e *Engine) PullOnce(ctx context.Context) error {
	var ranPull bool
	err := e.pullRunner.Run(func() error {
		ranPull = true
		return e.pullLocked(ctx)
	})
	if !ranPull {
		return nil
	}
	return err
}

func (e *Engine) pullLocked(ctx context.Context) error {
	e.setStatus(SyncingStatus(DirectionPull))

	hadPending, err := e.hasPendingEvents(ctx)
	if err != nil {
		return err
	}

	since, err := e.readLastPulledGlobalSeq(ctx)
	if err != nil {
		return err
	}

	anyNewlyMapped := false
	for {
		resp, err := e.transport.Pull(ctx, PullRequest{StoreID: e.storeID, Since: since, Limit: e.pullLimit, WaitMs: e.pullWaitMs})
		if err != nil {
			e.handlePullError(err)
			return err
		}
		e.setLastKnownHead(resp.Head)

		if len(resp.Events) == 0 {
			break
		}

		for _, env := range resp.Events {
			mapped, err := e.applyRemoteEvent(ctx, env)
			if err != nil {
				return err
			}
			if mapped {
				anyNewlyMapped = true
			}
		}

		if resp.NextSince != nil {
			since = *resp.NextSince
			if err := e.persistLastPulledGlobalSeq(ctx, since); err != nil {
				return err
			}
		} else if resp.HasMore {
			err := fmt.Errorf("sync: transport protocol error: hasMore=true with nextSince=null")
			e.handlePullError(err)
			return err
		}

		if !resp.HasMore {
			break
		}
	}

	if anyNewlyMapped && hadPending {
		stillPending, err := e.hasPendingEvents(ctx)
		if err != nil {
			return err
		}
		if stillPending && e.onRebaseRequired != nil {
			if err := e.onRebaseRequired(ctx); err != nil {
				return fmt.Errorf("sync: onRebaseRequired: %w", err)
			}
		}
	}

	e.backoff.current.Reset()
	e.setStatus(IdleStatus(time.Now()))
	return nil
}

func (e *Engine) handlePullError(err error) {
	delay := e.backoff.current.NextBackOff()
	e.setStatus(ErrorStatus("server", time.Now().Add(delay)))
}

// applyRemoteEvent ingests one remote event envelope: dematerialize,
// insert (resolving any version collision against a local pending
// event via RewritePendingVersions per spec.md §4.10), then map it.
// Returns true if the sync_event_map row was newly inserted.
func (e *Engine) applyRemoteEvent(ctx context.Context, env RemoteEventEnvelope) (bool, error) {
	ev, err := Dematerialize(env.RecordJSON, env.EventID)
	if err != nil {
		return false, fmt.Errorf("sync: apply remote event: %w", err)
	}

	if err := e.insertRemoteEventResolvingCollision(ctx, ev, env.GlobalSequence); err != nil {
		return false, err
	}

	res, err := e.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_event_map (event_id, global_seq, inserted_at) VALUES (?, ?, ?)
	`, ev.ID, env.GlobalSequence, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("sync: insert sync_event_map: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

func (e *Engine) insertRemoteEventResolvingCollision(ctx context.Context, ev eventstore.Event, globalSeq int64) error {
	inserted, err := e.tryInsertEventRow(ctx, ev)
	if err != nil {
		return err
	}
	if inserted {
		return nil
	}

	// The row wasn't inserted either because it already exists by id
	// (a true duplicate delivery — nothing to do) or because a local
	// pending event already occupies (aggregateType, aggregateId,
	// version). Distinguish by checking for a colliding row under a
	// different id.
	var collidingID string
	err = e.db.GetContext(ctx, &collidingID, `
		SELECT id FROM events WHERE aggregate_type = ? AND aggregate_id = ? AND version = ? AND id != ?
	`, ev.AggregateType, ev.AggregateID, ev.Version, ev.ID)
	if err != nil {
		// No colliding row under a different id: this was a true
		// duplicate delivery of the same event.
		return nil
	}

	key, err := e.keyring.ResolveKeyForEvent(ledgercrypto.EventKeyRef{AggregateType: ev.AggregateType, AggregateID: ev.AggregateID})
	if err != nil {
		return fmt.Errorf("sync: resolve key for rebase of %s/%s: %w", ev.AggregateType, ev.AggregateID, err)
	}
	if _, err := RewritePendingVersions(ctx, e.db, e.aead, e.snapshots, key, ev.AggregateType, ev.AggregateID, ev.Version, ev.Version); err != nil {
		return fmt.Errorf("sync: rebase pending versions: %w", err)
	}

	inserted, err = e.tryInsertEventRow(ctx, ev)
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("sync: remote event %s still collides after rebase", ev.ID)
	}
	return nil
}

func (e *Engine) tryInsertEventRow(ctx context.Context, ev eventstore.Event) (bool, error) {
	res, err := e.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, aggregate_type, aggregate_id, event_type, payload_encrypted, keyring_update, version, occurred_at, actor_id, causation_id, correlation_id, epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.AggregateType, ev.AggregateID, ev.EventType, ev.PayloadEncrypted, nullBytes(ev.KeyringUpdate), ev.Version, ev.OccurredAt, ev.ActorID, ev.CausationID, ev.CorrelationID, ev.Epoch)
	if err != nil {
		return false, fmt.Errorf("sync: insert remote event %s: %w", ev.ID, err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
