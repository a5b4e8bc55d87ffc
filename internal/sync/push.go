package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/loofy147/ledgerjournal/internal/eventstore"
)

// PushOnce implements spec.md §4.9's pushOnce. If a push is already in
// flight it returns nil immediately, and the runner queues one further
// push to run after the in-flight one finishes.
func (e *Engine) PushOnce(ctx context.Context) error {
	var ranPush bool
	err := e.pushRunner.Run(func() error {
		ranPush = true
		return e.pushLocked(ctx)
	})
	if !ranPush {
		return nil
	}
	return err
}

type pushRow struct {
	CommitSequence int64  `db:"commit_sequence"`
	ID             string `db:"id"`
}

func (e *Engine) pushLocked(ctx context.Context) error {
	// Step 2: perform a non-blocking pull first if none is in flight.
	_ = e.PullOnce(ctx)

	e.setStatus(SyncingStatus(DirectionPush))

	var rows []pushRow
	err := e.db.SelectContext(ctx, &rows, `
		SELECT e.commit_sequence, e.id
		FROM events e LEFT JOIN sync_event_map m ON m.event_id = e.id
		WHERE m.event_id IS NULL
		ORDER BY e.commit_sequence ASC
		LIMIT ?
	`, e.pushBatchSize)
	if err != nil {
		return fmt.Errorf("sync: load pending events: %w", err)
	}
	if len(rows) == 0 {
		e.setStatus(IdleStatus(time.Now()))
		return nil
	}

	events := make([]PushEvent, 0, len(rows))
	for _, row := range rows {
		var ev eventstore.Event
		if err := e.db.GetContext(ctx, &ev, `
			SELECT commit_sequence, id, aggregate_type, aggregate_id, event_type, payload_encrypted, keyring_update, version, occurred_at, actor_id, causation_id, correlation_id, epoch
			FROM events WHERE commit_sequence = ?
		`, row.CommitSequence); err != nil {
			return fmt.Errorf("sync: reload pending event: %w", err)
		}
		recordJSON, err := SerializeRecord(ev)
		if err != nil {
			return err
		}
		events = append(events, PushEvent{EventID: ev.ID, RecordJSON: recordJSON})
	}

	for attempt := 0; attempt <= e.maxPushRetries; attempt++ {
		expectedHead, err := e.currentHead(ctx)
		if err != nil {
			return err
		}

		resp, err := e.transport.Push(ctx, PushRequest{StoreID: e.storeID, ExpectedHead: expectedHead, Events: events})
		if err != nil {
			e.setStatus(ErrorStatus("network", time.Time{}))
			return fmt.Errorf("sync: push: %w", err)
		}

		if resp.OK {
			if err := e.recordPushAssignments(ctx, resp.Assigned); err != nil {
				return err
			}
			if err := e.persistLastPulledGlobalSeq(ctx, maxInt64(expectedHead, resp.Head)); err != nil {
				return err
			}
			e.setLastKnownHead(resp.Head)
			e.setStatus(IdleStatus(time.Now()))
			return nil
		}

		if err := e.handleConflict(ctx, resp, expectedHead); err != nil {
			e.setStatus(ErrorStatus("network", time.Time{}))
			return err
		}
	}

	e.setStatus(ErrorStatus("network", time.Time{}))
	return fmt.Errorf("sync: push exhausted %d retries", e.maxPushRetries)
}

func (e *Engine) recordPushAssignments(ctx context.Context, assigned []PushAssignment) error {
	for _, a := range assigned {
		if _, err := e.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO sync_event_map (event_id, global_seq, inserted_at) VALUES (?, ?, ?)
		`, a.EventID, a.GlobalSequence, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("sync: record push assignment: %w", err)
		}
	}
	return nil
}

// handleConflict implements spec.md §4.9's handleConflict.
func (e *Engine) handleConflict(ctx context.Context, resp *PushResponse, expectedHead int64) error {
	if len(resp.Missing) > 0 {
		hadPending, err := e.hasPendingEvents(ctx)
		if err != nil {
			return err
		}
		for _, env := range resp.Missing {
			if _, err := e.applyRemoteEvent(ctx, env); err != nil {
				return err
			}
		}
		if err := e.persistLastPulledGlobalSeq(ctx, maxInt64(expectedHead, resp.Head)); err != nil {
			return err
		}
		e.setLastKnownHead(resp.Head)

		if hadPending {
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
		return nil
	}

	_ = e.PullOnce(ctx)
	head, err := e.currentHead(ctx)
	if err != nil {
		return err
	}
	if head <= expectedHead {
		return fmt.Errorf("sync: conflict did not advance cursor (expected > %d, got %d)", expectedHead, head)
	}
	return nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
