// cmd/localstore/main.go
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/loofy147/ledgerjournal/internal/codec"
	ledgercrypto "github.com/loofy147/ledgerjournal/internal/crypto"
	"github.com/loofy147/ledgerjournal/internal/domain/goal"
	"github.com/loofy147/ledgerjournal/internal/eventstore"
	"github.com/loofy147/ledgerjournal/internal/idempotency"
	"github.com/loofy147/ledgerjournal/internal/localdb"
	"github.com/loofy147/ledgerjournal/internal/projection"
	"github.com/loofy147/ledgerjournal/internal/projector/analytics"
	"github.com/loofy147/ledgerjournal/internal/projector/search"
	"github.com/loofy147/ledgerjournal/internal/projector/snapshot"
	"github.com/loofy147/ledgerjournal/internal/repository"
	"github.com/loofy147/ledgerjournal/internal/saga/achievement"
	"github.com/loofy147/ledgerjournal/internal/snapshotstore"
	"github.com/loofy147/ledgerjournal/internal/sync"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if shutdown := setupTracing(ctx); shutdown != nil {
		defer shutdown(context.Background())
	}

	dbPath := os.Getenv("LEDGER_DB_PATH")
	if dbPath == "" {
		dbPath = "ledger.db"
	}

	db, err := localdb.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open local store: %v", err)
	}
	defer db.Close()

	aead := ledgercrypto.NewDefaultAEAD()
	masterKey, err := loadOrGenerateMasterKey(aead)
	if err != nil {
		log.Fatalf("Failed to establish master key: %v", err)
	}

	keystore := ledgercrypto.NewMemoryKeyStore()
	keyring := ledgercrypto.NewSingleMasterKeyring(aead, masterKey, keystore)
	reg := codec.NewRegistry()

	appender := eventstore.NewAppender(db)
	snapshots := snapshotstore.New(db, aead)

	goalRepo := repository.New[goal.State]("goal", appender, snapshots, aead, keyring, reg,
		func(state goal.State, eventType string, data json.RawMessage) (goal.State, error) { return goal.Apply(state, eventType, data) },
		func(id string) goal.State { return goal.State{ID: id} },
	)
	idem := idempotency.New(db)
	dispatcher := achievement.NewGoalCommandDispatcher(goalRepo, idem)
	pm := achievement.New(aead, keyring, reg, dispatcher)
	if err := pm.Bootstrap(ctx, appender, db); err != nil {
		log.Fatalf("Failed to bootstrap achievement saga: %v", err)
	}

	goalAchievementRuntime := projection.NewRuntime("achievement", "goal", projection.OrderingEffectiveTotal, db, pm)
	projectAchievementRuntime := projection.NewRuntime("achievement", "project", projection.OrderingEffectiveTotal, db, pm)

	goalSnapshots, err := snapshot.New[goal.State]("goal-list", "goal", db, aead, keyring, keystore, reg,
		func(state goal.State, eventType string, data json.RawMessage) (goal.State, error) { return goal.Apply(state, eventType, data) },
		func(id string) goal.State { return goal.State{ID: id} },
		func(eventType string) bool { return eventType == goal.EventArchived },
	)
	if err != nil {
		log.Fatalf("Failed to build goal snapshot projector: %v", err)
	}
	goalSnapshotRuntime := projection.NewRuntime("goal-list", "goal", projection.OrderingEffectiveTotal, db, goalSnapshots)

	goalSearch, err := search.New[goal.State]("goal-search", "goal", db, aead, keyring, keystore, reg,
		func(state goal.State, eventType string, data json.RawMessage) (goal.State, error) { return goal.Apply(state, eventType, data) },
		func(id string) goal.State { return goal.State{ID: id} },
		func(state goal.State) []string { return []string{state.Title} },
		func(eventType string) bool { return eventType == goal.EventArchived },
		0.3,
	)
	if err != nil {
		log.Fatalf("Failed to build goal search projector: %v", err)
	}
	goalSearchRuntime := projection.NewRuntime("goal-search", "goal", projection.OrderingEffectiveTotal, db, goalSearch)

	goalAnalytics, err := analytics.New[goal.State]("goal-analytics", "goal", db, aead, keyring, keystore, reg,
		func(state goal.State, eventType string, data json.RawMessage) (goal.State, error) { return goal.Apply(state, eventType, data) },
		func(id string) goal.State { return goal.State{ID: id} },
		func(state goal.State) (string, bool) {
			if state.Achieved {
				return "achieved", state.Archived
			}
			return "in_progress", state.Archived
		},
	)
	if err != nil {
		log.Fatalf("Failed to build goal analytics projector: %v", err)
	}
	goalAnalyticsRuntime := projection.NewRuntime("goal-analytics", "goal", projection.OrderingEffectiveTotal, db, goalAnalytics)

	runtimes := []*projection.Runtime{
		goalAchievementRuntime, projectAchievementRuntime,
		goalSnapshotRuntime, goalSearchRuntime, goalAnalyticsRuntime,
	}

	var engine *sync.Engine
	if apiURL := os.Getenv("LEDGER_SYNC_API_URL"); apiURL != "" {
		storeID := os.Getenv("LEDGER_STORE_ID")
		if storeID == "" {
			storeID = "default"
		}
		transport := sync.NewHTTPTransport(apiURL, &http.Client{Timeout: 30 * time.Second})
		engine = sync.New(db, transport, aead, keyring, snapshots, storeID, func(ctx context.Context) error {
			for _, rt := range runtimes {
				if err := rt.RequestRebuild(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}

	fmt.Println("🚀 Starting local ledger store at", dbPath)
	runLoop(ctx, runtimes, engine)
}

// runLoop drives the projection runtimes and sync engine on a fixed
// tick, the cooperative-scheduling equivalent of the teacher's
// http.ListenAndServe blocking call: this store has no inbound HTTP
// surface of its own, so the tick is what stands in for "a request
// came in, do some work."
func runLoop(ctx context.Context, runtimes []*projection.Runtime, engine *sync.Engine) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("🛑 Shutting down local ledger store")
			return
		case <-ticker.C:
			for _, rt := range runtimes {
				if err := rt.Run(ctx); err != nil {
					log.Printf("projection %s/%s: %v", rt.ProjectionID, rt.AggregateType, err)
				}
			}
			if engine != nil {
				if err := engine.PullOnce(ctx); err != nil {
					log.Printf("sync pull: %v", err)
				}
				if err := engine.PushOnce(ctx); err != nil {
					log.Printf("sync push: %v", err)
				}
			}
		}
	}
}

// loadOrGenerateMasterKey reads LEDGER_MASTER_KEY_HEX (the
// account-level key an external key-management vault would hand this
// client — out of scope to implement here, spec.md §1) or generates
// an ephemeral one for local experimentation, logging loudly since an
// ephemeral key can never decrypt a previous run's aggregates.
func loadOrGenerateMasterKey(aead ledgercrypto.CryptoServicePort) (ledgercrypto.AggregateKey, error) {
	if hexKey := os.Getenv("LEDGER_MASTER_KEY_HEX"); hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("LEDGER_MASTER_KEY_HEX is not valid hex: %w", err)
		}
		return ledgercrypto.AggregateKey(key), nil
	}

	key, err := aead.GenerateKey()
	if err != nil {
		return nil, err
	}
	log.Printf("⚠️  LEDGER_MASTER_KEY_HEX not set; generated an ephemeral master key (%s) that will not survive a restart", hex.EncodeToString(key))
	return key, nil
}

// setupTracing wires the otel SDK the way the teacher's services only
// declare as a dependency but never instantiate; returns nil (no
// shutdown hook) if no collector endpoint is configured, leaving the
// global no-op tracer in place.
func setupTracing(ctx context.Context) func(context.Context) error {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		log.Printf("otel: failed to create exporter, tracing disabled: %v", err)
		return nil
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}
