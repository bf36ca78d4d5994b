// controlplaned wires the Rezilient auth control plane's core components
// (state store, audit recorder, registry, enrollment, rotation, token)
// against a PostgreSQL-backed snapshot and an optional ClickHouse
// cross-service sink.
//
// HTTP routing and request parsing live in an external collaborator (spec
// §1); this binary only constructs and exposes the core.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/rezilient/control-plane/internal/clickhouse"
	"github.com/rezilient/control-plane/internal/logging"
	"github.com/rezilient/control-plane/internal/postgres"
	"github.com/rezilient/control-plane/pkg/audit"
	"github.com/rezilient/control-plane/pkg/clock"
	"github.com/rezilient/control-plane/pkg/enrollment"
	"github.com/rezilient/control-plane/pkg/registry"
	"github.com/rezilient/control-plane/pkg/rotation"
	"github.com/rezilient/control-plane/pkg/store"
	"github.com/rezilient/control-plane/pkg/token"
)

// core bundles the constructed components an HTTP layer (or test harness)
// would hold on to.
type core struct {
	Store      store.StateStore
	Audit      *audit.Recorder
	Registry   *registry.Registry
	Enrollment *enrollment.Enrollment
	Rotation   *rotation.Rotation
	Token      *token.Token
}

func main() {
	addr := flag.String("addr", "", "listen address override (env takes precedence when unset)")
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "controlplaned: load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	log, err := logging.New(logging.Config{Component: "controlplaned", Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "controlplaned: init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	c, closeFn, err := build(cfg, log)
	if err != nil {
		log.Fatal("build core", zap.Error(err))
	}
	defer closeFn()

	log.Info("controlplaned ready",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("snapshot_key", cfg.SnapshotKey),
		zap.Bool("cross_service_forwarding", cfg.ClickHouseDSN != ""),
	)
	_ = c
}

// build constructs the core component graph per spec §9's redesign note:
// explicit constructor dependencies, no global state.
func build(cfg config, log *zap.Logger) (*core, func(), error) {
	pg, err := postgres.New(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("controlplaned: postgres: %w", err)
	}

	st := store.NewPostgres(pg.Pool(), cfg.SnapshotKey, log)
	ctx := context.Background()
	if err := st.Bootstrap(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("controlplaned: bootstrap snapshot: %w", err)
	}

	var ch *clickhouse.DB
	if cfg.ClickHouseDSN != "" {
		ch, err = clickhouse.New(cfg.ClickHouseDSN)
		if err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("controlplaned: clickhouse: %w", err)
		}
	}

	clk := clock.Real{}
	rec := audit.NewRecorder(clk, log, ch, nil, nil)
	reg := registry.New(st, rec, clk, log)
	enr := enrollment.New(st, rec, clk, log, cfg.EnrollmentClockSkewSeconds)
	rot := rotation.New(st, reg, clk, log)
	tok := token.New(st, rec, clk, log, token.Config{
		Issuer:                   cfg.TokenIssuer,
		SigningKey:               cfg.TokenSigningKey,
		TokenTTLSeconds:          cfg.TokenTTLSeconds,
		TokenClockSkewSeconds:    cfg.TokenClockSkewSeconds,
		OutageGraceWindowSeconds: cfg.OutageGraceWindowSeconds,
	})

	closeFn := func() {
		_ = pg.Close()
		if ch != nil {
			_ = ch.Close()
		}
	}

	return &core{
		Store:      st,
		Audit:      rec,
		Registry:   reg,
		Enrollment: enr,
		Rotation:   rot,
		Token:      tok,
	}, closeFn, nil
}
