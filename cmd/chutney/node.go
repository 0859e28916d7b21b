package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/chutney/internal/actions"
	"github.com/rendis/chutney/internal/agent"
	"github.com/rendis/chutney/internal/config"
	"github.com/rendis/chutney/internal/delegation"
	"github.com/rendis/chutney/internal/engine"
	"github.com/rendis/chutney/internal/eventbus"
	"github.com/rendis/chutney/internal/execution"
	"github.com/rendis/chutney/internal/expressions"
	"github.com/rendis/chutney/internal/locks"
	"github.com/rendis/chutney/internal/network"
	"github.com/rendis/chutney/internal/store"
	"github.com/rendis/chutney/internal/validation"
)

// node is one fully wired agent.
type node struct {
	cfg        config.Config
	logger     *slog.Logger
	store      *store.LibSQLStore
	bus        *eventbus.MemoryBus
	recorder   *store.Recorder
	registry   *actions.Registry
	delegation *delegation.Service
	topology   *network.Topology
	manager    *execution.Manager
}

// newNode wires every component of an agent. An empty cfg.DBPath runs
// without persistence.
func newNode(ctx context.Context, cfg config.Config, logger *slog.Logger) (*node, error) {
	n := &node{cfg: cfg, logger: logger}

	var reports execution.ReportStore
	var lastID int64
	if cfg.DBPath != "" {
		s, err := openStore(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		n.store = s
		reports = s
		if lastID, err = s.LastExecutionID(ctx); err != nil {
			n.Close()
			return nil, err
		}
	}

	n.bus = eventbus.NewMemoryBus(0)
	if n.store != nil {
		n.recorder = store.NewRecorder(n.bus, n.store, logger)
		if err := n.recorder.Start(ctx); err != nil {
			n.Close()
			return nil, err
		}
	}

	exprEngine := expressions.NewExprEngine()
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("cel engine: %w", err)
	}
	schemas, err := validation.NewJSONSchemaValidator()
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("json schema validator: %w", err)
	}
	n.registry = actions.LoadRegistry(logger, actions.BuiltinLoader(actions.BuiltinDeps{
		Expr:    exprEngine,
		CEL:     celEngine,
		JQ:      expressions.NewGoJQEngine(),
		Schemas: schemas,
	}))

	client := agent.NewHTTPClient(cfg.DelegationTimeout)
	supervisor := locks.NewSupervisor(cfg.LockPollInterval)
	n.delegation = delegation.NewService(delegation.Options{
		Local:    engine.NewLocalStepExecutor(n.registry, cfg.Agent.Name),
		Client:   client,
		Breakers: delegation.NewBreakerRegistry(delegation.DefaultBreakerConfig()),
		Locks:    supervisor,
		Logger:   logger,
	})
	n.topology = network.NewTopology(network.Options{
		Self:       cfg.Agent,
		Neighbours: cfg.Neighbours,
		Targets:    cfg.Targets,
		Client:     client,
		Logger:     logger,
	})

	eng, err := engine.NewEngine(engine.Options{
		Bus:          n.bus,
		Delegator:    n.delegation,
		Locks:        supervisor,
		Routes:       n.topology,
		Expr:         exprEngine,
		CEL:          celEngine,
		Logger:       logger,
		PollInterval: cfg.PollInterval,
		LastID:       lastID,
	})
	if err != nil {
		n.Close()
		return nil, err
	}
	n.manager, err = execution.NewManager(execution.Options{
		Engine:    eng,
		Bus:       n.bus,
		Validator: validation.NewScenarioValidator(schemas, n.registry),
		Store:     reports,
		PoolSize:  cfg.PoolSize,
		Logger:    logger,
	})
	if err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

// openStore opens and migrates the database at path.
func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	uri := path
	if !strings.HasPrefix(uri, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		uri = "file:" + path
	}
	s, err := store.NewLibSQLStore(uri)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// routerDeps binds the node to the HTTP surface.
func (n *node) routerDeps() agent.Deps {
	return agent.Deps{
		Agent:      n.cfg.Agent,
		Delegation: n.delegation,
		Topology:   n.topology,
		Executions: n.manager,
		Logger:     n.logger,
		Version:    version,
	}
}

// Shutdown stops running executions, waiting at most timeout.
func (n *node) Shutdown(timeout time.Duration) error {
	if n.manager == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return n.manager.Shutdown(ctx)
}

// Close releases the recorder and the store.
func (n *node) Close() error {
	if n.recorder != nil {
		n.recorder.Stop()
	}
	if n.store != nil {
		return n.store.Close()
	}
	return nil
}

// closeAll shuts down then closes the node, joining both errors.
func (n *node) closeAll(timeout time.Duration) error {
	return errors.Join(n.Shutdown(timeout), n.Close())
}
