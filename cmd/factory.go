package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/blackvectorops/flowcap/api/schemas"
	"github.com/blackvectorops/flowcap/internal/blob"
	"github.com/blackvectorops/flowcap/internal/browser"
	"github.com/blackvectorops/flowcap/internal/config"
	"github.com/blackvectorops/flowcap/internal/control"
	"github.com/blackvectorops/flowcap/internal/engine"
	"github.com/blackvectorops/flowcap/internal/interpreter"
	"github.com/blackvectorops/flowcap/internal/interrupt"
	"github.com/blackvectorops/flowcap/internal/progress"
	"github.com/blackvectorops/flowcap/internal/store"
)

// Components holds all the initialized services required for a run. It
// centralizes lifecycle management so commands only deal with construction
// order in one place.
type Components struct {
	DBPool      *pgxpool.Pool
	Store       *store.Store
	Blobs       schemas.BlobStore
	Redis       *redis.Client
	Browser     *browser.Manager
	Reporter    *progress.Reporter
	Coordinator *interrupt.Coordinator
	Listener    *control.Listener
	Interpreter *interpreter.Interpreter
	Engine      *engine.TaskEngine

	logger *zap.Logger
}

// Shutdown gracefully closes all components in reverse dependency order.
// Callers must have closed the engine's task channel first; Stop drains it.
func (c *Components) Shutdown() {
	c.logger.Debug("Beginning component shutdown sequence")

	if c.Engine != nil {
		c.Engine.Stop()
		c.logger.Debug("Task engine stopped")
	}
	if c.Listener != nil {
		c.Listener.Stop()
		c.logger.Debug("Control listener stopped")
	}
	if c.Browser != nil {
		// A separate context so shutdown completes even when the main one
		// was already cancelled.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c.Browser.Shutdown(shutdownCtx)
		c.logger.Debug("Browser manager shut down")
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.logger.Warn("Error closing redis client", zap.Error(err))
		}
	}
	if c.DBPool != nil {
		c.DBPool.Close()
		c.logger.Debug("Database connection pool closed")
	}

	c.logger.Info("All components shut down")
}

// newComponents handles the full dependency injection for a run. On a
// mid-initialization failure the partially created components are shut down
// before the error is returned.
func newComponents(ctx context.Context, logger *zap.Logger, cfg *config.Config) (*Components, error) {
	components := &Components{logger: logger}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Database pool and result store. Both are optional: without a URL
	// results only exist in the command's output.
	if cfg.Database.URL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			initializationErr = fmt.Errorf("failed to create database connection pool: %w", err)
			return nil, initializationErr
		}
		components.DBPool = dbPool

		dbStore, err := store.New(ctx, dbPool, logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to initialize result store: %w", err)
			return nil, initializationErr
		}
		components.Store = dbStore
		logger.Debug("Result store initialized")
	} else {
		logger.Info("No database configured, results will not be persisted")
	}

	// 2. Blob store for screenshots.
	blobs, err := blob.NewDiskStore(logger, cfg.Storage.BlobDir)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize blob store: %w", err)
		return nil, initializationErr
	}
	components.Blobs = blobs
	logger.Debug("Blob store initialized")

	// 3. Redis client backing the progress channel and the resume listener.
	var publisher schemas.ProgressPublisher = progress.NopPublisher{}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			initializationErr = fmt.Errorf("failed to ping redis: %w", err)
			return nil, initializationErr
		}
		components.Redis = client
		publisher = progress.NewRedisPublisher(logger, client, cfg.Progress.Channel, cfg.Progress.KeyPrefix, cfg.Progress.EventTTL)
		logger.Debug("Redis progress publisher initialized")
	} else {
		logger.Info("No redis configured, progress events stay in-process")
	}
	components.Reporter = progress.NewReporter(logger, publisher)

	// 4. Browser manager: the browser itself launches lazily on first acquire.
	components.Browser = browser.NewManager(ctx, logger, cfg)
	logger.Debug("Browser manager initialized")

	// 5. Challenge detection and the pause/resume coordinator.
	detector := interrupt.NewDetector(logger, cfg)
	components.Coordinator = interrupt.NewCoordinator(logger, cfg, detector, components.Reporter)
	logger.Debug("Interrupt coordinator initialized")

	// 6. The external resume contract rides on redis when it is available.
	if components.Redis != nil {
		listener := control.NewListener(logger, components.Redis, components.Coordinator, cfg.Control.ResumeChannel, cfg.Control.ReceiptChannel)
		if err := listener.Start(ctx); err != nil {
			initializationErr = fmt.Errorf("failed to start control listener: %w", err)
			return nil, initializationErr
		}
		components.Listener = listener
		logger.Debug("Control listener started")
	}

	// 7. Workflow interpreter over the shared browser.
	pager := &managerPager{manager: components.Browser}
	components.Interpreter = interpreter.New(logger, cfg, pager, components.Coordinator, components.Reporter, blobs)
	logger.Debug("Workflow interpreter initialized")

	// 8. Task engine. The nil check matters: a typed nil *store.Store inside
	// the interface would defeat the engine's persistence guard.
	var resultStore engine.Store
	if components.Store != nil {
		resultStore = components.Store
	}
	components.Engine = engine.New(cfg, logger, resultStore, components.Interpreter)
	logger.Debug("Task engine initialized")

	logger.Info("All components initialized")
	return components, nil
}

// managerPager adapts the browser manager's concrete pages to the
// interpreter's Page interface.
type managerPager struct {
	manager *browser.Manager
}

func (p *managerPager) Acquire(ctx context.Context) (interpreter.Page, error) {
	page, err := p.manager.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (p *managerPager) Release(page interpreter.Page) {
	if concrete, ok := page.(*browser.Page); ok {
		p.manager.Release(concrete)
	}
}
