package orion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Set via ldflags at build time
var (
	Version   = "dev"
	CommitSHA = ""
	BuildTime = ""
)

var defaultLogWriter io.Writer = os.Stdout

const sessionCleanupInterval = time.Hour

// Orion is the web dashboard and REST control plane for the bot: it
// shares the bot's database, holds its own gateway connection for cache
// reads and dashboard-driven actions, and serves the HTTP API.
type Orion struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db         *gorm.DB
	store      *Store
	gateway    *Gateway
	api        *API
	oauth      *OAuthFlow
	aggregator *Aggregator
	notifier   ConfigNotifier

	// guildConfigReloadCh receives guild IDs whose config row changed,
	// from this process or (via the database notifier) another one.
	guildConfigReloadCh chan string

	startedAt time.Time

	// prevents concurrent Run calls
	runMu sync.Mutex

	// signalStop enables an explicit stop signal to be sent, triggering
	// a graceful shutdown
	signalStop chan struct{}

	// signalReady has a value sent on it when Run has finished starting
	// all components. Used as a startup hook in tests.
	signalReady chan struct{}
}

func New(config *Config) (*Orion, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	o := &Orion{
		config:              config,
		signalReady:         make(chan struct{}, 1),
		guildConfigReloadCh: make(chan string, 32),
	}

	o.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     o.config.LogLevel,
			AddSource: true,
		},
	)
	o.logger = slog.New(o.logHandler)
	slog.SetDefault(o.logger)

	o.config.Discord.httpClient = o.config.HTTPClient

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     o.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	gateway := newGateway(config.Discord)
	gateway.logger = newTintLogger(o.config.Discord.LogLevel).
		With(loggerNameKey, "discord")
	o.gateway = gateway

	db, err := CreateDB(
		context.Background(),
		config.DatabaseType,
		config.Database,
	)
	if err != nil {
		errs = append(errs, err)
	}
	o.db = db
	o.store = NewStore(db, o.logger)

	o.oauth = newOAuthFlow(
		config.Discord,
		o.logger.With(loggerNameKey, "oauth"),
	)

	api, err := newAPI(o, config.API)
	errs = append(errs, err)
	o.api = api

	return o, errors.Join(errs...)
}

func (o *Orion) ValidateConfig() error {
	return structValidator.Struct(o.config)
}

// Store returns the persistence layer. Exposed for tests.
func (o *Orion) Store() *Store {
	return o.store
}

// Run starts all components and blocks until ctx is canceled or Stop is
// called, then shuts down gracefully.
func (o *Orion) Run(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	o.signalStop = make(chan struct{}, 1)
	o.startedAt = time.Now()
	logger := o.logger

	if err := o.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newConfigNotifier(o)
	if err != nil {
		logger.Error("error creating config notifier", tint.Err(err))
		return err
	}
	o.notifier = notifier
	o.aggregator = newAggregator(
		o.store,
		o.gateway,
		notifier,
		o.config.Discord.OwnerID,
		logger,
	)

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", o.config))

	if o.signalReady == nil {
		o.signalReady = make(chan struct{}, 1)
	}

	// runtime context - canceling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-o.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled, sending stop signal")
			o.signalStop <- struct{}{}
		}
	}()

	go func() {
		if httpErr := o.api.Serve(ctx); httpErr != nil {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			cancel()
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, o.config.StartupTimeout)
	defer startCancel()
	if err = o.connectGateway(startCtx); err != nil {
		logger.ErrorContext(ctx, "error connecting gateway", tint.Err(err))
		return err
	}

	runtimeWG := &sync.WaitGroup{}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := o.notifier.Listen(ctx); e != nil {
			logger.ErrorContext(
				ctx, "error listening for config updates", tint.Err(e),
			)
		}
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		o.watchGuildConfigReloads(ctx)
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		o.cleanupSessions(ctx)
	}()

	o.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()
	return o.shutdown(runtimeWG)
}

// Stop triggers a graceful shutdown of a running instance.
func (o *Orion) Stop() {
	if o.signalStop != nil {
		o.signalStop <- struct{}{}
	}
}

// connectGateway creates the gateway session, registers the connection
// state handlers, and opens the websocket.
func (o *Orion) connectGateway(ctx context.Context) error {
	if o.gateway.session == nil {
		session, err := o.gateway.newSession()
		if err != nil {
			return err
		}
		o.gateway.session = session
	}
	g := o.gateway
	g.removeHandlerFns = append(
		g.removeHandlerFns,
		g.session.AddHandler(g.handlerReady()),
		g.session.AddHandler(g.handlerConnect()),
		g.session.AddHandler(g.handlerDisconnect()),
	)

	openErr := make(chan error, 1)
	go func() {
		openErr <- g.session.Open()
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("gateway connection timed out: %w", ctx.Err())
	case err := <-openErr:
		if err != nil {
			return fmt.Errorf("error opening gateway connection: %w", err)
		}
	}
	return nil
}

// watchGuildConfigReloads drains the reload channel. Dashboard reads
// always hit the database, so there's no cache to invalidate here; the
// channel exists so bot-side consumers sharing this process can react,
// and so cross-process updates surface in the logs.
func (o *Orion) watchGuildConfigReloads(ctx context.Context) {
	logger := o.logger.With(loggerNameKey, "config_reload")
	for {
		select {
		case <-ctx.Done():
			return
		case guildID := <-o.guildConfigReloadCh:
			logger.InfoContext(ctx, "guild config updated", "guild_id", guildID)
		}
	}
}

// cleanupSessions periodically deletes expired session rows.
func (o *Orion) cleanupSessions(ctx context.Context) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.api.store.DeleteExpired(); err != nil {
				o.logger.ErrorContext(
					ctx, "error deleting expired sessions", tint.Err(err),
				)
			}
		}
	}
}

func (o *Orion) shutdown(runtimeWG *sync.WaitGroup) error {
	o.logger.Warn("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		o.config.ShutdownTimeout,
	)
	defer shutdownCancel()

	var errs []error

	if o.gateway.session != nil {
		for _, remove := range o.gateway.removeHandlerFns {
			remove()
		}
		o.gateway.removeHandlerFns = nil
		if err := o.gateway.session.Close(); err != nil {
			errs = append(
				errs, fmt.Errorf("error closing gateway connection: %w", err),
			)
		}
	}

	if err := o.api.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("error shutting down http server: %w", err))
	}

	done := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		done <- struct{}{}
	}()
	select {
	case <-done:
		o.logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		o.logger.Warn("shutdown timed out waiting on runtime goroutines")
	}
	return errors.Join(errs...)
}
