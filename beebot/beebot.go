package beebot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var defaultLogWriter io.Writer = os.Stdout

var (
	// When building, set these like:
	// -ldflags "-X github.com/ClusterBees/beebot/beebot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// BeeBot is the top-level bot: it owns the Discord session, the
// key-value store, the reminder scheduler, the OpenAI client, the audit
// database and the status API.
type BeeBot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	store     KVStore
	settings  *Settings
	db        DBI
	content   *Content
	openai    *OpenAI
	discord   *Discord
	scheduler *ReminderScheduler
	api       *API

	startedAt time.Time
	paused    atomic.Bool

	// runMu prevents concurrent Run calls
	runMu      sync.Mutex
	signalStop chan struct{}
}

// New assembles an unstarted bot from the given config. Call Run to
// connect everything.
func New(config *Config) (*BeeBot, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &BeeBot{config: config}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	content, err := NewContent()
	if err != nil {
		return nil, fmt.Errorf("error loading content: %w", err)
	}
	b.content = content

	b.openai = newOpenAI(
		config.OpenAI,
		content,
		config.HTTPClient,
	)

	config.Discord.httpClient = config.HTTPClient
	disc := newDiscord(config.Discord)
	disc.logger = componentLogger(config.Discord.LogLevel, "discord")
	disc.bot = b
	b.discord = disc

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	b.api = newAPI(b, config.API)
	return b, nil
}

// ValidateConfig checks the config's `binding` tags.
func (b *BeeBot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// Run connects the store, database and Discord gateway, recovers
// persisted reminders, then blocks until the context is canceled and a
// graceful shutdown completes.
//
// Reminder recovery runs to completion before the gateway opens, so
// user commands never race the recovery scan.
func (b *BeeBot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	go func() {
		httpErr := b.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	if err := b.discord.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	if err := b.discord.registerCommands(ctx); err != nil {
		return err
	}

	logger.InfoContext(ctx, "beebot ready")
	<-ctx.Done()

	return b.shutdown()
}

// initRun wires up everything that must exist before the gateway opens:
// the key-value store, the audit database, the Discord session and the
// reminder scheduler, including its recovery pass.
func (b *BeeBot) initRun(ctx context.Context) error {
	if b.store == nil {
		store, err := NewRedisStore(ctx, b.config.Redis)
		if err != nil {
			return fmt.Errorf("error connecting to store: %w", err)
		}
		b.store = store
	}
	b.settings = NewSettings(b.store, b.logger)

	if b.db == nil {
		gormDB, err := CreateDB(
			ctx,
			b.config.Database,
			b.config.DatabaseLogLevel,
			b.config.DatabaseSlowThreshold,
		)
		if err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}
		b.db = NewDatabase(gormDB, b.logger)
	}

	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return err
		}
		b.discord.session = session
	}

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.handlerInteractionCreate()),
		b.discord.session.AddHandler(b.handlerMessageCreate()),
	}

	if b.scheduler == nil {
		b.scheduler = NewReminderScheduler(
			b.store,
			newDiscordNotifier(b.discord.session, b.logger),
			b.config.Reminders,
			b.logger,
		)
	}
	if err := b.scheduler.RecoverAll(ctx); err != nil {
		return fmt.Errorf("error recovering reminders: %w", err)
	}
	return nil
}

func (b *BeeBot) shutdown() error {
	logger := b.logger
	logger.Warn("shutting down")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer cancel()

	var errs []error

	b.scheduler.Stop()

	for _, removeHandler := range b.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}
	if err := b.discord.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
	}

	if b.api != nil && b.api.httpServer != nil {
		if err := b.api.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down api: %w", err))
		}
	}

	if err := b.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing store: %w", err))
	}

	logger.Warn("shutdown complete")
	return errors.Join(errs...)
}

// Stop triggers a graceful shutdown of a running bot.
func (b *BeeBot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// Pause stops the bot from handling new commands and auto-replies.
// Armed reminders still fire. Returns false if already paused.
func (b *BeeBot) Pause(ctx context.Context) bool {
	swapped := b.paused.CompareAndSwap(false, true)
	if swapped {
		b.logger.InfoContext(ctx, "paused")
	}
	return swapped
}

// Resume reverses Pause. Returns false if the bot wasn't paused.
func (b *BeeBot) Resume(ctx context.Context) bool {
	swapped := b.paused.CompareAndSwap(true, false)
	if swapped {
		b.logger.InfoContext(ctx, "resumed")
	}
	return swapped
}
