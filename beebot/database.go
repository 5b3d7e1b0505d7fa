package beebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
// for creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// User records a Discord user seen by the bot. The ID is the user's
// Discord snowflake.
type User struct {
	ModelUnixTime
	ID         string `gorm:"primaryKey" json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`

	// Ignored users get no responses from any command.
	Ignored bool `gorm:"default:false" json:"ignored"`
}

// InteractionLog is an audit record of a received Discord interaction,
// with its raw payload stored as JSON.
type InteractionLog struct {
	ModelUintID
	ModelUnixTime
	InteractionID string `json:"interaction_id" gorm:"index"`
	CommandName   string `json:"command_name" gorm:"index"`
	UserID        string `json:"user_id" gorm:"index"`
	Username      string `json:"username"`
	GuildID       string `json:"guild_id"`
	ChannelID     string `json:"channel_id"`
	Payload       string `json:"payload"`
}

// DBI is the database interface used by the bot. SQLite runs with a
// single connection, so writes funnel through the wrapper's mutex.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	GetOrCreateUser(ctx context.Context, userID string, username string, globalName string) (*User, bool, error)
	LogInteraction(ctx context.Context, entry *InteractionLog)
}

type database struct {
	db     *gorm.DB
	mu     sync.Mutex
	logger *slog.Logger

	userCache map[string]*User
	cacheMu   sync.Mutex
}

// NewDatabase wraps a GORM connection in the DBI interface with an
// in-memory user cache.
func NewDatabase(db *gorm.DB, log *slog.Logger) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:        db,
		logger:    log.With(loggerNameKey, "database"),
		userCache: map[string]*User{},
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Create(ctx context.Context, value any) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx := d.db.WithContext(ctx).Create(value)
	return tx.RowsAffected, tx.Error
}

func (d *database) Updates(ctx context.Context, model any, values any) (
	int64,
	error,
) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx := d.db.WithContext(ctx).Model(model).Updates(values)
	return tx.RowsAffected, tx.Error
}

// GetOrCreateUser returns the cached or stored user record, creating
// one on first sight. The bool reports whether a new record was
// created. Username changes are written back on cache misses.
func (d *database) GetOrCreateUser(
	ctx context.Context,
	userID string,
	username string,
	globalName string,
) (*User, bool, error) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()

	if u, ok := d.userCache[userID]; ok {
		return u, false, nil
	}

	user := &User{
		ID:         userID,
		Username:   username,
		GlobalName: globalName,
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	tx := d.db.WithContext(ctx).Where(
		User{ID: userID},
	).Attrs(
		User{Username: username, GlobalName: globalName},
	).FirstOrCreate(user)
	if tx.Error != nil {
		return nil, false, tx.Error
	}
	created := tx.RowsAffected > 0

	if user.Username != username || user.GlobalName != globalName {
		user.Username = username
		user.GlobalName = globalName
		if err := d.db.WithContext(ctx).Model(user).Updates(
			map[string]any{
				"username":    username,
				"global_name": globalName,
			},
		).Error; err != nil {
			d.logger.WarnContext(
				ctx,
				"error updating user names",
				tint.Err(err),
				"user_id", userID,
			)
		}
	}

	d.userCache[userID] = user
	return user, created, nil
}

// LogInteraction writes an interaction audit record. Failures are
// logged and swallowed so a dead database never blocks a response.
func (d *database) LogInteraction(ctx context.Context, entry *InteractionLog) {
	if _, err := d.Create(ctx, entry); err != nil {
		d.logger.ErrorContext(
			ctx,
			"error saving interaction log",
			tint.Err(err),
			"interaction_id", entry.InteractionID,
			"command", entry.CommandName,
		)
	}
}

// CreateDB opens the SQLite database at the given path, applies the
// connection pragmas and runs migrations. A nil logLevel or zero
// slowThreshold falls back to the package defaults.
func CreateDB(
	ctx context.Context,
	path string,
	logLevel slog.Leveler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	if logLevel == nil {
		logLevel = DefaultDatabaseLogLevel
	}
	if slowThreshold == 0 {
		slowThreshold = DefaultDatabaseSlowThreshold
	}
	handler := tint.NewHandler(
		defaultLogWriter,
		&tint.Options{
			Level:     logLevel,
			AddSource: true,
		},
	)
	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(ctx, "Initializing database", "database", path)

	parentDir := filepath.Dir(path)
	if parentDir != "" {
		if err := os.MkdirAll(parentDir, 0755); err != nil {
			if !errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
	}
	db, err := gorm.Open(
		sqlite.Open(path),
		&gorm.Config{
			Logger: gormLogger,
			NowFunc: func() time.Time {
				return time.Now().UTC()
			},
		},
	)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("error getting sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
	for _, pragma := range sqliteExecPragma {
		if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error executing %q: %w", pragma, err)
		}
	}

	if err = db.WithContext(ctx).AutoMigrate(
		&User{},
		&InteractionLog{},
	); err != nil {
		return nil, err
	}
	return db, nil
}
