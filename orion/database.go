package orion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	guildConfigTable = "server_config"
	columnGuildID    = "guild_id"

	postgresNotifyChannelGuildConfig = "orion_guild_config_updated"
	recordSeparator                  = string(rune(30))
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
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
)

// guildConfigColumns is the fixed allow-list of configuration keys the
// dashboard will persist. Field names arrive as caller-controlled JSON
// keys, so anything not listed here is rejected before any SQL is built.
var guildConfigColumns = map[string]struct{}{
	"ticket_category":     {},
	"ticket_system_type":  {},
	"ticket_msg_title":    {},
	"ticket_msg_desc":     {},
	"ticket_panel_image":  {},
	"ticket_panel_footer": {},
	"ticket_btn_label":    {},
	"ticket_btn_style":    {},
	"ticket_btn_emoji":    {},
	"ticket_options":      {},
	"welcome_channel":     {},
	"log_channel":         {},
	"autorole_id":         {},
	"levels_enabled":      {},
	"owner_id":            {},
}

// UnknownConfigKeyError indicates a config save included a field name
// outside guildConfigColumns.
type UnknownConfigKeyError struct {
	Key string
}

func (e UnknownConfigKeyError) Error() string {
	return fmt.Sprintf("unknown config key: %q", e.Key)
}

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation and update, stored in milliseconds.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// GuildConfig is one row of per-guild bot configuration. The bot owns the
// schema; the dashboard only reads and writes rows, with the guild ID as
// the sole uniqueness constraint (last writer wins, no versioning).
type GuildConfig struct {
	GuildID           string `gorm:"primaryKey;column:guild_id" json:"guild_id"`
	TicketCategory    string `gorm:"column:ticket_category" json:"ticket_category"`
	TicketSystemType  string `gorm:"column:ticket_system_type" json:"ticket_system_type"`
	TicketMsgTitle    string `gorm:"column:ticket_msg_title" json:"ticket_msg_title"`
	TicketMsgDesc     string `gorm:"column:ticket_msg_desc" json:"ticket_msg_desc"`
	TicketPanelImage  string `gorm:"column:ticket_panel_image" json:"ticket_panel_image"`
	TicketPanelFooter string `gorm:"column:ticket_panel_footer" json:"ticket_panel_footer"`
	TicketBtnLabel    string `gorm:"column:ticket_btn_label" json:"ticket_btn_label"`
	TicketBtnStyle    string `gorm:"column:ticket_btn_style" json:"ticket_btn_style"`
	TicketBtnEmoji    string `gorm:"column:ticket_btn_emoji" json:"ticket_btn_emoji"`

	// TicketOptions is a JSON-serialized list of {id, label, emoji} menu options
	TicketOptions string `gorm:"column:ticket_options" json:"ticket_options"`

	WelcomeChannel string `gorm:"column:welcome_channel" json:"welcome_channel"`
	LogChannel     string `gorm:"column:log_channel" json:"log_channel"`
	AutoroleID     string `gorm:"column:autorole_id" json:"autorole_id"`
	LevelsEnabled  string `gorm:"column:levels_enabled" json:"levels_enabled"`
	OwnerID        string `gorm:"column:owner_id" json:"owner_id"`
}

func (GuildConfig) TableName() string {
	return guildConfigTable
}

// LevelEntry is one user's XP within a guild. The dashboard only ever
// reads the single highest-XP row per guild; the bot owns the write path.
type LevelEntry struct {
	GuildID string `gorm:"primaryKey;column:guild_id" json:"guild_id"`
	UserID  string `gorm:"primaryKey;column:user_id" json:"user_id"`
	XP      int64  `gorm:"column:xp" json:"xp"`
}

func (LevelEntry) TableName() string {
	return "levels"
}

// WhitelistEntry marks a user as privileged on a guild, independent of
// their Discord permissions.
type WhitelistEntry struct {
	GuildID  string `gorm:"primaryKey;column:guild_id" json:"guild_id"`
	TargetID string `gorm:"primaryKey;column:target_id" json:"target_id"`
}

func (WhitelistEntry) TableName() string {
	return "security_whitelist"
}

// SessionRecord is one server-side session blob, keyed by the signed
// session ID carried in the cookie.
type SessionRecord struct {
	ModelUnixTime
	ID        string `gorm:"primaryKey" json:"id"`
	Data      string `json:"-"`
	ExpiresAt int64  `gorm:"index" json:"expires_at"`
}

func (SessionRecord) TableName() string {
	return "sessions"
}

// Degraded is the result of a best-effort read: Value always holds a
// usable result, and Partial reports whether it fell back to a default
// because the underlying read failed (Cause).
type Degraded[T any] struct {
	Value   T
	Partial bool
	Cause   error
}

func degradedResult[T any](fallback T, cause error) Degraded[T] {
	return Degraded[T]{Value: fallback, Partial: true, Cause: cause}
}

func okResult[T any](v T) Degraded[T] {
	return Degraded[T]{Value: v}
}

// Store executes the dashboard's reads and writes against the bot's
// relational store. It carries no business logic: callers get raw rows
// (or maps) back, and transport failures surface as errors except where
// the contract is explicitly degrade-to-default.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewStore(db *gorm.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		db:     db,
		logger: log.With(loggerNameKey, "store"),
	}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

// withTimeout caps the operation at dbOperationTimeout unless the caller
// already set a deadline.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// GuildConfig returns the configuration row for the given guild as a
// column-to-value map, or an empty map when no row exists.
func (s *Store) GuildConfig(ctx context.Context, guildID string) (
	map[string]any,
	error,
) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := map[string]any{}
	err := s.db.WithContext(ctx).
		Table(guildConfigTable).
		Where("guild_id = ?", guildID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading guild config: %w", err)
	}
	return row, nil
}

// UpsertGuildConfig writes the supplied fields for the given guild,
// inserting a row if none exists and otherwise overwriting exactly the
// supplied columns (partial update - columns not supplied are untouched).
// An empty field map is a no-op success. Field names outside the
// allow-list fail with UnknownConfigKeyError before any SQL is built.
func (s *Store) UpsertGuildConfig(
	ctx context.Context,
	guildID string,
	fields map[string]any,
) error {
	if guildID == "" {
		return errors.New("empty guild id")
	}
	if len(fields) == 0 {
		return nil
	}

	row := map[string]any{columnGuildID: guildID}
	assignments := make([]string, 0, len(fields))
	for key, value := range fields {
		if _, ok := guildConfigColumns[key]; !ok {
			return UnknownConfigKeyError{Key: key}
		}
		row[key] = value
		assignments = append(assignments, key)
	}
	sort.Strings(assignments)

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := s.db.WithContext(ctx).
		Table(guildConfigTable).
		Clauses(
			clause.OnConflict{
				Columns:   []clause.Column{{Name: columnGuildID}},
				DoUpdates: clause.AssignmentColumns(assignments),
			},
		).
		Create(row)
	if rv.Error != nil {
		return fmt.Errorf("upserting guild config: %w", rv.Error)
	}
	s.logger.InfoContext(
		ctx,
		"saved guild config",
		"guild_id", guildID,
		"fields", assignments,
	)
	return nil
}

// TopLevel returns the single highest-XP level row for the guild, or nil
// when the guild has no rows.
func (s *Store) TopLevel(ctx context.Context, guildID string) (
	*LevelEntry,
	error,
) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var entry LevelEntry
	err := s.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("xp DESC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading top level entry: %w", err)
	}
	return &entry, nil
}

// Whitelist returns the set of whitelisted user IDs for the guild.
// Lookup failure (e.g. the table is missing) degrades to an empty set
// rather than failing the caller.
func (s *Store) Whitelist(ctx context.Context, guildID string) Degraded[map[string]bool] {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var ids []string
	err := s.db.WithContext(ctx).
		Model(&WhitelistEntry{}).
		Where("guild_id = ?", guildID).
		Pluck("target_id", &ids).Error
	if err != nil {
		s.logger.WarnContext(
			ctx,
			"whitelist lookup failed, continuing with empty set",
			"guild_id", guildID,
			tint.Err(err),
		)
		return degradedResult(map[string]bool{}, err)
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return okResult(set)
}

// CreateDB initializes and returns a GORM database connection based on the
// specified database type, and auto-migrates the dashboard's models.
func CreateDB(ctx context.Context, databaseType string, database string) (
	*gorm.DB,
	error,
) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, DefaultDatabaseSlowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		sqlDB, sqlErr := db.DB()
		if sqlErr != nil {
			return db, sqlErr
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if execErr := db.WithContext(ctx).Exec(pragma).Error; execErr != nil {
				return db, execErr
			}
		}
	}

	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&GuildConfig{},
		&LevelEntry{},
		&WhitelistEntry{},
		&SessionRecord{},
	)
	if err != nil {
		return db, err
	}

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return db, commitErr
	}

	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// ConfigNotifier announces guild configuration changes so the bot process
// (which may run separately, sharing the database) can reload that guild's
// config without polling.
type ConfigNotifier interface {
	// GuildConfigUpdated announces that the given guild's config row changed.
	GuildConfigUpdated(ctx context.Context, guildID string) bool

	// Listen blocks, forwarding announcements from other processes to the
	// local reload channel.
	Listen(ctx context.Context) error

	// ID returns the identifier for this notifier, used to filter out
	// notifications from itself.
	ID() string

	ChannelName() string
}

func newConfigNotifier(o *Orion) (ConfigNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := o.logger.With(loggerNameKey, "config_notifier")
	switch o.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteConfigNotifier{
			logger:   log,
			o:        o,
			notifyID: notifyID,
		}, nil
	case dbTypePostgres:
		return &postgresConfigNotifier{
			o:        o,
			logger:   log,
			notifyID: notifyID,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteConfigNotifier has no cross-process transport: updates are
// forwarded in-process only.
type sqliteConfigNotifier struct {
	logger   *slog.Logger
	o        *Orion
	notifyID string
}

func (s *sqliteConfigNotifier) ID() string {
	return s.notifyID
}

func (sqliteConfigNotifier) ChannelName() string {
	return ""
}

func (s *sqliteConfigNotifier) Listen(_ context.Context) error {
	s.logger.Debug("listener called")
	return nil
}

func (s *sqliteConfigNotifier) GuildConfigUpdated(
	ctx context.Context,
	guildID string,
) bool {
	select {
	case s.o.guildConfigReloadCh <- guildID:
	case <-ctx.Done():
		s.logger.Warn("timeout sending config reload", "guild_id", guildID)
		return false
	}
	return true
}

type postgresConfigNotifier struct {
	o        *Orion
	logger   *slog.Logger
	notifyID string
}

func (p *postgresConfigNotifier) ID() string {
	return p.notifyID
}

func (postgresConfigNotifier) ChannelName() string {
	return postgresNotifyChannelGuildConfig
}

func (p *postgresConfigNotifier) GuildConfigUpdated(
	ctx context.Context,
	guildID string,
) bool {
	var sent bool

	msg := newGuildConfigNotificationMessage(p.ID(), guildID)
	notifyErr := p.o.store.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.ChannelName(),
		msg,
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending NOTIFY for guild config update",
			tint.Err(notifyErr),
			"guild_id", guildID,
		)
	} else {
		p.logger.Info(
			"sent guild config update notification",
			"pg_notify_id", p.ID(),
			"guild_id", guildID,
		)
		sent = true
	}

	select {
	case p.o.guildConfigReloadCh <- guildID:
	case <-ctx.Done():
		p.logger.Warn("timeout sending config reload", "guild_id", guildID)
	}

	return sent
}

func (p *postgresConfigNotifier) Listen(ctx context.Context) error {
	channel := p.ChannelName()
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.o.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel))
	if err != nil {
		p.logger.ErrorContext(ctx, "Error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "Started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			logger.ErrorContext(ctx, "Error waiting for notification", tint.Err(e))
			time.Sleep(5 * time.Second) // Wait before retrying
			continue
		}
		notifierID, guildID := parseGuildConfigNotification(notification.Payload)
		if notifierID == p.ID() {
			logger.Info(
				"Received notification from self, ignoring",
				"payload", notification.Payload,
			)
			continue
		}

		select {
		case p.o.guildConfigReloadCh <- guildID:
			logger.Info("forwarded guild config reload", "guild_id", guildID)
		case <-time.After(dbNotifierSendTimeout):
			logger.Warn(
				"timed out forwarding guild config reload",
				"guild_id", guildID,
			)
		}
	}

	return nil
}

func parseGuildConfigNotification(s string) (notifierID, guildID string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

func newGuildConfigNotificationMessage(notifierID string, guildID string) string {
	return strings.Join([]string{notifierID, guildID}, recordSeparator)
}
