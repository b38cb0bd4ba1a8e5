package orion

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testDB(t testing.TB) *gorm.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.sqlite3")
	db, err := CreateDB(context.Background(), dbTypeSQLite, dbPath)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func testStore(t testing.TB) *Store {
	t.Helper()
	return NewStore(testDB(t), nil)
}

func TestGuildConfigMissingRow(t *testing.T) {
	t.Parallel()
	store := testStore(t)

	config, err := store.GuildConfig(context.Background(), "12345")
	require.NoError(t, err)
	assert.NotNil(t, config)
	assert.Empty(t, config)
}

func TestUpsertGuildConfigPartialUpdate(t *testing.T) {
	t.Parallel()
	store := testStore(t)
	ctx := context.Background()

	require.NoError(
		t, store.UpsertGuildConfig(
			ctx, "guild-1", map[string]any{
				"ticket_msg_title": "Support",
				"ticket_btn_label": "Ouvrir",
				"welcome_channel":  "111",
			},
		),
	)

	// updating a subset must leave the other columns untouched
	require.NoError(
		t, store.UpsertGuildConfig(
			ctx, "guild-1", map[string]any{
				"ticket_btn_label": "Aide",
			},
		),
	)

	config, err := store.GuildConfig(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, "Aide", config["ticket_btn_label"])
	assert.Equal(t, "Support", config["ticket_msg_title"])
	assert.Equal(t, "111", config["welcome_channel"])
}

func TestUpsertGuildConfigEmptyNoOp(t *testing.T) {
	t.Parallel()
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertGuildConfig(ctx, "guild-1", nil))
	require.NoError(t, store.UpsertGuildConfig(ctx, "guild-1", map[string]any{}))

	config, err := store.GuildConfig(ctx, "guild-1")
	require.NoError(t, err)
	assert.Empty(t, config, "no-op save should not create a row")
}

func TestUpsertGuildConfigUnknownKey(t *testing.T) {
	t.Parallel()
	store := testStore(t)

	err := store.UpsertGuildConfig(
		context.Background(), "guild-1", map[string]any{
			"ticket_msg_title":            "ok",
			"evil; DROP TABLE levels; --": "x",
		},
	)
	var unknownKey UnknownConfigKeyError
	require.ErrorAs(t, err, &unknownKey)
	assert.Equal(t, "evil; DROP TABLE levels; --", unknownKey.Key)

	config, cfgErr := store.GuildConfig(context.Background(), "guild-1")
	require.NoError(t, cfgErr)
	assert.Empty(t, config, "rejected save should not write anything")
}

func TestUpsertGuildConfigEmptyGuildID(t *testing.T) {
	t.Parallel()
	store := testStore(t)

	err := store.UpsertGuildConfig(
		context.Background(), "", map[string]any{"ticket_msg_title": "x"},
	)
	assert.Error(t, err)
}

func TestTopLevel(t *testing.T) {
	t.Parallel()
	store := testStore(t)
	ctx := context.Background()

	entry, err := store.TopLevel(ctx, "guild-1")
	require.NoError(t, err)
	assert.Nil(t, entry)

	rows := []LevelEntry{
		{GuildID: "guild-1", UserID: "user-a", XP: 150},
		{GuildID: "guild-1", UserID: "user-b", XP: 900},
		{GuildID: "guild-1", UserID: "user-c", XP: 300},
		{GuildID: "guild-2", UserID: "user-d", XP: 9999},
	}
	require.NoError(t, store.DB().Create(&rows).Error)

	entry, err = store.TopLevel(ctx, "guild-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "user-b", entry.UserID)
	assert.Equal(t, int64(900), entry.XP)
}

func TestWhitelist(t *testing.T) {
	t.Parallel()
	store := testStore(t)
	ctx := context.Background()

	result := store.Whitelist(ctx, "guild-1")
	assert.False(t, result.Partial)
	assert.Empty(t, result.Value)

	rows := []WhitelistEntry{
		{GuildID: "guild-1", TargetID: "user-a"},
		{GuildID: "guild-1", TargetID: "user-b"},
		{GuildID: "guild-2", TargetID: "user-c"},
	}
	require.NoError(t, store.DB().Create(&rows).Error)

	result = store.Whitelist(ctx, "guild-1")
	assert.False(t, result.Partial)
	assert.Equal(
		t, map[string]bool{"user-a": true, "user-b": true}, result.Value,
	)
}

func TestWhitelistDegradesOnMissingTable(t *testing.T) {
	t.Parallel()
	store := testStore(t)

	require.NoError(t, store.DB().Migrator().DropTable(&WhitelistEntry{}))

	result := store.Whitelist(context.Background(), "guild-1")
	assert.True(t, result.Partial)
	assert.Error(t, result.Cause)
	assert.NotNil(t, result.Value)
	assert.Empty(t, result.Value)
}

func TestCreateDBMigratesModels(t *testing.T) {
	t.Parallel()
	db := testDB(t)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&GuildConfig{}))
	assert.True(t, mg.HasTable(&LevelEntry{}))
	assert.True(t, mg.HasTable(&WhitelistEntry{}))
	assert.True(t, mg.HasTable(&SessionRecord{}))
}

func TestSQLiteConfigNotifierForwardsReloads(t *testing.T) {
	t.Parallel()
	o := &Orion{
		config: &Config{
			DatabaseType: dbTypeSQLite,
			Database:     filepath.Join(t.TempDir(), "test.sqlite3"),
		},
		logger:              testLogger(t),
		guildConfigReloadCh: make(chan string, 1),
	}
	notifier, err := newConfigNotifier(o)
	require.NoError(t, err)
	assert.NotEmpty(t, notifier.ID())

	sent := notifier.GuildConfigUpdated(context.Background(), "guild-1")
	assert.True(t, sent)

	select {
	case guildID := <-o.guildConfigReloadCh:
		assert.Equal(t, "guild-1", guildID)
	default:
		t.Fatal("expected a guild ID on the reload channel")
	}
}
