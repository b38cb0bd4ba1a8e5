package orion

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	updated []string
}

func (f *fakeNotifier) GuildConfigUpdated(_ context.Context, guildID string) bool {
	f.updated = append(f.updated, guildID)
	return true
}

func (*fakeNotifier) Listen(context.Context) error { return nil }
func (*fakeNotifier) ID() string                   { return "test-notifier" }
func (*fakeNotifier) ChannelName() string          { return "" }

type aggregatorFixture struct {
	aggregator *Aggregator
	store      *Store
	session    *fakeGatewaySession
	notifier   *fakeNotifier
}

func testAggregator(t testing.TB, session *fakeGatewaySession) aggregatorFixture {
	t.Helper()
	store := testStore(t)
	notifier := &fakeNotifier{}
	gateway := testGateway(t, session)
	return aggregatorFixture{
		aggregator: newAggregator(
			store,
			gateway,
			notifier,
			"owner-user",
			testLogger(t),
		),
		store:    store,
		session:  session,
		notifier: notifier,
	}
}

func TestBotStatsNotReady(t *testing.T) {
	t.Parallel()
	fixture := testAggregator(t, newFakeGatewaySession())
	fixture.aggregator.gateway.connected.Store(false)

	stats := fixture.aggregator.BotStats()
	assert.Equal(
		t, BotStats{Servers: 0, Users: 0, Ping: 0, Avatar: placeholderAvatarURL},
		stats,
	)
}

func TestBotStats(t *testing.T) {
	t.Parallel()
	session := newFakeGatewaySession()
	session.latency = 55 * time.Millisecond
	session.addGuild(testGuild())
	session.addGuild(&discordgo.Guild{ID: "guild-2", MemberCount: 8})
	fixture := testAggregator(t, session)

	stats := fixture.aggregator.BotStats()
	assert.Equal(t, 2, stats.Servers)
	assert.Equal(t, 50, stats.Users)
	assert.Equal(t, int64(55), stats.Ping)
	assert.NotEmpty(t, stats.Avatar)
}

func TestGuildStatsAbsentGuild(t *testing.T) {
	t.Parallel()
	fixture := testAggregator(t, newFakeGatewaySession())

	stats := fixture.aggregator.GuildStats(context.Background(), "missing")
	assert.Equal(t, GuildStats{OpenTickets: 0, Bans: 0, TopUser: "N/A"}, stats)
}

func TestGuildStats(t *testing.T) {
	t.Parallel()
	session := newFakeGatewaySession()
	session.addGuild(testGuild())
	session.bans["guild-1"] = []*discordgo.GuildBan{
		{User: &discordgo.User{ID: "banned-1"}},
		{User: &discordgo.User{ID: "banned-2"}},
		{User: &discordgo.User{ID: "banned-3"}},
	}
	session.users["user-b"] = &discordgo.User{ID: "user-b", Username: "topdog"}
	fixture := testAggregator(t, session)
	ctx := context.Background()

	require.NoError(
		t, fixture.store.UpsertGuildConfig(
			ctx, "guild-1", map[string]any{"ticket_category": "cat-1"},
		),
	)
	require.NoError(
		t, fixture.store.DB().Create(
			&LevelEntry{GuildID: "guild-1", UserID: "user-b", XP: 500},
		).Error,
	)

	stats := fixture.aggregator.GuildStats(ctx, "guild-1")
	assert.Equal(t, 2, stats.OpenTickets)
	assert.Equal(t, 3, stats.Bans)
	assert.Equal(t, "topdog", stats.TopUser)
}

func TestGuildStatsNoLevels(t *testing.T) {
	t.Parallel()
	session := newFakeGatewaySession()
	session.addGuild(testGuild())
	fixture := testAggregator(t, session)

	stats := fixture.aggregator.GuildStats(context.Background(), "guild-1")
	assert.Equal(t, "Aucun", stats.TopUser)
	assert.Equal(t, 0, stats.OpenTickets)
}

func TestGuildStatsTopUserGone(t *testing.T) {
	t.Parallel()
	session := newFakeGatewaySession()
	session.addGuild(testGuild())
	fixture := testAggregator(t, session)

	require.NoError(
		t, fixture.store.DB().Create(
			&LevelEntry{GuildID: "guild-1", UserID: "departed", XP: 10},
		).Error,
	)

	stats := fixture.aggregator.GuildStats(context.Background(), "guild-1")
	assert.Equal(t, "Utilisateur Parti", stats.TopUser)
}

func TestGuildStatsStaleTicketCategory(t *testing.T) {
	t.Parallel()
	session := newFakeGatewaySession()
	session.addGuild(testGuild())
	fixture := testAggregator(t, session)
	ctx := context.Background()

	require.NoError(
		t, fixture.store.UpsertGuildConfig(
			ctx, "guild-1", map[string]any{"ticket_category": "deleted-cat"},
		),
	)

	stats := fixture.aggregator.GuildStats(ctx, "guild-1")
	assert.Equal(t, 0, stats.OpenTickets)
}

func TestGuildStatsDatabaseError(t *testing.T) {
	t.Parallel()
	session := newFakeGatewaySession()
	session.addGuild(testGuild())
	fixture := testAggregator(t, session)

	require.NoError(
		t, fixture.store.DB().Migrator().DropTable(&GuildConfig{}),
	)

	stats := fixture.aggregator.GuildStats(context.Background(), "guild-1")
	assert.Equal(t, GuildStats{OpenTickets: 0, Bans: 0, TopUser: "Erreur"}, stats)
}

func TestGuildDataAbsentGuild(t *testing.T) {
	t.Parallel()
	fixture := testAggregator(t, newFakeGatewaySession())

	_, err := fixture.aggregator.GuildData(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrGuildNotFound)
}

func TestGuildData(t *testing.T) {
	t.Parallel()
	session := newFakeGatewaySession()
	guild := testGuild()
	session.addGuild(guild)
	joined := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	session.members["guild-1"] = map[string]*discordgo.Member{
		"admin-user": {
			User:     &discordgo.User{ID: "admin-user", Username: "alice"},
			Roles:    []string{"role-admin"},
			JoinedAt: joined,
		},
		"wl-user": {
			User:     &discordgo.User{ID: "wl-user", Username: "bob"},
			Roles:    []string{"role-member"},
			JoinedAt: joined,
		},
		"owner-user": {
			User:     &discordgo.User{ID: "owner-user", Username: "carol"},
			JoinedAt: joined,
		},
		"plain-user": {
			User:     &discordgo.User{ID: "plain-user", Username: "dave"},
			Roles:    []string{"role-member"},
			JoinedAt: joined,
		},
	}
	fixture := testAggregator(t, session)
	ctx := context.Background()

	require.NoError(
		t, fixture.store.DB().Create(
			&WhitelistEntry{GuildID: "guild-1", TargetID: "wl-user"},
		).Error,
	)

	payload, err := fixture.aggregator.GuildData(ctx, "guild-1")
	require.NoError(t, err)

	assert.Equal(t, "Test Guild", payload.GuildName)
	assert.Equal(t, 42, payload.MemberCount)
	assert.Len(t, payload.Channels, 3)
	assert.Len(t, payload.Categories, 1)
	assert.Len(t, payload.Roles, 2)

	members := map[string]PrivilegedMember{}
	for _, m := range payload.Members {
		members[m.ID] = m
	}
	require.Len(t, members, 3, "plain member should be excluded")

	admin := members["admin-user"]
	assert.True(t, admin.IsAdmin)
	assert.False(t, admin.IsWl)
	assert.False(t, admin.IsOwner)
	assert.Equal(t, joined.UnixMilli(), admin.JoinedAt)

	wl := members["wl-user"]
	assert.False(t, wl.IsAdmin)
	assert.True(t, wl.IsWl)
	assert.False(t, wl.IsOwner)

	// guild owner is admin implicitly, and also the configured bot owner
	owner := members["owner-user"]
	assert.True(t, owner.IsAdmin)
	assert.False(t, owner.IsWl)
	assert.True(t, owner.IsOwner)
}

func TestGuildDataDegradesMemberRefresh(t *testing.T) {
	t.Parallel()
	session := newFakeGatewaySession()
	guild := testGuild()
	guild.Members = []*discordgo.Member{
		{
			User:  &discordgo.User{ID: "admin-user", Username: "alice"},
			Roles: []string{"role-admin"},
		},
	}
	session.addGuild(guild)
	session.memberColErr = context.DeadlineExceeded
	fixture := testAggregator(t, session)

	payload, err := fixture.aggregator.GuildData(context.Background(), "guild-1")
	require.NoError(t, err)
	require.Len(t, payload.Members, 1)
	assert.Equal(t, "admin-user", payload.Members[0].ID)
}

func TestSaveConfigNotifies(t *testing.T) {
	t.Parallel()
	fixture := testAggregator(t, newFakeGatewaySession())
	ctx := context.Background()

	require.NoError(
		t, fixture.aggregator.SaveConfig(
			ctx, "guild-1", map[string]any{"welcome_channel": "123"},
		),
	)
	assert.Equal(t, []string{"guild-1"}, fixture.notifier.updated)
}

func TestSaveConfigEmptyDoesNotNotify(t *testing.T) {
	t.Parallel()
	fixture := testAggregator(t, newFakeGatewaySession())

	require.NoError(
		t, fixture.aggregator.SaveConfig(
			context.Background(), "guild-1", map[string]any{},
		),
	)
	assert.Empty(t, fixture.notifier.updated)
}

func TestSaveConfigRejectsUnknownKey(t *testing.T) {
	t.Parallel()
	fixture := testAggregator(t, newFakeGatewaySession())

	err := fixture.aggregator.SaveConfig(
		context.Background(), "guild-1", map[string]any{"bogus": "x"},
	)
	var unknownKey UnknownConfigKeyError
	assert.ErrorAs(t, err, &unknownKey)
	assert.Empty(t, fixture.notifier.updated)
}

func TestSendEmbedValidation(t *testing.T) {
	t.Parallel()
	session := newFakeGatewaySession()
	session.addGuild(testGuild())
	session.addGuild(
		&discordgo.Guild{
			ID: "guild-2",
			Channels: []*discordgo.Channel{
				{ID: "other-chan", Type: discordgo.ChannelTypeGuildText},
			},
		},
	)
	fixture := testAggregator(t, session)
	ctx := context.Background()

	err := fixture.aggregator.SendEmbed(
		ctx, "missing-guild", "chan-1", EmbedPayload{},
	)
	assert.ErrorIs(t, err, ErrGuildNotFound)

	// channel exists, but in another guild
	err = fixture.aggregator.SendEmbed(ctx, "guild-1", "other-chan", EmbedPayload{})
	assert.ErrorIs(t, err, ErrChannelNotFound)

	err = fixture.aggregator.SendEmbed(
		ctx, "guild-1", "chan-1", EmbedPayload{Title: "Annonce"},
	)
	require.NoError(t, err)
	require.Len(t, session.sent, 1)
}

func TestDeployTicketPanel(t *testing.T) {
	t.Parallel()
	session := newFakeGatewaySession()
	session.addGuild(testGuild())
	fixture := testAggregator(t, session)
	ctx := context.Background()

	err := fixture.aggregator.DeployTicketPanel(ctx, "guild-1", "missing-chan")
	assert.ErrorIs(t, err, ErrChannelNotFound)

	// no stored config deploys the default panel
	require.NoError(t, fixture.aggregator.DeployTicketPanel(ctx, "guild-1", "chan-1"))
	require.Len(t, session.sent, 1)
	assert.Equal(t, "Support", session.sent[0].Data.Embeds[0].Title)
}

func TestModerate(t *testing.T) {
	t.Parallel()
	session := newFakeGatewaySession()
	session.addGuild(testGuild())
	session.members["guild-1"] = map[string]*discordgo.Member{
		"target": {User: &discordgo.User{ID: "target"}},
	}
	fixture := testAggregator(t, session)
	ctx := context.Background()

	err := fixture.aggregator.Moderate(ctx, "mute", "guild-1", "target")
	assert.ErrorIs(t, err, ErrUnknownAction)

	err = fixture.aggregator.Moderate(ctx, ModerationKick, "missing", "target")
	assert.ErrorIs(t, err, ErrGuildNotFound)

	// unresolvable target: no mutation is attempted
	err = fixture.aggregator.Moderate(ctx, ModerationBan, "guild-1", "nobody")
	assert.Error(t, err)
	assert.Empty(t, session.banned)
	assert.Empty(t, session.kicked)

	require.NoError(
		t, fixture.aggregator.Moderate(ctx, ModerationKick, "guild-1", "target"),
	)
	assert.Equal(t, []string{"guild-1/target/Via Dashboard"}, session.kicked)

	require.NoError(
		t, fixture.aggregator.Moderate(ctx, ModerationBan, "guild-1", "target"),
	)
	assert.Equal(t, []string{"guild-1/target/Via Dashboard/0"}, session.banned)
}

func TestProfile(t *testing.T) {
	t.Parallel()
	session := newFakeGatewaySession()
	session.addGuild(testGuild())
	fixture := testAggregator(t, session)

	identity := Identity{ID: "user-1", Username: "alice", Avatar: "abc123"}
	guilds := []IdentityGuild{
		{ID: "guild-1", Name: "Test Guild", Icon: "icon123", Permissions: "8"},
		{ID: "guild-2", Name: "Owned", Owner: true, Permissions: "0"},
		{ID: "guild-3", Name: "Plain", Permissions: "104320577"},
		{ID: "guild-4", Name: "Broken", Permissions: "not-a-number"},
	}

	profile := fixture.aggregator.Profile(identity, guilds)
	assert.Equal(t, "alice", profile.Username)
	assert.Equal(
		t,
		"https://cdn.discordapp.com/avatars/user-1/abc123.png",
		profile.Avatar,
	)

	require.Len(t, profile.Guilds, 2)

	first := profile.Guilds[0]
	assert.Equal(t, "guild-1", first.ID)
	require.NotNil(t, first.Icon)
	assert.Equal(
		t, "https://cdn.discordapp.com/icons/guild-1/icon123.png", *first.Icon,
	)
	assert.True(t, first.HasBot)

	second := profile.Guilds[1]
	assert.Equal(t, "guild-2", second.ID)
	assert.Nil(t, second.Icon)
	assert.False(t, second.HasBot)
}
