package orion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrGuildNotFound indicates the bot is not a member of the guild.
	ErrGuildNotFound = errors.New("guild not found")

	// ErrChannelNotFound indicates the target channel doesn't exist (or
	// isn't in the expected guild).
	ErrChannelNotFound = errors.New("channel not found")

	// ErrUnknownAction indicates an unsupported moderation action type.
	ErrUnknownAction = errors.New("unknown action type")
)

// Moderation action types accepted by [Aggregator.Moderate].
const (
	ModerationKick = "kick"
	ModerationBan  = "ban"
)

// BotStats is the public landing-page counter set.
type BotStats struct {
	Servers int    `json:"servers"`
	Users   int    `json:"users"`
	Ping    int64  `json:"ping"`
	Avatar  string `json:"avatar"`
}

// GuildStats is the per-guild dashboard counter set.
type GuildStats struct {
	OpenTickets int    `json:"openTickets"`
	Bans        int    `json:"bans"`
	TopUser     string `json:"topUser"`
}

// NamedRef is an id/name pair for channel, category and role pickers.
type NamedRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PrivilegedMember is one member shown on the dashboard's staff list:
// an administrator, a whitelisted user, or the configured bot owner.
// The three flags are independent - a member can hold any combination.
type PrivilegedMember struct {
	ID       string `json:"id"`
	Tag      string `json:"tag"`
	Avatar   string `json:"avatar"`
	JoinedAt int64  `json:"joinedAt"`
	IsAdmin  bool   `json:"isAdmin"`
	IsWl     bool   `json:"isWl"`
	IsOwner  bool   `json:"isOwner"`
}

// GuildPayload is the full configuration-page dataset for one guild.
type GuildPayload struct {
	Channels    []NamedRef         `json:"channels"`
	Categories  []NamedRef         `json:"categories"`
	Roles       []NamedRef         `json:"roles"`
	Members     []PrivilegedMember `json:"members"`
	MemberCount int                `json:"memberCount"`
	GuildName   string             `json:"guildName"`
}

// UserGuild is one guild the authenticated user administers.
type UserGuild struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Icon   *string `json:"icon"`
	HasBot bool    `json:"hasBot"`
}

// UserProfile is the authenticated user's dashboard profile.
type UserProfile struct {
	Username string      `json:"username"`
	Avatar   string      `json:"avatar"`
	Guilds   []UserGuild `json:"guilds"`
}

// Aggregator composes database state and gateway cache state into the
// response payloads the dashboard renders. Remote reads degrade to
// defaults instead of failing the whole payload.
type Aggregator struct {
	store    *Store
	gateway  *Gateway
	notifier ConfigNotifier
	ownerID  string
	logger   *slog.Logger
}

func newAggregator(
	store *Store,
	gateway *Gateway,
	notifier ConfigNotifier,
	ownerID string,
	logger *slog.Logger,
) *Aggregator {
	return &Aggregator{
		store:    store,
		gateway:  gateway,
		notifier: notifier,
		ownerID:  ownerID,
		logger:   logger.With(loggerNameKey, "aggregator"),
	}
}

// BotStats returns the public counters. Before the gateway connection is
// ready it returns zeros with the placeholder avatar.
func (a *Aggregator) BotStats() BotStats {
	if !a.gateway.Ready() {
		return BotStats{Avatar: placeholderAvatarURL}
	}
	return BotStats{
		Servers: a.gateway.GuildCount(),
		Users:   a.gateway.MemberTotal(),
		Ping:    a.gateway.Latency(),
		Avatar:  a.gateway.BotAvatarURL(),
	}
}

// GuildStats assembles the per-guild dashboard counters. A guild the bot
// isn't in yields zeros with TopUser "N/A"; an internal failure yields
// zeros with TopUser "Erreur". Never returns an error.
func (a *Aggregator) GuildStats(ctx context.Context, guildID string) GuildStats {
	guild, ok := a.gateway.Guild(guildID)
	if !ok {
		return GuildStats{TopUser: "N/A"}
	}

	var (
		bans        Degraded[map[string]bool]
		openTickets int
		topUser     string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			bans = a.gateway.FetchBans(gctx, guildID)
			return nil
		},
	)
	g.Go(
		func() error {
			var err error
			openTickets, err = a.openTicketCount(gctx, guild)
			return err
		},
	)
	g.Go(
		func() error {
			var err error
			topUser, err = a.topUser(gctx, guildID)
			return err
		},
	)
	if err := g.Wait(); err != nil {
		a.logger.ErrorContext(
			ctx, "guild stats failed", "guild_id", guildID, tint.Err(err),
		)
		return GuildStats{TopUser: "Erreur"}
	}

	return GuildStats{
		OpenTickets: openTickets,
		Bans:        len(bans.Value),
		TopUser:     topUser,
	}
}

// openTicketCount counts the text channels under the configured ticket
// category. No category configured (or a stale category ID) counts as 0.
func (a *Aggregator) openTicketCount(
	ctx context.Context,
	guild *discordgo.Guild,
) (int, error) {
	config, err := a.store.GuildConfig(ctx, guild.ID)
	if err != nil {
		return 0, err
	}
	categoryID := stringMapValue(config, "ticket_category")
	if categoryID == "" {
		return 0, nil
	}
	found := false
	for _, c := range a.gateway.Categories(guild) {
		if c.ID == categoryID {
			found = true
			break
		}
	}
	if !found {
		return 0, nil
	}
	count := 0
	for _, c := range a.gateway.TextChannels(guild) {
		if c.ParentID == categoryID {
			count++
		}
	}
	return count, nil
}

// topUser resolves the guild's highest-XP member to a display name:
// "Aucun" when the guild has no level rows, "Utilisateur Parti" when the
// top entry's user no longer resolves.
func (a *Aggregator) topUser(ctx context.Context, guildID string) (
	string,
	error,
) {
	entry, err := a.store.TopLevel(ctx, guildID)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "Aucun", nil
	}
	username, ok := a.gateway.ResolveUsername(ctx, entry.UserID)
	if !ok {
		return "Utilisateur Parti", nil
	}
	return username, nil
}

// GuildData assembles the configuration-page dataset. The whitelist read
// and the member refresh are best-effort; their failures degrade to the
// empty set and the cached member list.
func (a *Aggregator) GuildData(ctx context.Context, guildID string) (
	*GuildPayload,
	error,
) {
	guild, ok := a.gateway.Guild(guildID)
	if !ok {
		return nil, ErrGuildNotFound
	}

	payload := &GuildPayload{
		Channels:    []NamedRef{},
		Categories:  []NamedRef{},
		Roles:       []NamedRef{},
		Members:     []PrivilegedMember{},
		MemberCount: guild.MemberCount,
		GuildName:   guild.Name,
	}
	for _, c := range a.gateway.TextChannels(guild) {
		payload.Channels = append(payload.Channels, NamedRef{ID: c.ID, Name: c.Name})
	}
	for _, c := range a.gateway.Categories(guild) {
		payload.Categories = append(payload.Categories, NamedRef{ID: c.ID, Name: c.Name})
	}
	for _, r := range a.gateway.Roles(guild) {
		payload.Roles = append(payload.Roles, NamedRef{ID: r.ID, Name: r.Name})
	}

	whitelist := a.store.Whitelist(ctx, guildID)
	members := a.gateway.RefreshMembers(ctx, guild)

	for _, m := range members.Value {
		if m.User == nil {
			continue
		}
		isAdmin := memberIsAdmin(guild, m)
		isWl := whitelist.Value[m.User.ID]
		isOwner := m.User.ID == a.ownerID
		if !isAdmin && !isWl && !isOwner {
			continue
		}
		payload.Members = append(
			payload.Members, PrivilegedMember{
				ID:       m.User.ID,
				Tag:      m.User.String(),
				Avatar:   m.User.AvatarURL(""),
				JoinedAt: m.JoinedAt.UnixMilli(),
				IsAdmin:  isAdmin,
				IsWl:     isWl,
				IsOwner:  isOwner,
			},
		)
	}
	return payload, nil
}

// GuildConfig returns the guild's stored configuration row, or an empty
// map when none exists yet.
func (a *Aggregator) GuildConfig(ctx context.Context, guildID string) (
	map[string]any,
	error,
) {
	return a.store.GuildConfig(ctx, guildID)
}

// SaveConfig persists a partial configuration update, then broadcasts a
// reload so running bot processes pick it up. An empty update is a
// successful no-op and broadcasts nothing.
func (a *Aggregator) SaveConfig(
	ctx context.Context,
	guildID string,
	fields map[string]any,
) error {
	if len(fields) == 0 {
		return nil
	}
	if err := a.store.UpsertGuildConfig(ctx, guildID, fields); err != nil {
		return err
	}
	a.notifier.GuildConfigUpdated(ctx, guildID)
	return nil
}

// SendEmbed sends an announcement embed to a channel, which must belong
// to the given guild.
func (a *Aggregator) SendEmbed(
	ctx context.Context,
	guildID string,
	channelID string,
	payload EmbedPayload,
) error {
	if !a.gateway.HasGuild(guildID) {
		return ErrGuildNotFound
	}
	channel, ok := a.gateway.Channel(channelID)
	if !ok || channel.GuildID != guildID {
		return ErrChannelNotFound
	}
	return a.gateway.SendEmbed(ctx, channelID, payload)
}

// DeployTicketPanel renders the guild's configured ticket panel and
// sends it to the given channel. A guild with no stored configuration
// deploys the default panel.
func (a *Aggregator) DeployTicketPanel(
	ctx context.Context,
	guildID string,
	channelID string,
) error {
	config, err := a.store.GuildConfig(ctx, guildID)
	if err != nil {
		return err
	}
	if _, ok := a.gateway.Channel(channelID); !ok {
		return ErrChannelNotFound
	}
	return a.gateway.SendTicketPanel(ctx, channelID, config)
}

// Moderate executes a kick or ban against a guild member. The target is
// resolved first; the mutation is never attempted against an ID that no
// longer resolves to a member.
func (a *Aggregator) Moderate(
	ctx context.Context,
	action string,
	guildID string,
	targetID string,
) error {
	if action != ModerationKick && action != ModerationBan {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if !a.gateway.HasGuild(guildID) {
		return ErrGuildNotFound
	}
	member, err := a.gateway.FetchMember(ctx, guildID, targetID)
	if err != nil {
		return err
	}
	switch action {
	case ModerationKick:
		err = a.gateway.Kick(ctx, guildID, member.User.ID, moderationReason)
	case ModerationBan:
		err = a.gateway.Ban(ctx, guildID, member.User.ID, moderationReason)
	}
	return err
}

// Profile assembles the authenticated user's profile: their identity
// plus the guilds they administer, each annotated with bot presence.
func (a *Aggregator) Profile(
	identity Identity,
	guilds []IdentityGuild,
) UserProfile {
	profile := UserProfile{
		Username: identity.Username,
		Avatar:   identity.AvatarURL(),
		Guilds:   []UserGuild{},
	}
	for _, g := range guilds {
		if !g.Administrator() {
			continue
		}
		var icon *string
		if g.Icon != "" {
			u := fmt.Sprintf(
				"https://cdn.discordapp.com/icons/%s/%s.png", g.ID, g.Icon,
			)
			icon = &u
		}
		profile.Guilds = append(
			profile.Guilds, UserGuild{
				ID:     g.ID,
				Name:   g.Name,
				Icon:   icon,
				HasBot: a.gateway.HasGuild(g.ID),
			},
		)
	}
	return profile
}
