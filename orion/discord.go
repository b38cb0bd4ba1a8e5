package orion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// ticketPanelCustomID is the component custom ID the bot's ticket
	// workflow listens for.
	ticketPanelCustomID = "ticket_start_flow"

	// ticketLabelMaxLength is the platform limit for select menu option
	// labels; longer labels are truncated before transmission.
	ticketLabelMaxLength = 95

	ticketSystemTypeMenu = "MENU"

	defaultEmbedColor = 0x5865F2
	ticketPanelColor  = 0x2b2d31

	// placeholderAvatarURL is returned before the gateway connection is
	// established.
	placeholderAvatarURL = "https://cdn.discordapp.com/embed/avatars/0.png"

	guildMembersPageSize = 1000
	guildBansPageSize    = 1000
)

// moderationReason is the fixed audit-log reason attached to dashboard
// kicks and bans.
const moderationReason = "Via Dashboard"

// buttonStyleNames maps the configured ticket_btn_style value to a
// discordgo button style. Unrecognized values fall back to Primary.
var buttonStyleNames = map[string]discordgo.ButtonStyle{
	"Primary":   discordgo.PrimaryButton,
	"Secondary": discordgo.SecondaryButton,
	"Success":   discordgo.SuccessButton,
	"Danger":    discordgo.DangerButton,
}

// TicketOption is one entry of the configured ticket select menu, as
// serialized into the ticket_options config column.
type TicketOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Emoji string `json:"emoji,omitempty"`
}

// EmbedPayload describes an announcement embed as submitted from the
// dashboard's embed editor.
type EmbedPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       string `json:"color"`
	Image       string `json:"image"`
	Thumbnail   string `json:"thumbnail"`
	Footer      string `json:"footer"`
}

// GatewaySession defines the discordgo.Session methods used by this
// application, to enable testing/mocking.
type GatewaySession interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// Guild returns a guild from the state cache
	Guild(guildID string) (*discordgo.Guild, error)

	// Guilds returns all guilds in the state cache
	Guilds() []*discordgo.Guild

	// Channel returns a channel from the state cache
	Channel(channelID string) (*discordgo.Channel, error)

	// BotUser returns the bot's own user from the state cache, or nil
	// before the gateway handshake completes
	BotUser() *discordgo.User

	// HeartbeatLatency returns the latency between heartbeat
	// acknowledgement and heartbeat send
	HeartbeatLatency() time.Duration

	// User fetches a user by ID (remote call)
	User(userID string, options ...discordgo.RequestOption) (
		*discordgo.User,
		error,
	)

	// GuildBans fetches one page of a guild's ban list (remote call)
	GuildBans(
		guildID string,
		limit int,
		beforeID string,
		afterID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.GuildBan, error)

	// GuildMembers fetches one page of a guild's member list (remote call)
	GuildMembers(
		guildID string,
		after string,
		limit int,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Member, error)

	// GuildMember fetches a single member by ID (remote call)
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// GuildMemberDeleteWithReason kicks a member with an audit log reason
	GuildMemberDeleteWithReason(
		guildID string,
		userID string,
		reason string,
		options ...discordgo.RequestOption,
	) error

	// GuildBanCreateWithReason bans a member with an audit log reason
	GuildBanCreateWithReason(
		guildID string,
		userID string,
		reason string,
		days int,
		options ...discordgo.RequestOption,
	) error

	// ChannelMessageSendComplex sends a full message payload to a channel
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// DiscordSession implements GatewaySession, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Guild(guildID string) (*discordgo.Guild, error) {
	return d.session.State.Guild(guildID)
}

func (d DiscordSession) Guilds() []*discordgo.Guild {
	d.session.State.RLock()
	defer d.session.State.RUnlock()
	guilds := make([]*discordgo.Guild, len(d.session.State.Guilds))
	copy(guilds, d.session.State.Guilds)
	return guilds
}

func (d DiscordSession) Channel(channelID string) (*discordgo.Channel, error) {
	return d.session.State.Channel(channelID)
}

func (d DiscordSession) BotUser() *discordgo.User {
	return d.session.State.User
}

func (d DiscordSession) HeartbeatLatency() time.Duration {
	return d.session.HeartbeatLatency()
}

func (d DiscordSession) User(
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.User, error) {
	return d.session.User(userID, options...)
}

func (d DiscordSession) GuildBans(
	guildID string,
	limit int,
	beforeID string,
	afterID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.GuildBan, error) {
	return d.session.GuildBans(guildID, limit, beforeID, afterID, options...)
}

func (d DiscordSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	options ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	return d.session.GuildMembers(guildID, after, limit, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) GuildMemberDeleteWithReason(
	guildID string,
	userID string,
	reason string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildMemberDeleteWithReason(
		guildID, userID, reason, options...,
	)
	if err != nil {
		d.logger.Error(
			"error kicking member",
			tint.Err(err),
			"guild_id", guildID,
			"user_id", userID,
		)
	}
	return err
}

func (d DiscordSession) GuildBanCreateWithReason(
	guildID string,
	userID string,
	reason string,
	days int,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildBanCreateWithReason(
		guildID, userID, reason, days, options...,
	)
	if err != nil {
		d.logger.Error(
			"error banning member",
			tint.Err(err),
			"guild_id", guildID,
			"user_id", userID,
		)
	}
	return err
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

// Gateway is a thin facade over the external gateway client's in-memory
// object caches, plus the handful of remote calls the dashboard issues.
// Reads are best-effort over possibly-stale state; before the connection
// is established they return documented zero values rather than failing.
type Gateway struct {
	session           GatewaySession
	config            *DiscordConfig
	logger            *slog.Logger
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool
	removeHandlerFns  []func()
}

func newGateway(config *DiscordConfig) *Gateway {
	return &Gateway{
		config:           config,
		removeHandlerFns: []func(){},
	}
}

// newSession initializes the underlying discordgo session. State tracking
// stays enabled: the facade's read accessors are backed by it.
func (g *Gateway) newSession() (GatewaySession, error) {
	session := DiscordSession{
		logger: g.logger.With(loggerNameKey, "discord_session"),
	}
	disc, err := discordgo.New("Bot " + g.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.Identify.Intents = g.config.GatewayIntents
	disc.StateEnabled = true
	session.session = disc
	if g.config.httpClient != nil {
		disc.Client = g.config.httpClient
	}

	switch g.config.DiscordGoLogLevel.Level() {
	case slog.LevelDebug:
		disc.LogLevel = discordgo.LogDebug
	case slog.LevelInfo:
		disc.LogLevel = discordgo.LogInformational
	case slog.LevelError:
		disc.LogLevel = discordgo.LogError
	default:
		disc.LogLevel = discordgo.LogWarning
	}

	return session, nil
}

func (g *Gateway) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		g.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (g *Gateway) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		g.metricConnects.Add(1)
		g.connected.Store(true)
		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		g.logger.Info("Connected", "session_id", sessionID)
	}
}

func (g *Gateway) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		g.connected.Store(false)
		g.metricDisconnects.Add(1)
		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		g.logger.Info("disconnected", "session_id", sessionID)
	}
}

// Ready reports whether the gateway connection is established.
func (g *Gateway) Ready() bool {
	return g.connected.Load() && g.session != nil
}

// Guild returns the cached guild, or false if the bot isn't in it (or the
// connection isn't ready yet).
func (g *Gateway) Guild(guildID string) (*discordgo.Guild, bool) {
	if g.session == nil {
		return nil, false
	}
	guild, err := g.session.Guild(guildID)
	if err != nil || guild == nil {
		return nil, false
	}
	return guild, true
}

// HasGuild reports whether the given guild ID is present in the live
// guild cache.
func (g *Gateway) HasGuild(guildID string) bool {
	_, ok := g.Guild(guildID)
	return ok
}

// GuildCount returns the number of guilds in the live cache; 0 before the
// connection is ready.
func (g *Gateway) GuildCount() int {
	if g.session == nil {
		return 0
	}
	return len(g.session.Guilds())
}

// MemberTotal returns the summed member counts of all cached guilds.
func (g *Gateway) MemberTotal() int {
	if g.session == nil {
		return 0
	}
	total := 0
	for _, guild := range g.session.Guilds() {
		total += guild.MemberCount
	}
	return total
}

// Latency returns the gateway heartbeat latency in milliseconds; 0 before
// the connection is ready.
func (g *Gateway) Latency() int64 {
	if g.session == nil {
		return 0
	}
	return g.session.HeartbeatLatency().Milliseconds()
}

// BotAvatarURL returns the bot user's avatar URL, or the platform
// placeholder before the connection is ready.
func (g *Gateway) BotAvatarURL() string {
	if g.session == nil {
		return placeholderAvatarURL
	}
	user := g.session.BotUser()
	if user == nil {
		return placeholderAvatarURL
	}
	return user.AvatarURL("")
}

// TextChannels returns the guild's text channels as cached.
func (*Gateway) TextChannels(guild *discordgo.Guild) []*discordgo.Channel {
	var channels []*discordgo.Channel
	for _, c := range guild.Channels {
		if c.Type == discordgo.ChannelTypeGuildText {
			channels = append(channels, c)
		}
	}
	return channels
}

// Categories returns the guild's category channels as cached.
func (*Gateway) Categories(guild *discordgo.Guild) []*discordgo.Channel {
	var channels []*discordgo.Channel
	for _, c := range guild.Channels {
		if c.Type == discordgo.ChannelTypeGuildCategory {
			channels = append(channels, c)
		}
	}
	return channels
}

// Roles returns the guild's roles as cached, excluding @everyone.
func (*Gateway) Roles(guild *discordgo.Guild) []*discordgo.Role {
	var roles []*discordgo.Role
	for _, r := range guild.Roles {
		if r.Name == "@everyone" {
			continue
		}
		roles = append(roles, r)
	}
	return roles
}

// Channel resolves a channel from the live cache.
func (g *Gateway) Channel(channelID string) (*discordgo.Channel, bool) {
	if g.session == nil {
		return nil, false
	}
	channel, err := g.session.Channel(channelID)
	if err != nil || channel == nil {
		return nil, false
	}
	return channel, true
}

// FetchBans retrieves the guild's full ban list as a set of user IDs.
// The remote call is fallible; failure degrades to an empty set rather
// than propagating the error.
func (g *Gateway) FetchBans(ctx context.Context, guildID string) Degraded[map[string]bool] {
	set := map[string]bool{}
	if g.session == nil {
		return okResult(set)
	}
	after := ""
	for {
		page, err := g.session.GuildBans(
			guildID,
			guildBansPageSize,
			"",
			after,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			g.logger.WarnContext(
				ctx,
				"ban fetch failed, continuing with empty set",
				"guild_id", guildID,
				tint.Err(err),
			)
			return degradedResult(map[string]bool{}, err)
		}
		prev := after
		for _, ban := range page {
			if ban.User != nil {
				set[ban.User.ID] = true
				after = ban.User.ID
			}
		}
		// a full page with no usable cursor cannot advance; stop rather
		// than refetch the same page forever
		if len(page) < guildBansPageSize || after == prev {
			return okResult(set)
		}
	}
}

// RefreshMembers forces a full member-list fetch for the guild. On
// failure it proceeds with whatever the state cache already holds.
func (g *Gateway) RefreshMembers(
	ctx context.Context,
	guild *discordgo.Guild,
) Degraded[[]*discordgo.Member] {
	if g.session == nil {
		return okResult(guild.Members)
	}
	var members []*discordgo.Member
	after := ""
	for {
		page, err := g.session.GuildMembers(
			guild.ID,
			after,
			guildMembersPageSize,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			g.logger.WarnContext(
				ctx,
				"member refresh failed, using cached members",
				"guild_id", guild.ID,
				tint.Err(err),
			)
			return degradedResult(guild.Members, err)
		}
		members = append(members, page...)
		if len(page) < guildMembersPageSize {
			return okResult(members)
		}
		last := page[len(page)-1]
		if last.User == nil {
			// no cursor to page from; keep what we have
			return okResult(members)
		}
		after = last.User.ID
	}
}

// FetchMember resolves a guild member by ID with a remote call - not
// cache-only, since the target may not be cached.
func (g *Gateway) FetchMember(
	ctx context.Context,
	guildID string,
	userID string,
) (*discordgo.Member, error) {
	member, err := g.session.GuildMember(
		guildID, userID, discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("resolving member %s: %w", userID, err)
	}
	return member, nil
}

// ResolveUsername resolves a user ID to a username, with one remote fetch
// when needed. Returns false when the ID no longer resolves.
func (g *Gateway) ResolveUsername(ctx context.Context, userID string) (
	string,
	bool,
) {
	if g.session == nil {
		return "", false
	}
	user, err := g.session.User(userID, discordgo.WithContext(ctx))
	if err != nil || user == nil {
		return "", false
	}
	return user.Username, true
}

// Kick removes the member from the guild. Single remote call, no retry.
func (g *Gateway) Kick(
	ctx context.Context,
	guildID string,
	userID string,
	reason string,
) error {
	return g.session.GuildMemberDeleteWithReason(
		guildID, userID, reason, discordgo.WithContext(ctx),
	)
}

// Ban bans the member from the guild. Single remote call, no retry.
func (g *Gateway) Ban(
	ctx context.Context,
	guildID string,
	userID string,
	reason string,
) error {
	return g.session.GuildBanCreateWithReason(
		guildID, userID, reason, 0, discordgo.WithContext(ctx),
	)
}

// SendEmbed sends a formatted announcement embed to the given channel.
func (g *Gateway) SendEmbed(
	ctx context.Context,
	channelID string,
	payload EmbedPayload,
) error {
	embed := &discordgo.MessageEmbed{
		Title:       payload.Title,
		Description: payload.Description,
		Color:       parseHexColor(payload.Color, defaultEmbedColor),
	}
	if payload.Image != "" {
		embed.Image = &discordgo.MessageEmbedImage{URL: payload.Image}
	}
	if payload.Thumbnail != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: payload.Thumbnail}
	}
	if payload.Footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: payload.Footer}
	}
	_, err := g.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
		discordgo.WithContext(ctx),
	)
	return err
}

// SendTicketPanel renders the configured ticket panel and sends it to the
// given channel: a select menu when ticket_system_type is MENU and at
// least one option is configured, otherwise a single styled button.
func (g *Gateway) SendTicketPanel(
	ctx context.Context,
	channelID string,
	config map[string]any,
) error {
	msg := &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{ticketPanelEmbed(config)},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					ticketPanelComponent(config),
				},
			},
		},
	}
	_, err := g.session.ChannelMessageSendComplex(
		channelID, msg, discordgo.WithContext(ctx),
	)
	return err
}

func ticketPanelEmbed(config map[string]any) *discordgo.MessageEmbed {
	title := stringMapValue(config, "ticket_msg_title")
	if title == "" {
		title = "Support"
	}
	desc := stringMapValue(config, "ticket_msg_desc")
	if desc == "" {
		desc = "Ouvrez un ticket."
	}
	embed := &discordgo.MessageEmbed{
		Title:       title,
		Description: desc,
		Color:       ticketPanelColor,
	}
	if image := stringMapValue(config, "ticket_panel_image"); image != "" {
		embed.Image = &discordgo.MessageEmbedImage{URL: image}
	}
	if footer := stringMapValue(config, "ticket_panel_footer"); footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: footer}
	}
	return embed
}

// ticketPanelComponent returns the panel's single interactive component:
// a select menu or a button, never both.
func ticketPanelComponent(config map[string]any) discordgo.MessageComponent {
	options := parseTicketOptions(stringMapValue(config, "ticket_options"))
	if stringMapValue(config, "ticket_system_type") == ticketSystemTypeMenu &&
		len(options) > 0 {
		menuOptions := make([]discordgo.SelectMenuOption, 0, len(options))
		for _, o := range options {
			option := discordgo.SelectMenuOption{
				Label: truncate(o.Label, ticketLabelMaxLength),
				Value: o.ID,
			}
			if o.Emoji != "" {
				option.Emoji = &discordgo.ComponentEmoji{Name: o.Emoji}
			}
			menuOptions = append(menuOptions, option)
		}
		return discordgo.SelectMenu{
			MenuType:    discordgo.StringSelectMenu,
			CustomID:    ticketPanelCustomID,
			Placeholder: "Sélectionnez votre demande...",
			Options:     menuOptions,
		}
	}

	label := stringMapValue(config, "ticket_btn_label")
	if label == "" {
		label = "Ouvrir"
	}
	style, ok := buttonStyleNames[stringMapValue(config, "ticket_btn_style")]
	if !ok {
		style = discordgo.PrimaryButton
	}
	button := discordgo.Button{
		CustomID: ticketPanelCustomID,
		Label:    truncate(label, ticketLabelMaxLength),
		Style:    style,
	}
	if emoji := stringMapValue(config, "ticket_btn_emoji"); emoji != "" {
		button.Emoji = &discordgo.ComponentEmoji{Name: emoji}
	}
	return button
}

func parseTicketOptions(raw string) []TicketOption {
	if raw == "" {
		return nil
	}
	var options []TicketOption
	if err := json.Unmarshal([]byte(raw), &options); err != nil {
		return nil
	}
	return options
}

// memberIsAdmin reports whether the member holds the administrator
// permission bit, through the guild owner check or any of their roles.
func memberIsAdmin(guild *discordgo.Guild, member *discordgo.Member) bool {
	if member == nil || member.User == nil {
		return false
	}
	if guild.OwnerID == member.User.ID {
		return true
	}
	for _, roleID := range member.Roles {
		for _, role := range guild.Roles {
			if role.ID != roleID {
				continue
			}
			if role.Permissions&discordgo.PermissionAdministrator != 0 {
				return true
			}
		}
	}
	return false
}
