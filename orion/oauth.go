package orion

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
)

const (
	discordAuthURL  = "https://discord.com/api/oauth2/authorize"
	discordTokenURL = "https://discord.com/api/oauth2/token"
	discordAPIBase  = "https://discord.com/api"

	// permissionAdministrator is the administrator bit of a guild
	// permission set.
	permissionAdministrator = 0x8
)

func init() {
	gob.Register(Identity{})
	gob.Register(AuthenticatedUser{})
}

// AuthenticatedUser is the session payload written at login: the user's
// identity plus a snapshot of their guild memberships.
type AuthenticatedUser struct {
	Identity Identity        `json:"identity"`
	Guilds   []IdentityGuild `json:"guilds"`
}

// Identity is the authenticated dashboard user, as returned by the
// platform's /users/@me endpoint. It is stored in the session.
type Identity struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Avatar        string `json:"avatar"`
}

// AvatarURL returns the user's avatar URL, or the platform placeholder
// when they have none.
func (i Identity) AvatarURL() string {
	if i.Avatar == "" {
		return placeholderAvatarURL
	}
	return fmt.Sprintf(
		"https://cdn.discordapp.com/avatars/%s/%s.png", i.ID, i.Avatar,
	)
}

// IdentityGuild is one guild membership of the authenticated user, as
// returned by /users/@me/guilds. Permissions is the user's permission
// set in that guild, serialized as a decimal string.
type IdentityGuild struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Icon        string `json:"icon"`
	Owner       bool   `json:"owner"`
	Permissions string `json:"permissions"`
}

// Administrator reports whether the user owns the guild or holds its
// administrator permission bit. Unparseable permission strings count as
// not administrator.
func (g IdentityGuild) Administrator() bool {
	if g.Owner {
		return true
	}
	permissions, err := strconv.ParseInt(g.Permissions, 10, 64)
	if err != nil {
		return false
	}
	return permissions&permissionAdministrator != 0
}

// OAuthFlow drives the authorization-code login flow against the
// platform's OAuth2 endpoints.
type OAuthFlow struct {
	config *oauth2.Config
	logger *slog.Logger
}

func newOAuthFlow(config *DiscordConfig, logger *slog.Logger) *OAuthFlow {
	return &OAuthFlow{
		config: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.CallbackURL,
			Scopes:       []string{"identify", "guilds"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  discordAuthURL,
				TokenURL: discordTokenURL,
			},
		},
		logger: logger,
	}
}

// AuthCodeURL returns the authorization URL to redirect the browser to.
func (o *OAuthFlow) AuthCodeURL(state string) string {
	return o.config.AuthCodeURL(state)
}

// Exchange trades the authorization code for an access token.
func (o *OAuthFlow) Exchange(ctx context.Context, code string) (
	*oauth2.Token,
	error,
) {
	token, err := o.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return token, nil
}

// FetchIdentity retrieves the token holder's identity and guild
// memberships.
func (o *OAuthFlow) FetchIdentity(
	ctx context.Context,
	token *oauth2.Token,
) (*Identity, []IdentityGuild, error) {
	client := o.config.Client(ctx, token)

	var identity Identity
	if err := getJSON(ctx, client, discordAPIBase+"/users/@me", &identity); err != nil {
		return nil, nil, fmt.Errorf("fetching identity: %w", err)
	}

	var guilds []IdentityGuild
	err := getJSON(ctx, client, discordAPIBase+"/users/@me/guilds", &guilds)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching guild memberships: %w", err)
	}
	return &identity, guilds, nil
}

func getJSON(
	ctx context.Context,
	client *http.Client,
	url string,
	target any,
) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	rv, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = rv.Body.Close()
	}()
	if rv.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", rv.StatusCode, url)
	}
	return json.NewDecoder(rv.Body).Decode(target)
}
