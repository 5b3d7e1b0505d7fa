package beebot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Slash command names registered with Discord.
const (
	SlashCommandFact         = "bee_fact"
	SlashCommandFortune      = "bee_fortune"
	SlashCommandJoke         = "bee_joke"
	SlashCommandName         = "bee_name"
	SlashCommandQuestion     = "bee_question"
	SlashCommandQuiz         = "bee_quiz"
	SlashCommandSpecies      = "bee_species"
	SlashCommandValidate     = "bee_validate"
	SlashCommandAsk          = "ask"
	SlashCommandConsent      = "consent"
	SlashCommandRemind       = "remind"
	SlashCommandCrisis       = "crisis"
	SlashCommandAnnouncement = "announcement"
	SlashCommandAutoReply    = "autoreply"
	SlashCommandHelp         = "bee_help"
)

// Command option and subcommand names.
const (
	optionQuestion = "question"
	optionMessage  = "message"
	optionDuration = "duration"
	optionID       = "id"

	subcommandOn     = "on"
	subcommandOff    = "off"
	subcommandInfo   = "info"
	subcommandSet    = "set"
	subcommandList   = "list"
	subcommandDelete = "delete"
)

// Well-known guild channels the bot creates on startup.
const (
	guildChannelAnnouncements = "announcements"
	guildChannelVersion       = "version"
	guildChannelErrors        = "errors"
)

// DiscordSessionHandler is the subset of discordgo.Session the bot
// uses, extracted so tests can stub the gateway entirely.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ApplicationCommandBulkOverwrite overwrites application commands in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSend sends a message to the given channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UserChannelCreate creates (or returns) the DM channel with a user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// GuildChannels lists the channels in a guild
	GuildChannels(
		guildID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Channel, error)

	// GuildChannelCreate creates a new channel in a guild
	GuildChannelCreate(
		guildID string,
		name string,
		ctype discordgo.ChannelType,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// UpdateCustomStatus sets the bot user's custom status. An empty
	// string clears any existing status.
	UpdateCustomStatus(status string) error

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
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

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(
		appID, guildID, commands, options...,
	)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, message, opts...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"reference", reference,
		)
	}
	return msg, err
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) GuildChannels(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	return d.session.GuildChannels(guildID, options...)
}

func (d DiscordSession) GuildChannelCreate(
	guildID string,
	name string,
	ctype discordgo.ChannelType,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.GuildChannelCreate(guildID, name, ctype, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

// Discord manages the gateway connection, slash command registration
// and the bot's guild channel bookkeeping.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger

	connected         atomic.Bool
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64

	discordgoRemoveHandlerFuncs []func()

	bot *BeeBot
}

func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession creates the underlying discordgo session with the bot's
// token, intents and logging configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("error setting custom status", tint.Err(err))
			}
		}
		ctx := context.Background()
		for _, guild := range r.Guilds {
			d.onGuildReady(ctx, guild.ID)
		}
	}
}

// onGuildReady ensures the bot's well-known channels exist in the
// guild, sends the startup message, and announces the bot version if it
// changed since the last connect.
func (d *Discord) onGuildReady(ctx context.Context, guildID string) {
	logger := d.logger.With("guild_id", guildID)
	if err := d.ensureGuildChannels(ctx, guildID); err != nil {
		logger.Error("error ensuring guild channels", tint.Err(err))
		return
	}

	settings := d.bot.settings
	if announceID := settings.GuildChannelID(
		ctx, guildID, guildChannelAnnouncements,
	); announceID != "" && d.config.StartupMessage != "" {
		if err := d.channelMessageSend(
			announceID,
			d.config.StartupMessage,
			discordgo.WithRetryOnRatelimit(false),
			discordgo.WithRestRetries(1),
		); err != nil {
			logger.Error("unable to send startup message", tint.Err(err))
		}
	}

	version := d.bot.content.Version()
	if version == "" || settings.LastAnnouncedVersion(ctx, guildID) == version {
		return
	}
	versionChannelID := settings.GuildChannelID(ctx, guildID, guildChannelVersion)
	if versionChannelID == "" {
		return
	}
	if err := d.channelMessageSend(versionChannelID, version); err != nil {
		logger.Error("unable to announce version", tint.Err(err))
		return
	}
	if err := settings.SetLastAnnouncedVersion(ctx, guildID, version); err != nil {
		logger.Error("error recording announced version", tint.Err(err))
	}
}

// ensureGuildChannels creates any of the bot's well-known channels
// missing from the guild and records their IDs.
func (d *Discord) ensureGuildChannels(ctx context.Context, guildID string) error {
	channels, err := d.session.GuildChannels(guildID)
	if err != nil {
		return fmt.Errorf("error listing guild channels: %w", err)
	}
	existing := map[string]string{}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildText {
			existing[ch.Name] = ch.ID
		}
	}

	for _, name := range []string{
		guildChannelAnnouncements,
		guildChannelVersion,
		guildChannelErrors,
	} {
		channelID, ok := existing[name]
		if !ok {
			created, createErr := d.session.GuildChannelCreate(
				guildID, name, discordgo.ChannelTypeGuildText,
			)
			if createErr != nil {
				return fmt.Errorf("error creating channel %q: %w", name, createErr)
			}
			channelID = created.ID
			d.logger.Info(
				"created guild channel",
				"guild_id", guildID,
				"name", name,
				"channel_id", channelID,
			)
		}
		if err = d.bot.settings.SetGuildChannelID(
			ctx, guildID, name, channelID,
		); err != nil {
			return fmt.Errorf("error recording channel %q: %w", name, err)
		}
	}
	return nil
}

// reportError forwards an internal error to the guild's errors channel,
// if one is known. Failures here are logged and dropped.
func (d *Discord) reportError(ctx context.Context, guildID string, message string) {
	if guildID == "" {
		return
	}
	channelID := d.bot.settings.GuildChannelID(ctx, guildID, guildChannelErrors)
	if channelID == "" {
		return
	}
	if err := d.channelMessageSend(
		channelID,
		shortenString(message, discordMaxMessageLength),
	); err != nil {
		d.logger.Error("unable to forward error report", tint.Err(err))
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		var userID string
		var username string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// registerCommands bulk-overwrites the bot's slash commands, either
// guild-scoped (instant) or global depending on configuration.
func (d *Discord) registerCommands(ctx context.Context) error {
	commands := d.applicationCommands()
	registered, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
	)
	if err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	names := make([]string, 0, len(registered))
	for _, cmd := range registered {
		names = append(names, cmd.Name)
	}
	d.logger.InfoContext(
		ctx,
		"registered slash commands",
		"guild_id", d.config.GuildID,
		"commands", names,
	)
	return nil
}

// applicationCommands returns the full slash command set.
func (d *Discord) applicationCommands() []*discordgo.ApplicationCommand {
	manageChannels := int64(discordgo.PermissionManageChannels)
	return []*discordgo.ApplicationCommand{
		{
			Name:        SlashCommandFact,
			Description: "Get a random bee fact",
		},
		{
			Name:        SlashCommandFortune,
			Description: "Receive a bee-themed fortune",
		},
		{
			Name:        SlashCommandJoke,
			Description: "Hear a bee joke",
		},
		{
			Name:        SlashCommandName,
			Description: "Generate a random bee name",
		},
		{
			Name:        SlashCommandQuestion,
			Description: "Get a question to think about",
		},
		{
			Name:        SlashCommandQuiz,
			Description: "Take a random bee quiz",
		},
		{
			Name:        SlashCommandSpecies,
			Description: "Learn about a random bee species",
		},
		{
			Name:        SlashCommandValidate,
			Description: "Get some validation from the hive",
		},
		{
			Name:        SlashCommandCrisis,
			Description: "View a list of global crisis helplines",
		},
		{
			Name:        SlashCommandHelp,
			Description: "List everything BeeBot can do",
		},
		{
			Name:        SlashCommandAsk,
			Description: "Ask BeeBot any question",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionQuestion,
					Description: "What do you want to know?",
					Required:    true,
					MaxLength:   discordMaxMessageLength,
				},
			},
		},
		{
			Name:        SlashCommandConsent,
			Description: "Manage your privacy consent settings",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandOn,
					Description: "Allow BeeBot to send your questions to the AI provider",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandOff,
					Description: "Revoke consent",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandInfo,
					Description: "See what consent covers and your current setting",
				},
			},
		},
		{
			Name:        SlashCommandRemind,
			Description: "Personal reminders",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandSet,
					Description: "Set a reminder",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        optionDuration,
							Description: "When to fire, like 30s, 15m, 2h or 1d",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        optionMessage,
							Description: "What to remind you about",
							Required:    true,
							MaxLength:   DefaultReminderMaxPayload,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandList,
					Description: "View your active reminders",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandDelete,
					Description: "Delete a reminder by id",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        optionID,
							Description: "Reminder id from /remind list",
							Required:    true,
						},
					},
				},
			},
		},
		{
			Name:                     SlashCommandAnnouncement,
			Description:              "Send an announcement as BeeBot",
			DefaultMemberPermissions: &manageChannels,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionMessage,
					Description: "Announcement text",
					Required:    true,
					MaxLength:   discordMaxMessageLength,
				},
			},
		},
		{
			Name:                     SlashCommandAutoReply,
			Description:              "Toggle auto-replies to questions in this channel",
			DefaultMemberPermissions: &manageChannels,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandOn,
					Description: "Enable auto-replies in this channel",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandOff,
					Description: "Disable auto-replies in this channel",
				},
			},
		},
	}
}

// discordNotifier delivers reminders as direct messages.
type discordNotifier struct {
	session DiscordSessionHandler
	logger  *slog.Logger
}

func newDiscordNotifier(session DiscordSessionHandler, log *slog.Logger) Notifier {
	return &discordNotifier{
		session: session,
		logger:  log.With(loggerNameKey, "notifier"),
	}
}

func (n *discordNotifier) Deliver(
	ctx context.Context,
	ownerID string,
	text string,
) error {
	channel, err := n.session.UserChannelCreate(ownerID)
	if err != nil {
		return fmt.Errorf("error opening DM channel for %s: %w", ownerID, err)
	}
	_, err = n.session.ChannelMessageSend(
		channel.ID,
		shortenString(text, discordMaxMessageLength),
	)
	if err != nil {
		return fmt.Errorf("error sending DM to %s: %w", ownerID, err)
	}
	n.logger.InfoContext(ctx, "delivered reminder", "owner_id", ownerID)
	return nil
}
