package beebot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	openai "github.com/sashabaranov/go-openai"
)

// mockSession implements DiscordSessionHandler, recording every
// response and message the bot tries to send.
type mockSession struct {
	mu sync.Mutex

	responses    map[string]*discordgo.InteractionResponse
	edits        map[string]*discordgo.WebhookEdit
	sentMessages map[string][]string
	guildChans   []*discordgo.Channel
}

func newMockSession() *mockSession {
	return &mockSession{
		responses:    map[string]*discordgo.InteractionResponse{},
		edits:        map[string]*discordgo.WebhookEdit{},
		sentMessages: map[string][]string{},
	}
}

func (m *mockSession) Open() error  { return nil }
func (m *mockSession) Close() error { return nil }

func (m *mockSession) AddHandler(any) func() { return func() {} }

func (m *mockSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (m *mockSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[interaction.ID] = resp
	return nil
}

func (m *mockSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits[interaction.ID] = newresp
	return &discordgo.Message{}, nil
}

func (m *mockSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentMessages[channelID] = append(m.sentMessages[channelID], message)
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (m *mockSession) ChannelMessageSendReply(
	channelID string,
	content string,
	_ *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return m.ChannelMessageSend(channelID, content)
}

func (m *mockSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func (m *mockSession) GuildChannels(
	string,
	...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guildChans, nil
}

func (m *mockSession) GuildChannelCreate(
	guildID string,
	name string,
	ctype discordgo.ChannelType,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := &discordgo.Channel{
		ID:      fmt.Sprintf("%s-%s", guildID, name),
		Name:    name,
		Type:    ctype,
		GuildID: guildID,
	}
	m.guildChans = append(m.guildChans, ch)
	return ch, nil
}

func (m *mockSession) UpdateCustomStatus(string) error { return nil }
func (m *mockSession) SetLogLevel(slog.Level) error    { return nil }
func (m *mockSession) SetHTTPClient(*http.Client)      {}

func (m *mockSession) response(interactionID string) *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responses[interactionID]
}

func (m *mockSession) edit(interactionID string) *discordgo.WebhookEdit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.edits[interactionID]
}

// stubDB implements DBI without any real database.
type stubDB struct {
	mu           sync.Mutex
	users        map[string]*User
	interactions []*InteractionLog
}

func newStubDB() *stubDB {
	return &stubDB{users: map[string]*User{}}
}

func (d *stubDB) DB() *gorm.DB { return nil }

func (d *stubDB) Create(context.Context, any) (int64, error) { return 1, nil }

func (d *stubDB) Updates(context.Context, any, any) (int64, error) { return 1, nil }

func (d *stubDB) GetOrCreateUser(
	_ context.Context,
	userID string,
	username string,
	globalName string,
) (*User, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[userID]; ok {
		return u, false, nil
	}
	u := &User{ID: userID, Username: username, GlobalName: globalName}
	d.users[userID] = u
	return u, true, nil
}

func (d *stubDB) LogInteraction(_ context.Context, entry *InteractionLog) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interactions = append(d.interactions, entry)
}

func (d *stubDB) logged() []*InteractionLog {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*InteractionLog, len(d.interactions))
	copy(out, d.interactions)
	return out
}

func newTestBot(t *testing.T) (*BeeBot, *mockSession, *stubDB) {
	t.Helper()
	config := DefaultConfig()
	config.Discord.Token = "discord-token"
	config.Discord.ApplicationID = "app-id"
	config.OpenAI.Token = "openai-token"

	content, err := NewContent()
	require.NoError(t, err)

	session := newMockSession()
	db := newStubDB()
	store := NewMemoryStore()
	logger := slog.Default()

	b := &BeeBot{
		config:   config,
		logger:   logger,
		content:  content,
		store:    store,
		settings: NewSettings(store, logger),
		db:       db,
	}
	b.openai = newOpenAI(config.OpenAI, content, nil)
	b.openai.client = &mockOpenAIClient{
		response: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{
					Message: openai.ChatCompletionMessage{
						Content: "Buzz buzz! Great question.",
					},
				},
			},
		},
	}
	b.discord = newDiscord(config.Discord)
	b.discord.logger = logger
	b.discord.session = session
	b.discord.bot = b
	b.scheduler = NewReminderScheduler(
		store,
		newDiscordNotifier(session, logger),
		config.Reminders,
		logger,
	)
	t.Cleanup(b.scheduler.Stop)
	return b, session, db
}

func newCommandInteraction(
	id string,
	userID string,
	data discordgo.ApplicationCommandInteractionData,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        id,
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   "guild1",
			ChannelID: "chan1",
			Member: &discordgo.Member{
				User: &discordgo.User{
					ID:       userID,
					Username: "beekeeper",
				},
			},
			Data: data,
		},
	}
}

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func subCommand(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:    name,
		Type:    discordgo.ApplicationCommandOptionSubCommand,
		Options: options,
	}
}

func TestCommandBeeFact(t *testing.T) {
	t.Parallel()
	b, session, db := newTestBot(t)
	handler := b.handlerInteractionCreate()

	i := newCommandInteraction(
		"i1", "u1",
		discordgo.ApplicationCommandInteractionData{Name: SlashCommandFact},
	)
	handler(nil, i)

	resp := session.response("i1")
	require.NotNil(t, resp)
	assert.Equal(
		t,
		discordgo.InteractionResponseChannelMessageWithSource,
		resp.Type,
	)
	assert.Contains(t, b.content.facts, resp.Data.Content)
	assert.Zero(t, resp.Data.Flags&discordgo.MessageFlagsEphemeral)

	logged := db.logged()
	require.Len(t, logged, 1)
	assert.Equal(t, SlashCommandFact, logged[0].CommandName)
	assert.Equal(t, "u1", logged[0].UserID)
}

func TestCommandIgnoredUser(t *testing.T) {
	t.Parallel()
	b, session, db := newTestBot(t)
	db.users["u1"] = &User{ID: "u1", Username: "beekeeper", Ignored: true}
	handler := b.handlerInteractionCreate()

	i := newCommandInteraction(
		"i1", "u1",
		discordgo.ApplicationCommandInteractionData{Name: SlashCommandFact},
	)
	handler(nil, i)

	assert.Nil(t, session.response("i1"))
}

func TestCommandPaused(t *testing.T) {
	t.Parallel()
	b, session, _ := newTestBot(t)
	b.paused.Store(true)
	handler := b.handlerInteractionCreate()

	i := newCommandInteraction(
		"i1", "u1",
		discordgo.ApplicationCommandInteractionData{Name: SlashCommandFact},
	)
	handler(nil, i)

	resp := session.response("i1")
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, "nap")
	assert.NotZero(t, resp.Data.Flags&discordgo.MessageFlagsEphemeral)
}

func TestCommandAskRequiresConsent(t *testing.T) {
	t.Parallel()
	b, session, _ := newTestBot(t)
	handler := b.handlerInteractionCreate()

	i := newCommandInteraction(
		"i1", "u1",
		discordgo.ApplicationCommandInteractionData{
			Name: SlashCommandAsk,
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				stringOption(optionQuestion, "how do bees fly?"),
			},
		},
	)
	handler(nil, i)

	resp := session.response("i1")
	require.NotNil(t, resp)
	assert.Equal(t, consentRequiredMessage, resp.Data.Content)
	assert.NotZero(t, resp.Data.Flags&discordgo.MessageFlagsEphemeral)
	assert.Nil(t, session.edit("i1"))
}

func TestCommandAskWithConsent(t *testing.T) {
	t.Parallel()
	b, session, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.settings.SetConsent(ctx, "u1", true))
	handler := b.handlerInteractionCreate()

	i := newCommandInteraction(
		"i1", "u1",
		discordgo.ApplicationCommandInteractionData{
			Name: SlashCommandAsk,
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				stringOption(optionQuestion, "how do bees fly?"),
			},
		},
	)
	handler(nil, i)

	resp := session.response("i1")
	require.NotNil(t, resp)
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		resp.Type,
	)

	require.Eventually(
		t, func() bool {
			return session.edit("i1") != nil
		}, 2*time.Second, 10*time.Millisecond,
	)
	edit := session.edit("i1")
	require.NotNil(t, edit.Content)
	assert.Equal(t, "Buzz buzz! Great question.", *edit.Content)
}

func TestCommandConsentLifecycle(t *testing.T) {
	t.Parallel()
	b, session, _ := newTestBot(t)
	ctx := context.Background()
	handler := b.handlerInteractionCreate()

	handler(
		nil, newCommandInteraction(
			"i1", "u1",
			discordgo.ApplicationCommandInteractionData{
				Name: SlashCommandConsent,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					subCommand(subcommandOn),
				},
			},
		),
	)
	require.NotNil(t, session.response("i1"))
	assert.True(t, b.settings.ConsentEnabled(ctx, "u1"))

	handler(
		nil, newCommandInteraction(
			"i2", "u1",
			discordgo.ApplicationCommandInteractionData{
				Name: SlashCommandConsent,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					subCommand(subcommandInfo),
				},
			},
		),
	)
	resp := session.response("i2")
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, "**on**")

	handler(
		nil, newCommandInteraction(
			"i3", "u1",
			discordgo.ApplicationCommandInteractionData{
				Name: SlashCommandConsent,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					subCommand(subcommandOff),
				},
			},
		),
	)
	require.NotNil(t, session.response("i3"))
	assert.False(t, b.settings.ConsentEnabled(ctx, "u1"))
}

func TestCommandRemindLifecycle(t *testing.T) {
	t.Parallel()
	b, session, _ := newTestBot(t)
	ctx := context.Background()
	handler := b.handlerInteractionCreate()

	handler(
		nil, newCommandInteraction(
			"i1", "u1",
			discordgo.ApplicationCommandInteractionData{
				Name: SlashCommandRemind,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					subCommand(
						subcommandSet,
						stringOption(optionDuration, "2h"),
						stringOption(optionMessage, "check the hive"),
					),
				},
			},
		),
	)
	resp := session.response("i1")
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, "set!")
	assert.Equal(t, 1, b.scheduler.ArmedCount())

	pending, err := b.scheduler.List(ctx, "guild1", "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	reminderID := pending[0].ReminderID

	handler(
		nil, newCommandInteraction(
			"i2", "u1",
			discordgo.ApplicationCommandInteractionData{
				Name: SlashCommandRemind,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					subCommand(subcommandList),
				},
			},
		),
	)
	resp = session.response("i2")
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, reminderID)
	assert.Contains(t, resp.Data.Content, "check the hive")

	handler(
		nil, newCommandInteraction(
			"i3", "u1",
			discordgo.ApplicationCommandInteractionData{
				Name: SlashCommandRemind,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					subCommand(
						subcommandDelete,
						stringOption(optionID, reminderID),
					),
				},
			},
		),
	)
	resp = session.response("i3")
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, "deleted")
	assert.Equal(t, 0, b.scheduler.ArmedCount())

	// deleting again reports not-found
	handler(
		nil, newCommandInteraction(
			"i4", "u1",
			discordgo.ApplicationCommandInteractionData{
				Name: SlashCommandRemind,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					subCommand(
						subcommandDelete,
						stringOption(optionID, reminderID),
					),
				},
			},
		),
	)
	resp = session.response("i4")
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, "No reminder")
}

func TestCommandRemindSetInvalidDuration(t *testing.T) {
	t.Parallel()
	b, session, _ := newTestBot(t)
	handler := b.handlerInteractionCreate()

	handler(
		nil, newCommandInteraction(
			"i1", "u1",
			discordgo.ApplicationCommandInteractionData{
				Name: SlashCommandRemind,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					subCommand(
						subcommandSet,
						stringOption(optionDuration, "eleventy"),
						stringOption(optionMessage, "check the hive"),
					),
				},
			},
		),
	)
	resp := session.response("i1")
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, "invalid duration")
	assert.Equal(t, 0, b.scheduler.ArmedCount())
}

func TestCommandAnnouncement(t *testing.T) {
	t.Parallel()
	b, session, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(
		t,
		b.settings.SetGuildChannelID(
			ctx, "guild1", guildChannelAnnouncements, "announce-chan",
		),
	)
	handler := b.handlerInteractionCreate()

	handler(
		nil, newCommandInteraction(
			"i1", "u1",
			discordgo.ApplicationCommandInteractionData{
				Name: SlashCommandAnnouncement,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					stringOption(optionMessage, "the hive expands"),
				},
			},
		),
	)
	resp := session.response("i1")
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, "sent")
	assert.Equal(t, []string{"the hive expands"}, session.sentMessages["announce-chan"])
}

func TestCommandAutoReplyToggle(t *testing.T) {
	t.Parallel()
	b, session, _ := newTestBot(t)
	ctx := context.Background()
	handler := b.handlerInteractionCreate()

	handler(
		nil, newCommandInteraction(
			"i1", "u1",
			discordgo.ApplicationCommandInteractionData{
				Name: SlashCommandAutoReply,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					subCommand(subcommandOn),
				},
			},
		),
	)
	require.NotNil(t, session.response("i1"))
	assert.True(t, b.settings.AutoReplyEnabled(ctx, "chan1"))

	handler(
		nil, newCommandInteraction(
			"i2", "u1",
			discordgo.ApplicationCommandInteractionData{
				Name: SlashCommandAutoReply,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					subCommand(subcommandOff),
				},
			},
		),
	)
	require.NotNil(t, session.response("i2"))
	assert.False(t, b.settings.AutoReplyEnabled(ctx, "chan1"))
}

func TestReminderNotifierSendsDM(t *testing.T) {
	t.Parallel()
	session := newMockSession()
	notifier := newDiscordNotifier(session, slog.Default())

	require.NoError(
		t,
		notifier.Deliver(context.Background(), "u1", "check the hive"),
	)
	assert.Equal(t, []string{"check the hive"}, session.sentMessages["dm-u1"])
}

func TestAutoReplyTriggers(t *testing.T) {
	t.Parallel()
	b, session, _ := newTestBot(t)
	ctx := context.Background()
	b.openai.setRequestLimit(100)

	require.NoError(t, b.settings.SetAutoReply(ctx, "chan1", true))
	require.NoError(t, b.settings.SetConsent(ctx, "u1", true))

	s := &discordgo.Session{State: discordgo.NewState()}
	s.State.User = &discordgo.User{ID: "bot-user"}
	handler := b.handlerMessageCreate()

	message := func(id, content string, mentions ...*discordgo.User) *discordgo.MessageCreate {
		return &discordgo.MessageCreate{
			Message: &discordgo.Message{
				ID:        id,
				ChannelID: "chan1",
				Content:   content,
				Author:    &discordgo.User{ID: "u1"},
				Mentions:  mentions,
			},
		}
	}

	// a plain statement gets no reply
	handler(s, message("m1", "bees are great"))
	assert.Empty(t, session.sentMessages["chan1"])

	// a trailing question mark does
	handler(s, message("m2", "how do bees navigate?"))
	assert.Len(t, session.sentMessages["chan1"], 1)

	// so does mentioning the bot, question mark or not
	handler(
		s,
		message(
			"m3",
			"<@bot-user> tell me about honey",
			&discordgo.User{ID: "bot-user"},
		),
	)
	assert.Len(t, session.sentMessages["chan1"], 2)

	// mentioning someone else is not a trigger
	handler(
		s,
		message("m4", "<@u2> look at this", &discordgo.User{ID: "u2"}),
	)
	assert.Len(t, session.sentMessages["chan1"], 2)
}

func TestCommandRemindListTruncatesPayload(t *testing.T) {
	t.Parallel()
	b, session, _ := newTestBot(t)
	handler := b.handlerInteractionCreate()

	payload := strings.Repeat("z", 150)
	handler(
		nil, newCommandInteraction(
			"i1", "u1",
			discordgo.ApplicationCommandInteractionData{
				Name: SlashCommandRemind,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					subCommand(
						subcommandSet,
						stringOption(optionDuration, "1h"),
						stringOption(optionMessage, payload),
					),
				},
			},
		),
	)
	require.NotNil(t, session.response("i1"))

	handler(
		nil, newCommandInteraction(
			"i2", "u1",
			discordgo.ApplicationCommandInteractionData{
				Name: SlashCommandRemind,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					subCommand(subcommandList),
				},
			},
		),
	)
	resp := session.response("i2")
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, strings.Repeat("z", reminderListPayloadLength))
	assert.NotContains(t, resp.Data.Content, strings.Repeat("z", reminderListPayloadLength+1))
}
