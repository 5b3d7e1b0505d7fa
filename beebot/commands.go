package beebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// reminderScopeDM is the reminder scope used for interactions outside a
// guild (direct messages with the bot).
const reminderScopeDM = "dm"

// reminderListPayloadLength bounds each payload shown by `/remind list`
// so a full list stays under Discord's message limit.
const reminderListPayloadLength = 100

const consentRequiredMessage = "I can only answer that if you've opted in " +
	"to AI responses. Run `/consent info` to see what that means, " +
	"and `/consent on` to enable it. Bzzz!"

// handlerInteractionCreate dispatches incoming slash commands. Every
// interaction is audited to the database before handling.
func (b *BeeBot) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		ctx, cancel := context.WithTimeout(
			context.Background(),
			b.config.InteractionTimeout,
		)
		defer cancel()

		discordUser := getDiscordUser(i)
		if discordUser == nil {
			b.logger.Warn(
				"interaction with no user",
				"interaction_id", i.ID,
			)
			return
		}
		data := i.ApplicationCommandData()
		logger := b.logger.With(append(
			[]any{
				"command", data.Name,
				"interaction_id", i.ID,
			},
			discordUserLogAttrs(discordUser)...,
		)...)
		ctx = WithLogger(ctx, logger)

		b.auditInteraction(ctx, i, discordUser, data.Name)

		user, _, err := b.db.GetOrCreateUser(
			ctx,
			discordUser.ID,
			discordUser.Username,
			discordUser.GlobalName,
		)
		if err != nil {
			logger.ErrorContext(ctx, "error loading user", tint.Err(err))
			b.respondEphemeral(ctx, i, b.config.Discord.ErrorMessage)
			return
		}
		if user.Ignored {
			logger.InfoContext(ctx, "ignoring user", userLogAttrs(*user)...)
			return
		}
		if b.paused.Load() {
			b.respondEphemeral(ctx, i, "BeeBot is taking a nap. Try again soon!")
			return
		}

		switch data.Name {
		case SlashCommandFact:
			b.respondPublic(ctx, i, b.content.RandomFact())
		case SlashCommandFortune:
			b.respondPublic(ctx, i, b.content.RandomFortune())
		case SlashCommandJoke:
			b.respondPublic(ctx, i, b.content.RandomJoke())
		case SlashCommandName:
			b.respondPublic(
				ctx, i,
				fmt.Sprintf("Your bee name is: **%s**", b.content.RandomName()),
			)
		case SlashCommandQuestion:
			b.respondPublic(ctx, i, b.content.RandomQuestion())
		case SlashCommandSpecies:
			b.respondPublic(ctx, i, b.content.RandomSpecies())
		case SlashCommandValidate:
			b.respondPublic(ctx, i, b.content.RandomValidation())
		case SlashCommandQuiz:
			b.handleQuiz(ctx, i)
		case SlashCommandCrisis:
			b.respondPublic(ctx, i, b.content.Crisis())
		case SlashCommandHelp:
			b.respondEphemeral(ctx, i, b.content.Help())
		case SlashCommandAsk:
			b.handleAsk(ctx, i, user, data)
		case SlashCommandConsent:
			b.handleConsent(ctx, i, user, data)
		case SlashCommandRemind:
			b.handleRemind(ctx, i, user, data)
		case SlashCommandAnnouncement:
			b.handleAnnouncement(ctx, i, data)
		case SlashCommandAutoReply:
			b.handleAutoReply(ctx, i, data)
		default:
			logger.WarnContext(ctx, "unknown command")
			b.respondEphemeral(ctx, i, b.config.Discord.ErrorMessage)
		}
	}
}

// auditInteraction records the raw interaction for later inspection.
func (b *BeeBot) auditInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
	commandName string,
) {
	payload, err := json.Marshal(i.Interaction)
	if err != nil {
		b.logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
		payload = []byte("{}")
	}
	b.db.LogInteraction(
		ctx, &InteractionLog{
			InteractionID: i.ID,
			CommandName:   commandName,
			UserID:        user.ID,
			Username:      user.Username,
			GuildID:       i.GuildID,
			ChannelID:     i.ChannelID,
			Payload:       string(payload),
		},
	)
}

func (b *BeeBot) respondPublic(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	b.respond(ctx, i, content, 0)
}

func (b *BeeBot) respondEphemeral(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	b.respond(ctx, i, content, discordgo.MessageFlagsEphemeral)
}

func (b *BeeBot) respond(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
	flags discordgo.MessageFlags,
) {
	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: shortenString(content, discordMaxMessageLength),
				Flags:   flags,
			},
		},
	)
	if err != nil {
		logger, ok := ContextLogger(ctx)
		if !ok {
			logger = b.logger
		}
		logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
}

// handleQuiz posts a multiple-choice question with the answer hidden
// behind a spoiler tag.
func (b *BeeBot) handleQuiz(ctx context.Context, i *discordgo.InteractionCreate) {
	quiz := b.content.RandomQuiz()
	b.respondPublic(
		ctx, i,
		fmt.Sprintf(
			"%s\n\nAnswer: ||%s||",
			quiz.Prompt(),
			strings.ToUpper(quiz.Answer),
		),
	)
}

// handleAsk runs the consent-gated AI question flow. The interaction is
// acknowledged immediately and the answer arrives as an edit, since
// completions regularly exceed Discord's 3-second response window.
func (b *BeeBot) handleAsk(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *User,
	data discordgo.ApplicationCommandInteractionData,
) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = b.logger
	}

	if !b.settings.ConsentEnabled(ctx, user.ID) {
		b.respondEphemeral(ctx, i, consentRequiredMessage)
		return
	}

	opts := discordInteractionOptions(data.Options)
	questionOpt, found := opts[optionQuestion]
	if !found {
		b.respondEphemeral(ctx, i, b.config.Discord.ErrorMessage)
		return
	}
	question := questionOpt.StringValue()

	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	answerCtx, cancel := context.WithTimeout(
		context.Background(),
		b.config.OpenAI.RequestTimeout,
	)
	answerCtx = WithLogger(answerCtx, logger)
	go func() {
		defer cancel()
		answer, answerErr := b.openai.Answer(answerCtx, question)
		if answerErr != nil {
			logger.ErrorContext(answerCtx, "error answering question", tint.Err(answerErr))
			switch {
			case errors.Is(answerErr, ErrAnswerScreened):
				answer = "That's not something I can help with. Bzzz."
			default:
				answer = b.config.Discord.ErrorMessage
				b.discord.reportError(
					answerCtx,
					i.GuildID,
					fmt.Sprintf("ask command failed: %v", answerErr),
				)
			}
		}
		if _, editErr := b.discord.session.InteractionResponseEdit(
			i.Interaction,
			&discordgo.WebhookEdit{Content: &answer},
		); editErr != nil {
			logger.ErrorContext(answerCtx, "error editing response", tint.Err(editErr))
		}
	}()
}

func (b *BeeBot) handleConsent(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *User,
	data discordgo.ApplicationCommandInteractionData,
) {
	if len(data.Options) == 0 {
		b.respondEphemeral(ctx, i, b.config.Discord.ErrorMessage)
		return
	}
	logger, _ := ContextLogger(ctx)

	switch data.Options[0].Name {
	case subcommandOn:
		if err := b.settings.SetConsent(ctx, user.ID, true); err != nil {
			logger.ErrorContext(ctx, "error setting consent", tint.Err(err))
			b.respondEphemeral(ctx, i, b.config.Discord.ErrorMessage)
			return
		}
		b.respondEphemeral(
			ctx, i,
			"Consent enabled! You can now use `/ask`. Change your mind any time with `/consent off`.",
		)
	case subcommandOff:
		if err := b.settings.SetConsent(ctx, user.ID, false); err != nil {
			logger.ErrorContext(ctx, "error revoking consent", tint.Err(err))
			b.respondEphemeral(ctx, i, b.config.Discord.ErrorMessage)
			return
		}
		b.respondEphemeral(
			ctx, i,
			"Consent revoked. Your questions will no longer be sent to the AI provider.",
		)
	case subcommandInfo:
		status := "**off**"
		if b.settings.ConsentEnabled(ctx, user.ID) {
			status = "**on**"
		}
		b.respondEphemeral(
			ctx, i,
			fmt.Sprintf("%s\n\nYour consent is currently %s.", b.content.Privacy(), status),
		)
	default:
		b.respondEphemeral(ctx, i, b.config.Discord.ErrorMessage)
	}
}

// reminderScope returns the scheduler scope for an interaction: the
// guild ID, or a fixed scope for direct messages.
func reminderScope(i *discordgo.InteractionCreate) string {
	if i.GuildID == "" {
		return reminderScopeDM
	}
	return i.GuildID
}

func (b *BeeBot) handleRemind(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *User,
	data discordgo.ApplicationCommandInteractionData,
) {
	if len(data.Options) == 0 {
		b.respondEphemeral(ctx, i, b.config.Discord.ErrorMessage)
		return
	}
	sub := data.Options[0]
	scope := reminderScope(i)

	switch sub.Name {
	case subcommandSet:
		b.handleRemindSet(ctx, i, user, scope, sub)
	case subcommandList:
		b.handleRemindList(ctx, i, user, scope)
	case subcommandDelete:
		b.handleRemindDelete(ctx, i, user, scope, sub)
	default:
		b.respondEphemeral(ctx, i, b.config.Discord.ErrorMessage)
	}
}

func (b *BeeBot) handleRemindSet(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *User,
	scope string,
	sub *discordgo.ApplicationCommandInteractionDataOption,
) {
	opts := discordInteractionOptions(sub.Options)
	durationOpt, durationFound := opts[optionDuration]
	messageOpt, messageFound := opts[optionMessage]
	if !durationFound || !messageFound {
		b.respondEphemeral(ctx, i, b.config.Discord.ErrorMessage)
		return
	}

	delay, err := ParseReminderDuration(durationOpt.StringValue())
	if err != nil {
		b.respondEphemeral(ctx, i, err.Error())
		return
	}

	reminderID, err := b.scheduler.Create(
		ctx,
		scope,
		user.ID,
		time.Now().Add(delay),
		messageOpt.StringValue(),
	)
	if err != nil {
		switch {
		case errors.Is(err, ErrReminderPayloadEmpty),
			errors.Is(err, ErrReminderPayloadTooLong),
			errors.Is(err, ErrReminderInPast),
			errors.Is(err, ErrReminderPastHorizon):
			b.respondEphemeral(ctx, i, err.Error())
		default:
			logger, _ := ContextLogger(ctx)
			logger.ErrorContext(ctx, "error creating reminder", tint.Err(err))
			b.respondEphemeral(ctx, i, b.config.Discord.ErrorMessage)
		}
		return
	}
	b.respondEphemeral(
		ctx, i,
		fmt.Sprintf(
			"Reminder `%s` set! I'll buzz you in %s.",
			reminderID,
			delay.String(),
		),
	)
}

func (b *BeeBot) handleRemindList(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *User,
	scope string,
) {
	pending, err := b.scheduler.List(ctx, scope, user.ID)
	if err != nil {
		logger, _ := ContextLogger(ctx)
		logger.ErrorContext(ctx, "error listing reminders", tint.Err(err))
		b.respondEphemeral(ctx, i, b.config.Discord.ErrorMessage)
		return
	}
	if len(pending) == 0 {
		b.respondEphemeral(ctx, i, "You have no reminders set. Use `/remind set` to add one!")
		return
	}
	var sb strings.Builder
	sb.WriteString("**Your reminders:**\n")
	for _, p := range pending {
		remaining := (time.Duration(p.RemainingSeconds) * time.Second).String()
		sb.WriteString(
			fmt.Sprintf(
				"`%s` in %s: %s\n",
				p.ReminderID,
				remaining,
				truncate(p.Payload, reminderListPayloadLength),
			),
		)
	}
	b.respondEphemeral(ctx, i, sb.String())
}

func (b *BeeBot) handleRemindDelete(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *User,
	scope string,
	sub *discordgo.ApplicationCommandInteractionDataOption,
) {
	opts := discordInteractionOptions(sub.Options)
	idOpt, found := opts[optionID]
	if !found {
		b.respondEphemeral(ctx, i, b.config.Discord.ErrorMessage)
		return
	}
	reminderID := strings.TrimSpace(idOpt.StringValue())

	existed, err := b.scheduler.Cancel(ctx, scope, user.ID, reminderID)
	if err != nil {
		logger, _ := ContextLogger(ctx)
		logger.ErrorContext(ctx, "error canceling reminder", tint.Err(err))
		b.respondEphemeral(ctx, i, b.config.Discord.ErrorMessage)
		return
	}
	if !existed {
		b.respondEphemeral(
			ctx, i,
			fmt.Sprintf("No reminder `%s` found. Check `/remind list` for ids.", reminderID),
		)
		return
	}
	b.respondEphemeral(ctx, i, fmt.Sprintf("Reminder `%s` deleted.", reminderID))
}

// handleAnnouncement posts the given message to the guild's
// announcements channel. Discord enforces the manage-channels
// permission before the command reaches us.
func (b *BeeBot) handleAnnouncement(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	opts := discordInteractionOptions(data.Options)
	messageOpt, found := opts[optionMessage]
	if !found || i.GuildID == "" {
		b.respondEphemeral(ctx, i, b.config.Discord.ErrorMessage)
		return
	}
	channelID := b.settings.GuildChannelID(
		ctx, i.GuildID, guildChannelAnnouncements,
	)
	if channelID == "" {
		b.respondEphemeral(
			ctx, i,
			"No announcements channel found for this guild yet. Try again in a moment.",
		)
		return
	}
	if err := b.discord.channelMessageSend(
		channelID,
		shortenString(messageOpt.StringValue(), discordMaxMessageLength),
	); err != nil {
		logger, _ := ContextLogger(ctx)
		logger.ErrorContext(ctx, "error sending announcement", tint.Err(err))
		b.respondEphemeral(ctx, i, b.config.Discord.ErrorMessage)
		return
	}
	b.respondEphemeral(ctx, i, "Announcement sent!")
}

func (b *BeeBot) handleAutoReply(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	if len(data.Options) == 0 {
		b.respondEphemeral(ctx, i, b.config.Discord.ErrorMessage)
		return
	}
	logger, _ := ContextLogger(ctx)
	enable := data.Options[0].Name == subcommandOn

	if err := b.settings.SetAutoReply(ctx, i.ChannelID, enable); err != nil {
		logger.ErrorContext(ctx, "error updating autoreply flag", tint.Err(err))
		b.respondEphemeral(ctx, i, b.config.Discord.ErrorMessage)
		return
	}
	if enable {
		b.respondEphemeral(
			ctx, i,
			"Auto-replies enabled. I'll answer questions ending in `?` posted in this channel.",
		)
		return
	}
	b.respondEphemeral(ctx, i, "Auto-replies disabled for this channel.")
}

// handlerMessageCreate answers questions posted in channels where
// auto-reply is enabled. Only consenting users get AI answers; the
// message must end with a question mark or mention the bot directly.
func (b *BeeBot) handlerMessageCreate() func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		var botUser *discordgo.User
		if s.State != nil {
			botUser = s.State.User
		}
		if botUser != nil && m.Author.ID == botUser.ID {
			return
		}
		content := strings.TrimSpace(m.Content)
		mentioned := botUser != nil && messageMentionsUser(m.Message, botUser.ID)
		if !strings.HasSuffix(content, "?") && !mentioned {
			return
		}
		if b.paused.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(
			context.Background(),
			b.config.OpenAI.RequestTimeout,
		)
		defer cancel()

		if !b.settings.AutoReplyEnabled(ctx, m.ChannelID) {
			return
		}
		if !b.settings.ConsentEnabled(ctx, m.Author.ID) {
			return
		}

		logger := b.logger.With(
			"channel_id", m.ChannelID,
			"user_id", m.Author.ID,
		)
		answer, err := b.openai.Answer(ctx, content)
		if err != nil {
			if !errors.Is(err, ErrAnswerScreened) {
				logger.ErrorContext(ctx, "auto-reply failed", tint.Err(err))
			}
			return
		}
		if _, err = b.discord.session.ChannelMessageSendReply(
			m.ChannelID,
			answer,
			m.Reference(),
		); err != nil {
			logger.ErrorContext(ctx, "error sending auto-reply", tint.Err(err))
		}
	}
}
