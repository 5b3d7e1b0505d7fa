// Package beebot implements a Discord bot with a bee-themed supportive
// persona, backed by OpenAI chat completions for free-form questions and a
// Redis store for per-user consent, per-guild settings and personal
// reminders.
//
// Key components of the package include:
//
//   - BeeBot: The main struct that ties the bot's components together.
//   - Discord: Handles the Discord gateway session and slash commands.
//   - OpenAI: Manages chat-completion requests for the /ask command and
//     channel auto-replies.
//   - ReminderScheduler: Owns the lifecycle of personal reminders, including
//     crash recovery on startup.
//   - KVStore: The durable key-value store contract (Redis in production,
//     in-memory for tests).
//   - Content: Embedded canned content (facts, jokes, quizzes, crisis lines).
//
// The bot supports the original BeeBot command set: /bee_fact, /bee_fortune,
// /bee_joke, /bee_name, /bee_question, /bee_quiz, /bee_species,
// /bee_validate, /ask, /consent, /remind (set/list/delete), /crisis,
// /announcement and /bee_help.
package beebot
