package beebot

import (
	"embed"
	"fmt"
	"math/rand"
	"strings"
)

//go:embed assets/*.txt
var assetFS embed.FS

// QuizEntry is a single multiple-choice quiz question. Answer is the
// letter of the correct option ("a", "b" or "c").
type QuizEntry struct {
	Question string
	Options  []string
	Answer   string
}

func (q QuizEntry) Prompt() string {
	var sb strings.Builder
	sb.WriteString(q.Question)
	letters := []string{"A", "B", "C", "D", "E"}
	for i, opt := range q.Options {
		if i >= len(letters) {
			break
		}
		sb.WriteString(fmt.Sprintf("\n%s) %s", letters[i], opt))
	}
	return sb.String()
}

// Content holds the canned response pools loaded from the embedded
// asset files. All Random* accessors are safe for concurrent use as
// long as the rand source is (the default global source is).
type Content struct {
	facts         []string
	fortunes      []string
	jokes         []string
	namePrefixes  []string
	nameSuffixes  []string
	questions     []string
	quizzes       []QuizEntry
	species       []string
	validations   []string
	bannedPhrases []string
	crisis        string
	personality   string
	privacy       string
	version       string
	help          string

	randInt func(n int) int
}

// NewContent loads and parses every embedded asset file. It returns an
// error if any file is missing or the quiz file contains no usable
// entries, so a bad build fails at startup rather than at command time.
func NewContent() (*Content, error) {
	c := &Content{randInt: rand.Intn}

	lineFiles := []struct {
		name   string
		target *[]string
	}{
		{"facts.txt", &c.facts},
		{"fortunes.txt", &c.fortunes},
		{"jokes.txt", &c.jokes},
		{"prefixes.txt", &c.namePrefixes},
		{"suffixes.txt", &c.nameSuffixes},
		{"questions.txt", &c.questions},
		{"bee_species.txt", &c.species},
		{"validations.txt", &c.validations},
		{"banned_phrases.txt", &c.bannedPhrases},
	}
	for _, lf := range lineFiles {
		lines, err := loadAssetLines(lf.name)
		if err != nil {
			return nil, err
		}
		if len(lines) == 0 {
			return nil, fmt.Errorf("asset %s has no entries", lf.name)
		}
		*lf.target = lines
	}

	quizLines, err := loadAssetLines("quiz.txt")
	if err != nil {
		return nil, err
	}
	for _, line := range quizLines {
		entry, ok := parseQuizLine(line)
		if !ok {
			continue
		}
		c.quizzes = append(c.quizzes, entry)
	}
	if len(c.quizzes) == 0 {
		return nil, fmt.Errorf("asset quiz.txt has no usable entries")
	}

	textFiles := []struct {
		name   string
		target *string
	}{
		{"crisis.txt", &c.crisis},
		{"personality.txt", &c.personality},
		{"privacy.txt", &c.privacy},
		{"version.txt", &c.version},
		{"help.txt", &c.help},
	}
	for _, tf := range textFiles {
		data, err := assetFS.ReadFile("assets/" + tf.name)
		if err != nil {
			return nil, fmt.Errorf("loading asset %s: %w", tf.name, err)
		}
		*tf.target = strings.TrimSpace(string(data))
	}

	return c, nil
}

func loadAssetLines(name string) ([]string, error) {
	data, err := assetFS.ReadFile("assets/" + name)
	if err != nil {
		return nil, fmt.Errorf("loading asset %s: %w", name, err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// parseQuizLine parses a pipe-delimited quiz entry of the form
// `question|option|option|option|answer-letter`. Lines with fewer than
// two options or a blank answer are rejected.
func parseQuizLine(line string) (QuizEntry, bool) {
	parts := strings.Split(line, "|")
	if len(parts) < 4 {
		return QuizEntry{}, false
	}
	answer := strings.ToLower(strings.TrimSpace(parts[len(parts)-1]))
	if answer == "" {
		return QuizEntry{}, false
	}
	question := strings.TrimSpace(parts[0])
	if question == "" {
		return QuizEntry{}, false
	}
	var options []string
	for _, opt := range parts[1 : len(parts)-1] {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			return QuizEntry{}, false
		}
		options = append(options, opt)
	}
	return QuizEntry{Question: question, Options: options, Answer: answer}, true
}

func (c *Content) pick(pool []string) string {
	return pool[c.randInt(len(pool))]
}

func (c *Content) RandomFact() string       { return c.pick(c.facts) }
func (c *Content) RandomFortune() string    { return c.pick(c.fortunes) }
func (c *Content) RandomJoke() string       { return c.pick(c.jokes) }
func (c *Content) RandomQuestion() string   { return c.pick(c.questions) }
func (c *Content) RandomSpecies() string    { return c.pick(c.species) }
func (c *Content) RandomValidation() string { return c.pick(c.validations) }

// RandomName joins a random prefix and suffix into a bee name.
func (c *Content) RandomName() string {
	return c.pick(c.namePrefixes) + " " + c.pick(c.nameSuffixes)
}

func (c *Content) RandomQuiz() QuizEntry {
	return c.quizzes[c.randInt(len(c.quizzes))]
}

func (c *Content) Crisis() string      { return c.crisis }
func (c *Content) Personality() string { return c.personality }
func (c *Content) Privacy() string     { return c.privacy }
func (c *Content) Version() string     { return c.version }
func (c *Content) Help() string        { return c.help }

// ContainsBannedPhrase reports whether the input contains any phrase
// from the banned phrase list, case-insensitively. Used to screen both
// user questions and model output before anything reaches a channel.
func (c *Content) ContainsBannedPhrase(input string) bool {
	lowered := strings.ToLower(input)
	for _, phrase := range c.bannedPhrases {
		if strings.Contains(lowered, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}
