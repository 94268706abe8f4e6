// Package command normalizes raw live-chat text and classifies it against the
// configurable command table. Matching is diacritic- and case-insensitive so
// viewers typing "!posicao" still hit a "!posição" trigger; the original text is
// preserved for transcripts and nickname arguments.
package command

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Kind identifies the logical command a chat message resolved to.
type Kind int

const (
	KindNone Kind = iota
	KindNext
	KindReset
	KindTimerOn
	KindTimerOff
	KindJoin
	KindPosition
	KindNick
	KindLeave
	KindQueueList
	KindPlayingList
	KindParticipate
	KindCustom
)

// String returns a stable name for logging and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindNext:
		return "next"
	case KindReset:
		return "reset"
	case KindTimerOn:
		return "timer_on"
	case KindTimerOff:
		return "timer_off"
	case KindJoin:
		return "join"
	case KindPosition:
		return "position"
	case KindNick:
		return "nick"
	case KindLeave:
		return "leave"
	case KindQueueList:
		return "queue_list"
	case KindPlayingList:
		return "playing_list"
	case KindParticipate:
		return "participate"
	case KindCustom:
		return "custom"
	default:
		return "none"
	}
}

// Spec is a single configurable trigger.
type Spec struct {
	Trigger string
	Enabled bool
}

// CustomCommand is an arbitrary trigger with a literal response template.
type CustomCommand struct {
	Trigger  string
	Response string
	Enabled  bool
}

// Table maps logical commands to their triggers. It is read-only during a
// chat-processing cycle; the session swaps the whole table on settings changes.
type Table struct {
	AdminHandle string

	Join        Spec
	Leave       Spec
	Position    Spec
	Nick        Spec
	Next        Spec
	Reset       Spec
	TimerOn     Spec
	TimerOff    Spec
	QueueList   Spec
	PlayingList Spec
	Participate Spec

	Custom []CustomCommand
}

// Command is the classification result. Arg carries the nickname argument for
// the prefix-form commands (join, nick) with its original casing and accents;
// Response is the literal reply for custom commands.
type Command struct {
	Kind     Kind
	Arg      string
	Response string
}

// Normalize trims, Unicode-decomposes, strips combining marks, and lowercases
// text for comparison. Display text must never be taken from this form.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	strip := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(strip, s); err == nil {
		s = out
	}
	return strings.ToLower(s)
}

// IsAdmin reports whether the author is the configured admin handle.
func (t *Table) IsAdmin(author string) bool {
	return t.AdminHandle != "" && Normalize(author) == Normalize(t.AdminHandle)
}

// Parse classifies a chat message. Precedence is fixed: admin-only commands
// (next, reset, timer on/off, admin author required) win over user commands,
// user commands win over custom triggers, and the first match ends the scan.
// Unrecognized text returns ok=false and causes no queue mutation.
func (t *Table) Parse(author, raw string) (Command, bool) {
	text := Normalize(raw)
	if text == "" {
		return Command{}, false
	}

	if t.IsAdmin(author) {
		switch {
		case t.Next.matches(text):
			return Command{Kind: KindNext}, true
		case t.Reset.matches(text):
			return Command{Kind: KindReset}, true
		case t.TimerOn.matches(text):
			return Command{Kind: KindTimerOn}, true
		case t.TimerOff.matches(text):
			return Command{Kind: KindTimerOff}, true
		}
	}

	if arg, ok := t.Join.matchesPrefix(raw); ok {
		return Command{Kind: KindJoin, Arg: arg}, true
	}
	if t.Position.matches(text) {
		return Command{Kind: KindPosition}, true
	}
	if arg, ok := t.Nick.matchesPrefix(raw); ok {
		return Command{Kind: KindNick, Arg: arg}, true
	}
	if t.Leave.matches(text) {
		return Command{Kind: KindLeave}, true
	}
	if t.QueueList.matches(text) {
		return Command{Kind: KindQueueList}, true
	}
	if t.PlayingList.matches(text) {
		return Command{Kind: KindPlayingList}, true
	}
	if t.Participate.matches(text) {
		return Command{Kind: KindParticipate}, true
	}

	for _, c := range t.Custom {
		if c.Enabled && c.Trigger != "" && Normalize(c.Trigger) == text {
			return Command{Kind: KindCustom, Response: c.Response}, true
		}
	}

	return Command{}, false
}

// matches reports an exact normalized match against the trigger.
func (s Spec) matches(normalized string) bool {
	return s.Enabled && s.Trigger != "" && Normalize(s.Trigger) == normalized
}

// matchesPrefix matches the prefix form: the trigger's tokens must align with
// the leading tokens of the message, and the remaining tokens joined become the
// argument. The trigger must end at a token boundary, so "!play" never swallows
// "!playing". The argument keeps the original casing and accents.
func (s Spec) matchesPrefix(raw string) (string, bool) {
	if !s.Enabled || s.Trigger == "" {
		return "", false
	}
	trigTokens := strings.Fields(Normalize(s.Trigger))
	rawTokens := strings.Fields(raw)
	if len(trigTokens) == 0 || len(rawTokens) < len(trigTokens) {
		return "", false
	}
	for i, tok := range trigTokens {
		if Normalize(rawTokens[i]) != tok {
			return "", false
		}
	}
	return strings.Join(rawTokens[len(trigTokens):], " "), true
}
