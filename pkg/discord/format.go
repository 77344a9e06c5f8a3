package discord

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"pingme/pkg/protocol"
	"pingme/pkg/router"
)

// Discord rejects message content longer than contentLimit characters.
// Message text is capped upstream; the header fields are capped here.
const (
	contentLimit = 2000
	maxLabelLen  = 40
	maxCwdLen    = 60
)

// FormatMessage renders the DM body for req: a header naming the origin, the
// message itself and, for questions, a hint on how to answer.
func FormatMessage(req *protocol.Request) string {
	var b strings.Builder

	header := req.Origin.Label
	if header == "" && req.Origin.Cwd != "" {
		header = filepath.Base(req.Origin.Cwd)
	}
	header = truncate(header, maxLabelLen)
	cwd := truncateLeft(req.Origin.Cwd, maxCwdLen)
	switch {
	case header != "" && cwd != "":
		fmt.Fprintf(&b, "**%s** · `%s`\n", header, cwd)
	case header != "":
		fmt.Fprintf(&b, "**%s**\n", header)
	}

	if req.Kind == protocol.KindAsk {
		b.WriteString("❓ ")
	}
	b.WriteString(req.Message)

	if req.Kind == protocol.KindAsk {
		if len(req.Options) > 0 {
			b.WriteString("\n\n_Pick an option below or reply to this message._")
		} else {
			b.WriteString("\n\n_Reply to this message to answer._")
		}
	}
	return b.String()
}

// Footers appended to a DM once its request is settled.
const (
	answeredPrefix = "✅ Answered: "
	timedOutFooter = "⌛ Timed out"
	closedFooter   = "⚠️ Closed"
)

// SettledMessage is the content a DM is rewritten to once its request has a
// terminal status. A message that already carries a footer is returned
// unchanged, so settling twice is harmless.
func SettledMessage(original string, status protocol.Status, answer string) string {
	if i := strings.LastIndex(original, "\n\n"); i >= 0 {
		last := original[i+2:]
		if strings.HasPrefix(last, answeredPrefix) || last == timedOutFooter || last == closedFooter {
			return original
		}
	}

	var footer string
	switch status {
	case protocol.StatusAnswered:
		room := contentLimit - utf8.RuneCountInString(original) - utf8.RuneCountInString("\n\n"+answeredPrefix+"****")
		footer = answeredPrefix + "**" + truncate(answer, max(room, 1)) + "**"
	case protocol.StatusTimedOut:
		footer = timedOutFooter
	default:
		footer = closedFooter
	}
	if original == "" {
		return footer
	}
	return original + "\n\n" + footer
}

// truncate shortens s to at most n characters, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// truncateLeft is truncate keeping the tail, which is the useful end of a path.
func truncateLeft(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "…" + string(r[len(r)-n+1:])
}

// buttons builds one action row holding a button per option.
func buttons(req *protocol.Request) []discordgo.MessageComponent {
	if req.Kind != protocol.KindAsk || len(req.Options) == 0 {
		return nil
	}
	row := discordgo.ActionsRow{}
	for i, opt := range req.Options {
		if i >= protocol.MaxOptions {
			break
		}
		row.Components = append(row.Components, discordgo.Button{
			Label:    opt,
			Style:    discordgo.PrimaryButton,
			CustomID: router.ButtonToken(req.ID, i),
		})
	}
	return []discordgo.MessageComponent{row}
}
