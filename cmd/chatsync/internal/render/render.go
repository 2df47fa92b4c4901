// Package render formats timelines and bus events for the terminal.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/nfrund/chatsync/internal/models"
)

// Output formats.
const (
	FormatTable = "table"
	FormatJSON  = "json"
)

var title = cases.Title(language.English)

// Topic describes one bus topic for listing.
type Topic struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Printer writes to w in one of the output formats.
type Printer struct {
	w      io.Writer
	format string
}

// NewPrinter returns a printer, rejecting unknown formats.
func NewPrinter(w io.Writer, format string) (*Printer, error) {
	switch format {
	case FormatTable, FormatJSON:
		return &Printer{w: w, format: format}, nil
	default:
		return nil, fmt.Errorf("unknown format %q (valid: table, json)", format)
	}
}

// DisplayName turns a user id like "mary_jane" into "Mary Jane".
func DisplayName(userID string) string {
	if userID == "" {
		return "-"
	}
	return title.String(strings.NewReplacer("_", " ", ".", " ", "-", " ").Replace(userID))
}

// Reactions summarises reactions as "👍 2 🎉 1", ordered by emoji.
func Reactions(r models.Reactions) string {
	if len(r) == 0 {
		return ""
	}
	emojis := make([]string, 0, len(r))
	for e := range r {
		emojis = append(emojis, e)
	}
	sort.Strings(emojis)
	parts := make([]string, 0, len(emojis))
	for _, e := range emojis {
		parts = append(parts, fmt.Sprintf("%s %d", e, len(r[e])))
	}
	return strings.Join(parts, " ")
}

// Messages prints a timeline.
func (p *Printer) Messages(recs []models.MessageRecord) error {
	if p.format == FormatJSON {
		return p.json(struct {
			Messages []models.MessageRecord `json:"messages"`
			Count    int                    `json:"count"`
		}{recs, len(recs)})
	}

	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tAUTHOR\tMESSAGE\tREACTIONS\tSTATUS")
	fmt.Fprintln(w, "----\t------\t-------\t---------\t------")
	if len(recs) == 0 {
		fmt.Fprintln(w, "No messages")
	}
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.CreatedAt.Local().Format(time.Kitchen),
			DisplayName(rec.AuthorID),
			content(rec),
			Reactions(rec.Reactions),
			rec.Status)
	}
	return w.Flush()
}

// Event prints one bus event as a single line.
func (p *Printer) Event(kind string, summary string, data any) error {
	if p.format == FormatJSON {
		return p.json(struct {
			Event string `json:"event"`
			Data  any    `json:"data"`
		}{kind, data})
	}
	_, err := fmt.Fprintf(p.w, "[%s] %s\n", kind, summary)
	return err
}

// Topics prints the bus topics.
func (p *Printer) Topics(topics []Topic) error {
	if p.format == FormatJSON {
		return p.json(struct {
			Topics []Topic `json:"topics"`
			Count  int     `json:"count"`
		}{topics, len(topics)})
	}

	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION")
	fmt.Fprintln(w, "----\t-----------")
	for _, t := range topics {
		fmt.Fprintf(w, "%s\t%s\n", t.Name, t.Description)
	}
	return w.Flush()
}

func (p *Printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func content(rec models.MessageRecord) string {
	text := rec.Content
	if rec.Edited {
		text += " (edited)"
	}
	if n := len(rec.Attachments); n > 0 {
		text += fmt.Sprintf(" [%d attachment(s)]", n)
	}
	return truncate(text, 60)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
