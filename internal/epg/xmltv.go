// Package epg renders the XMLTV guide for the tuner discovery surface
// from the channel registry and playout queue.
package epg

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/jmylchreest/chanarr/internal/models"
	"github.com/jmylchreest/chanarr/internal/repository"
)

// Generator writes XMLTV guides covering the rolling window.
type Generator struct {
	channels  *repository.ChannelRepository
	playout   *repository.PlayoutRepository
	guideDays int
	now       func() time.Time
}

// NewGenerator creates an XMLTV generator.
func NewGenerator(channels *repository.ChannelRepository, playout *repository.PlayoutRepository, guideDays int) *Generator {
	return &Generator{
		channels:  channels,
		playout:   playout,
		guideDays: guideDays,
		now:       time.Now,
	}
}

// WithClock overrides the generator clock. Test hook.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// WriteTo streams the guide as XMLTV. Channels are written first, then
// programmes, as the format requires.
func (g *Generator) WriteTo(ctx context.Context, w io.Writer) error {
	channels, err := g.channels.List(ctx)
	if err != nil {
		return fmt.Errorf("listing channels: %w", err)
	}

	if _, err := fmt.Fprintln(w, `<?xml version="1.0" encoding="UTF-8"?>`); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, `<tv generator-info-name="chanarr" generator-info-url="https://github.com/jmylchreest/chanarr">`); err != nil {
		return err
	}

	for _, ch := range channels {
		if err := writeChannel(w, &ch); err != nil {
			return err
		}
	}

	from := g.now()
	to := from.AddDate(0, 0, g.guideDays)
	for _, ch := range channels {
		items, err := g.playout.Window(ctx, ch.ID, from, to)
		if err != nil {
			return fmt.Errorf("loading guide window for channel %d: %w", ch.Number, err)
		}
		for _, item := range items {
			if err := writeProgramme(w, &ch, &item); err != nil {
				return err
			}
		}
	}

	_, err = fmt.Fprintln(w, `</tv>`)
	return err
}

func writeChannel(w io.Writer, ch *models.Channel) error {
	id := channelGuideID(ch)
	if _, err := fmt.Fprintf(w, "  <channel id=%q>\n", id); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "    <display-name>%s</display-name>\n", xmlEscape(ch.Name)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "    <display-name>%d</display-name>\n", ch.Number); err != nil {
		return err
	}
	if ch.Icon != "" {
		if _, err := fmt.Fprintf(w, "    <icon src=%q/>\n", xmlEscape(ch.Icon)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, "  </channel>")
	return err
}

func writeProgramme(w io.Writer, ch *models.Channel, item *models.PlayoutItem) error {
	title := "Untitled"
	if item.MediaRef != nil && item.MediaRef.Title != "" {
		title = item.MediaRef.Title
	}
	if item.IsFiller && title == "Untitled" {
		title = "Filler"
	}

	if _, err := fmt.Fprintf(w, "  <programme start=%q stop=%q channel=%q>\n",
		formatXMLTVTime(item.ScheduledStart),
		formatXMLTVTime(item.ScheduledEnd()),
		channelGuideID(ch)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "    <title lang=\"en\">%s</title>\n", xmlEscape(title)); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, "  </programme>")
	return err
}

func channelGuideID(ch *models.Channel) string {
	return fmt.Sprintf("chanarr.%d", ch.Number)
}

// formatXMLTVTime formats a time in XMLTV format.
func formatXMLTVTime(t time.Time) string {
	return t.UTC().Format("20060102150405 +0000")
}

// xmlEscape escapes special XML characters.
func xmlEscape(s string) string {
	var buf []byte
	_ = xml.EscapeText((*escapeWriter)(&buf), []byte(s))
	return string(buf)
}

type escapeWriter []byte

func (w *escapeWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}
