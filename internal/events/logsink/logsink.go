// Package logsink writes document notifications to the service log.
package logsink

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/triteia/triteia/internal/events"
)

// Level selects how much of the document is logged.
type Level string

const (
	LevelURI   Level = "uri"
	LevelMeta  Level = "meta"
	LevelEvent Level = "event"
	LevelFull  Level = "full"
)

// ParseLevel accepts the configured level; empty means uri.
func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case "":
		return LevelURI, nil
	case LevelURI, LevelMeta, LevelEvent, LevelFull:
		return l, nil
	}
	return "", fmt.Errorf("invalid event log level %q; supported: uri, meta, event, full", s)
}

type Publisher struct {
	log   zerolog.Logger
	level Level
}

func New(log zerolog.Logger, level Level) *Publisher {
	return &Publisher{log: log.With().Str("component", "events").Logger(), level: level}
}

// Subscribe registers the publisher on hub.
func (p *Publisher) Subscribe(hub *events.Hub) {
	hub.OnDocument(p.Handle)
}

func (p *Publisher) Handle(_ context.Context, ev events.DocumentEvent) error {
	doc := ev.Document
	e := p.log.Info().Str("op", string(ev.Op)).Str("uri", doc.URI())
	switch p.level {
	case LevelFull:
		e = e.Interface("document", doc)
	case LevelEvent, LevelMeta:
		meta := doc
		meta.Content = nil
		if p.level == LevelMeta {
			meta.Event = nil
		}
		e = e.Interface("document", meta)
	}
	e.Msg("document " + string(ev.Op))
	return nil
}
