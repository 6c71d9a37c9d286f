package stt

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/protocol"
)

// Publisher announces finished transcriptions on the bus. A nil bus client
// turns every call into a no-op.
type Publisher struct {
	bus    *bus.Client
	logger *slog.Logger
	clock  func() time.Time
}

func NewPublisher(busClient *bus.Client, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus:    busClient,
		logger: logger.With(slog.String("component", "stt-publisher")),
		clock:  time.Now,
	}
}

func (p *Publisher) PublishTranscript(msg protocol.Transcript) {
	if msg.Text == "" {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.clock().UTC()
	}
	p.publish(protocol.SubjectTranscriptFinal, msg)
}

func (p *Publisher) PublishFailure(msg protocol.Failure) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.clock().UTC()
	}
	p.publish(protocol.SubjectTranscriptFailed, msg)
}

func (p *Publisher) publish(subject string, msg any) {
	if p == nil || !p.bus.Healthy() {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Warn("failed to marshal bus message", slog.String("subject", subject), slogError(err))
		return
	}
	if err := p.bus.Conn().Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish bus message", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
