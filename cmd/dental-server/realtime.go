package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ehr/dentalchart/internal/config"
	"github.com/ehr/dentalchart/internal/domain/consultation"
	"github.com/ehr/dentalchart/internal/platform/realtime"
	"github.com/ehr/dentalchart/internal/platform/websocket"
)

// CompletedSubject carries finalized consultations to the follow-up workflow.
const CompletedSubject = "dental.consultation.completed"

// realtimeStack is the change feed sessions listen on and the publisher the
// chart service announces saves through.
type realtimeStack struct {
	Feed      realtime.Feed
	Publisher realtime.Publisher
	// NATS and Messages are set only for the nats source.
	NATS     *nats.Conn
	Messages *realtime.NATSPublisher
}

func (r *realtimeStack) Close() {
	if r.NATS != nil {
		r.NATS.Drain()
	}
}

type natsConnector func(url string, logger zerolog.Logger) (*nats.Conn, error)

func connectNATS(url string, logger zerolog.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("dental-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
}

// buildRealtime selects the change source. The hub publisher is always
// included so websocket clients see saves made through this process.
func buildRealtime(cfg *config.Config, pool *pgxpool.Pool, hub *websocket.Hub, connect natsConnector, logger zerolog.Logger) (*realtimeStack, error) {
	hubPub := realtime.NewHubPublisher(hub)
	switch cfg.RealtimeSource {
	case config.RealtimePostgres:
		// The tooth and treatment triggers notify on their own.
		return &realtimeStack{
			Feed:      realtime.NewPGFeed(pool, realtime.DefaultPGChannel, logger),
			Publisher: hubPub,
		}, nil
	case config.RealtimeNATS:
		nc, err := connect(cfg.NATSURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		natsPub := realtime.NewNATSPublisher(nc)
		return &realtimeStack{
			Feed:      realtime.NewNATSFeed(nc, logger),
			Publisher: realtime.MultiPublisher{hubPub, natsPub},
			NATS:      nc,
			Messages:  natsPub,
		}, nil
	case config.RealtimeHub:
		return &realtimeStack{
			Feed:      realtime.NewHubFeed(hub),
			Publisher: hubPub,
		}, nil
	}
	return nil, fmt.Errorf("unknown realtime source %q", cfg.RealtimeSource)
}

type jsonPublisher interface {
	PublishJSON(subject string, v any) error
}

// completionNotifier publishes finalized consultations as JSON views.
type completionNotifier struct {
	pub    jsonPublisher
	logger zerolog.Logger
}

func (n *completionNotifier) ConsultationCompleted(_ context.Context, c *consultation.Consultation) error {
	if err := n.pub.PublishJSON(CompletedSubject, consultation.NewView(c)); err != nil {
		return err
	}
	n.logger.Debug().Str("consultation_id", c.ID.String()).Msg("completion published")
	return nil
}
