package main

import (
	"context"
	"errors"
	"flag"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/croshq/meetpoint/internal/agent"
	"github.com/croshq/meetpoint/internal/config"
	"github.com/croshq/meetpoint/internal/domain"
	"github.com/croshq/meetpoint/internal/fanout"
	"github.com/croshq/meetpoint/internal/retry"
	"github.com/croshq/meetpoint/internal/signalws"
)

const redialAttempts = 5

func main() {
	var (
		serverURL = flag.String("server", "", "signaling server url (defaults to config)")
		meetingID = flag.String("meeting", "", "meeting id to join")
		email     = flag.String("email", "", "participant email")
		name      = flag.String("name", "", "display name (defaults to email)")
		token     = flag.String("token", "", "bearer token; minted locally from the secret when empty")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *meetingID == "" || *email == "" {
		log.Fatal().Msg("both -meeting and -email are required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *serverURL == "" {
		*serverURL = cfg.Agent.ServerURL
	}
	if *name == "" {
		*name = *email
	}
	if *token == "" {
		*token, err = signalws.SignToken(cfg.Secret, signalws.Claims{
			UID:         *email,
			Email:       *email,
			DisplayName: *name,
		}, time.Hour)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to mint token")
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dialURL := *serverURL + "?token=" + url.QueryEscape(*token)
	sig, err := agent.DialSignaler(ctx, dialURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to reach signaling server")
	}
	defer func() { _ = sig.Close() }()

	a := agent.New(agent.Config{
		MeetingID:      domain.MeetingID(*meetingID),
		UID:            *email,
		Email:          *email,
		DisplayName:    *name,
		ConnectWait:    cfg.Agent.ConnectWait,
		HealthInterval: cfg.Agent.HealthInterval,
		DedupInterval:  cfg.Agent.DedupInterval,
	}, sig)
	a.OnMessage = func(m fanout.Message) {
		log.Info().Str("from", m.Email).Str("body", m.Body).Msg("chat")
	}

	if err := a.Join(ctx); err != nil {
		log.Fatal().Err(err).Msg("join failed")
	}
	log.Info().Str("meeting", *meetingID).Int("streams", len(a.Streams())).Msg("joined")

	runErr := a.Run(ctx)
	// The server drops all session state when the socket dies, so a lost
	// link means redial and a full reattach, not just a resumed loop.
	for ctx.Err() == nil && errors.Is(runErr, agent.ErrSignalerClosed) {
		log.Warn().Msg("signaling link lost, redialing")
		var fresh *agent.WSSignaler
		_, dialErr := retry.Do(ctx, redialAttempts, retry.Exponential(time.Second, 1.5, 8*time.Second), func(int) error {
			var err error
			fresh, err = agent.DialSignaler(ctx, dialURL)
			return err
		})
		if dialErr != nil {
			log.Error().Err(dialErr).Msg("signaling server unreachable, giving up")
			break
		}
		sig = fresh
		if err := a.Reattach(ctx, fresh); err != nil {
			log.Error().Err(err).Msg("reattach failed")
			break
		}
		log.Info().Int("streams", len(a.Streams())).Msg("session restored")
		runErr = a.Run(ctx)
	}

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer leaveCancel()
	if err := a.Leave(leaveCtx); err != nil {
		log.Warn().Err(err).Msg("leave failed")
	}
	if runErr != nil && runErr != context.Canceled {
		log.Error().Err(runErr).Msg("agent stopped")
	}
	log.Info().Msg("agent exited")
}
