// lingocast streams a speaker's audio to listeners: it creates a session
// over the control channel, keeps that channel alive and negotiates a peer
// transport per listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/pion/logging"
	"github.com/pterm/pterm"
	"github.com/redis/go-redis/v9"

	"lingocast/native/internal/api"
	"lingocast/native/internal/app"
	"lingocast/native/internal/config"
	"lingocast/native/internal/connection"
	"lingocast/native/internal/coordinator"
	"lingocast/native/internal/credentials"
	"lingocast/native/internal/domain"
	"lingocast/native/internal/session"
	sigclient "lingocast/native/internal/signal"
	"lingocast/native/internal/statusapi"
	"lingocast/native/internal/util"
	"lingocast/native/internal/webrtc"
)

const helpText = `lingocast - live speaker/listener audio over WebRTC

Usage:
  lingocast [options]

As master (LINGOCAST_ROLE=master) it creates a session, reads RTP audio
from LINGOCAST_RTP_LISTEN and serves it to every listener. As viewer it
joins LINGOCAST_SESSION_ID and forwards received RTP to LINGOCAST_RTP_FORWARD.

Environment Variables (required):
  LINGOCAST_API_URL        HTTP API base URL
  LINGOCAST_SIGNALING_URL  Signaling websocket URL
  LINGOCAST_ACCESS_TOKEN   Access token
  LINGOCAST_ENDPOINT       Control channel websocket URL (master)
  LINGOCAST_SESSION_ID     Session to join (viewer)

Examples:
  # Speak: feed Opus RTP from ffmpeg
  ffmpeg -re -i talk.wav -c:a libopus -f rtp rtp://127.0.0.1:5004 &
  lingocast

  # Listen
  LINGOCAST_ROLE=viewer LINGOCAST_SESSION_ID=s-42 lingocast

Options:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, helpText)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *debug {
		util.EnableDebug()
	}

	cfg, err := config.Load()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogDebug("api=%s signaling=%s status=%s", cfg.APIURL, cfg.SignalingURL, cfg.StatusAddr)
	pterm.Info.Println(fmt.Sprintf("lingocast as %s", cfg.Role))
	if err := run(ctx, cfg, util.NewLoggerFactory()); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("shut down")
}

func run(ctx context.Context, cfg *config.Config, lf logging.LoggerFactory) error {
	apiClient := api.NewClient(api.Options{BaseURL: cfg.APIURL, LoggerFactory: lf})
	provider := api.NewTokenProvider(apiClient, domain.Credentials{
		IDToken:      cfg.IDToken,
		AccessToken:  cfg.AccessToken,
		RefreshToken: cfg.RefreshToken,
	})

	store, err := credentialStore(ctx, cfg)
	if err != nil {
		return err
	}
	cache := credentials.NewCache(provider, credentials.Options{Store: store, LoggerFactory: lf})
	defer cache.Release()

	relay := api.NewRelaySource(apiClient, cache.Acquire())
	defer cache.Release()

	token := func(ctx context.Context) (string, error) {
		creds, err := cache.Get(ctx)
		if err != nil {
			return "", err
		}
		return creds.AccessToken, nil
	}

	var server atomic.Pointer[statusapi.Server]
	publish := func(msg statusapi.EventMessage) {
		if srv := server.Load(); srv != nil {
			srv.Publish(msg)
		}
	}
	log := lf.NewLogger("main")
	onError := func(err error) {
		publish(statusapi.ErrorEvent(err))
	}

	var backend statusapi.Backend
	switch cfg.Role {
	case "master":
		peers, err := webrtc.NewFactory(webrtc.FactoryOptions{LoggerFactory: lf})
		if err != nil {
			return fmt.Errorf("create peer factory: %w", err)
		}
		orch := session.New(session.Config{
			Endpoint:       cfg.Endpoint,
			SourceLanguage: cfg.SourceLanguage,
			QualityTier:    cfg.QualityTier,
			RetryAttempts:  cfg.RetryAttempts,
			Timeout:        cfg.Timeout,
			RetryDelay:     cfg.RetryDelay,
			Connection: connection.Options{
				Reconnect:            true,
				MaxReconnectAttempts: cfg.MaxReconnectAttempts,
				ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
				HeartbeatInterval:    cfg.HeartbeatInterval,
				HeartbeatTimeout:     cfg.HeartbeatTimeout,
			},
			Credentials:   cache,
			LoggerFactory: lf,
		})
		speaker := app.NewSpeaker(app.SpeakerConfig{
			Orchestrator: orch,
			NewCoordinator: func(sessionID string) *coordinator.Coordinator {
				return coordinator.New(coordinator.Config{
					Signaling: &sigclient.Factory{Options: sigclient.Options{
						URL:           cfg.SignalingURL,
						Role:          domain.RoleMaster,
						SessionID:     sessionID,
						TokenSource:   token,
						LoggerFactory: lf,
					}},
					Peers:   peers,
					Relay:   relay,
					OnError: onError,
					OnPeerState: func(remoteID string, state domain.PeerState) {
						publish(statusapi.PeerEvent(remoteID, state))
					},
					LoggerFactory: lf,
				})
			},
			Publish:       publish,
			LoggerFactory: lf,
		})
		defer speaker.Close()
		backend = speaker

		rtpConn, err := webrtc.ListenRTP(cfg.RTPListen)
		if err != nil {
			return err
		}
		go func() {
			if err := webrtc.IngestRTP(ctx, rtpConn, peers.LocalTrack(), lf.NewLogger("rtp")); err != nil {
				log.Errorf("rtp ingest: %v", err)
			}
		}()
		util.LogInfo("reading RTP audio on %s", cfg.RTPListen)

		view, err := speaker.StartSession(ctx)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		pterm.Success.Println(fmt.Sprintf("session %s live, listen at %s", view.ID, view.ListenURL))

	case "viewer":
		sink, err := webrtc.NewUDPSink(cfg.RTPForward, lf.NewLogger("rtp"))
		if err != nil {
			return err
		}
		defer sink.Close()

		peers, err := webrtc.NewFactory(webrtc.FactoryOptions{OnRTP: sink.HandleRTP, LoggerFactory: lf})
		if err != nil {
			return fmt.Errorf("create peer factory: %w", err)
		}
		var listener *app.Listener
		coord := coordinator.New(coordinator.Config{
			Signaling: &sigclient.Factory{Options: sigclient.Options{
				URL:           cfg.SignalingURL,
				Role:          domain.RoleViewer,
				SessionID:     cfg.SessionID,
				TokenSource:   token,
				LoggerFactory: lf,
			}},
			Peers:   peers,
			Relay:   relay,
			OnError: onError,
			OnPeerState: func(remoteID string, state domain.PeerState) {
				publish(statusapi.PeerEvent(remoteID, state))
				if listener != nil {
					listener.OnPeerState(remoteID, state)
				}
			},
			LoggerFactory: lf,
		})
		listener = app.NewListener(app.ListenerConfig{
			Coordinator:   coord,
			SessionID:     cfg.SessionID,
			Retries:       cfg.ViewerRetries,
			RetryDelay:    cfg.ViewerRetryDelay,
			LoggerFactory: lf,
		})
		defer listener.Close()
		backend = listener

		if _, err := listener.StartSession(ctx); err != nil {
			return fmt.Errorf("join session %s: %w", cfg.SessionID, err)
		}
		pterm.Success.Println(fmt.Sprintf("listening to session %s, forwarding RTP to %s", cfg.SessionID, cfg.RTPForward))
	}

	if cfg.StatusAddr != "" {
		srv := statusapi.New(statusapi.Options{Addr: cfg.StatusAddr, Backend: backend, LoggerFactory: lf})
		server.Store(srv)
		go func() {
			if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("control API: %v", err)
			}
		}()
	}

	<-ctx.Done()
	util.LogInfo("shutting down")
	return nil
}

func credentialStore(ctx context.Context, cfg *config.Config) (domain.CredentialStore, error) {
	if cfg.RedisAddr == "" {
		util.LogWarning("LINGOCAST_REDIS_ADDR not set, refreshed credentials are lost on exit")
		return credentials.NewMemoryStore(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	util.LogInfo("persisting credentials in redis at %s", cfg.RedisAddr)
	return credentials.NewRedisStore(client, cfg.RedisKey), nil
}
