package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danmuck/rangectl/internal/config"
	"github.com/danmuck/rangectl/internal/engine"
	"github.com/danmuck/rangectl/internal/journal"
	"github.com/danmuck/rangectl/internal/observability"
	"github.com/danmuck/rangectl/internal/protocol/command"
	"github.com/danmuck/rangectl/internal/protocol/payload"
	"github.com/danmuck/rangectl/internal/protocol/session"
	"github.com/danmuck/rangectl/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type server interface {
	Serve(ctx context.Context, r transport.Receiver) error
}

// runtime is one assembled control channel.
type runtime struct {
	engine   *engine.Engine
	loopback *transport.Loopback
	server   server
	closers  []func() error
	metrics  *http.Server
}

func buildRuntime(cfg config.Config) (*runtime, error) {
	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	rt := &runtime{}
	var sender session.Sender

	switch cfg.Transport.Kind {
	case config.TransportUDP:
		udp, err := transport.ListenUDP(cfg.Transport.UDP)
		if err != nil {
			return nil, err
		}
		for _, d := range cfg.Devices {
			if err := udp.AddDevice(session.DeviceID(d.ID), d.Addr); err != nil {
				_ = udp.Close()
				return nil, err
			}
		}
		sender, rt.server = udp, udp
		rt.closers = append(rt.closers, udp.Close)
	case config.TransportSerial:
		s := cfg.Transport.Serial
		line, err := transport.OpenSerial(s.Path, session.DeviceID(s.Device), s.Options)
		if err != nil {
			return nil, err
		}
		sender, rt.server = line, line
		rt.closers = append(rt.closers, line.Close)
	default:
		rt.loopback = transport.NewLoopback()
		sender = rt.loopback
	}

	id := uuid.New()
	observers := session.Observers{observability.Default()}
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, id)
		if err != nil {
			rt.close()
			return nil, err
		}
		observers = append(observers, j)
		rt.closers = append(rt.closers, j.Close)
	}

	rt.engine, err = engine.New(cfg.Engine, registry, sender, engine.Options{Observer: observers, SessionID: id})
	if err != nil {
		rt.close()
		return nil, err
	}
	if rt.loopback != nil {
		rt.loopback.Attach(rt.engine, transport.AutoAck(nil))
		log.Warn().Msg("rangectl.loopback transport, commands are acknowledged locally")
	}

	if _, err := rt.engine.Subscribe(command.GeneralPushAbnormalState.Command(), logAbnormalState); err != nil {
		rt.close()
		return nil, err
	}

	if cfg.Metrics.Addr != "" {
		gin.SetMode(gin.ReleaseMode)
		router := observability.NewRouter(observability.RouterConfig{
			Session:     id.String(),
			CORSOrigins: cfg.Metrics.CORSOrigins,
			Logger:      log.Logger,
		})
		rt.metrics = &http.Server{Addr: cfg.Metrics.Addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	}
	return rt, nil
}

// start launches the scheduler, the transport read loop and the metrics
// endpoint. The returned channel yields the first fatal error.
func (rt *runtime) start(ctx context.Context) <-chan error {
	errs := make(chan error, 3)
	go func() { errs <- rt.engine.Run(ctx) }()
	if rt.server != nil {
		go func() { errs <- rt.server.Serve(ctx, rt.engine) }()
	}
	if rt.metrics != nil {
		go func() {
			log.Info().Str("addr", rt.metrics.Addr).Msg("rangectl.metrics listening")
			if err := rt.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("metrics: %w", err)
			}
		}()
	}
	return errs
}

func (rt *runtime) close() {
	if rt.engine != nil {
		_ = rt.engine.Close()
	}
	if rt.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = rt.metrics.Shutdown(shutdownCtx)
		cancel()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			log.Warn().Err(err).Msg("rangectl.close")
		}
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	log.Info().
		Str("session", rt.engine.SessionID().String()).
		Str("transport", cfg.Transport.Kind).
		Int("devices", len(cfg.Devices)).
		Msg("rangectl.serve")

	errs := rt.start(ctx)
	select {
	case <-ctx.Done():
		return nil
	case err := <-errs:
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
}

func logAbnormalState(m session.Message) {
	status, err := payload.DecodeAbnormalState(m.Payload)
	if err != nil {
		log.Warn().Err(err).Str("device", string(m.Device)).Msg("rangectl.abnormal state unreadable")
		return
	}
	log.Warn().
		Str("device", string(m.Device)).
		Uint32("status", uint32(status)).
		Uint8("temperature", uint8(status.Temperature())).
		Uint8("voltage", uint8(status.Voltage())).
		Uint8("motor", uint8(status.Motor())).
		Bool("device_fault", status.DeviceFault()).
		Msg("rangectl.abnormal state")
}
