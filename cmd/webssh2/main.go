/*
Copyright 2024 WebSSH2 Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command webssh2 is the gateway's process entrypoint: it loads
// configuration from the environment, wires every collaborator
// package together, and serves the HTTP Routing Shim and WebSocket
// Endpoint until told to stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/billchurch/webssh2-go/lib/adapter"
	"github.com/billchurch/webssh2-go/lib/bridge"
	"github.com/billchurch/webssh2-go/lib/config"
	"github.com/billchurch/webssh2-go/lib/eventbus"
	"github.com/billchurch/webssh2-go/lib/hostkey"
	"github.com/billchurch/webssh2-go/lib/ids"
	"github.com/billchurch/webssh2-go/lib/logging"
	"github.com/billchurch/webssh2-go/lib/pool"
	"github.com/billchurch/webssh2-go/lib/prompt"
	"github.com/billchurch/webssh2-go/lib/session"
	"github.com/billchurch/webssh2-go/lib/sftp"
	"github.com/billchurch/webssh2-go/lib/sshadapter"
	"github.com/billchurch/webssh2-go/lib/telnetadapter"
	"github.com/billchurch/webssh2-go/lib/terminal"
	"github.com/billchurch/webssh2-go/lib/web"
	"github.com/billchurch/webssh2-go/lib/wsapi"
)

func main() {
	if err := run(context.Background()); err != nil {
		logrus.WithError(err).Error("webssh2 exited")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(os.Environ())
	if err != nil {
		return trace.Wrap(err, "loading configuration")
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.WithField("component", "webssh2")

	clock := clockwork.NewRealClock()

	bus := eventbus.New(eventbus.Config{Log: log})
	bus.Use(eventbus.LoggingMiddleware(log))
	bus.Use(eventbus.NewRateLimiter(50, 100).Middleware())
	bus.Use(eventbus.NewDedup(2*time.Second, 1024, clock).Middleware())
	bus.UseCircuitBreaker(eventbus.NewCircuitBreaker(5, 60*time.Second, clock))
	defer bus.Close()
	publishSystemEvent(bus, "system.startup", nil)
	defer publishSystemEvent(bus, "system.shutdown", nil)

	store := session.NewStore(clock, log)
	connPool := pool.New(clock, log)
	tracker := prompt.NewTracker(clock, 0)
	terminalSvc := terminal.NewService(clock, 0)
	hostKeySvc := hostkey.NewService(hostkey.NewMemoryStore(), tracker, cfg.SSH.ReadyTimeout, nil)

	policy, err := logging.NewPolicy(logging.PolicyConfig{
		AllowedCIDRs:             cfg.SSH.AllowedSubnets,
		AllowPassword:            true,
		AllowPublicKey:           true,
		AllowKeyboardInteractive: cfg.SSH.TryKeyboard,
	})
	if err != nil {
		return trace.Wrap(err, "building connection policy")
	}

	emitter := logging.NewEmitter(logging.Config{
		Log:   logrus.StandardLogger(),
		Clock: clock,
	})

	sshAd := sshadapter.New(clock, log.WithField("adapter", "ssh"), connPool, store, policy, emitter)
	telnetAd := telnetadapter.New(clock, log.WithField("adapter", "telnet"), connPool, store, policy, emitter)

	loginPrompt, err := regexp.Compile(cfg.Telnet.LoginPrompt)
	if err != nil {
		return trace.Wrap(err, "compiling telnet login prompt")
	}
	passwordPrompt, err := regexp.Compile(cfg.Telnet.PasswordPrompt)
	if err != nil {
		return trace.Wrap(err, "compiling telnet password prompt")
	}
	var failurePrompt *regexp.Regexp
	if cfg.Telnet.FailureRegex != "" {
		failurePrompt, err = regexp.Compile(cfg.Telnet.FailureRegex)
		if err != nil {
			return trace.Wrap(err, "compiling telnet failure prompt")
		}
	}

	sshConnector := func(socketId string, sessId ids.SessionId, creds bridge.AuthenticateParams, onKI adapter.KeyboardInteractiveHandler) (ids.ConnectionId, error) {
		return sshAd.Connect(sshadapter.Config{
			ConnectConfig: adapter.ConnectConfig{
				SessionId:             sessId,
				Host:                  creds.Host,
				Port:                  creds.Port,
				Username:              creds.Username,
				Password:              creds.Password,
				ReadyTimeoutMs:        int(cfg.SSH.ReadyTimeout.Milliseconds()),
				KeepaliveIntervalMs:   int(cfg.SSH.KeepaliveInterval.Milliseconds()),
				KeepaliveCountMax:     cfg.SSH.KeepaliveCountMax,
				OnKeyboardInteractive: onKI,
				ForwardAllPrompts:     cfg.SSH.ForwardAllPrompts,
			},
			PrivateKey:     []byte(creds.PrivateKey),
			Passphrase:     creds.Passphrase,
			TryKeyboard:    cfg.SSH.TryKeyboard,
			HostKeyService: hostKeySvc,
			SocketId:       socketId,
		})
	}

	telnetConnector := func(socketId string, sessId ids.SessionId, creds bridge.AuthenticateParams, onKI adapter.KeyboardInteractiveHandler) (ids.ConnectionId, error) {
		term := creds.Term
		if term == "" {
			term = cfg.SSH.Term
		}
		return telnetAd.Connect(telnetadapter.Config{
			ConnectConfig: adapter.ConnectConfig{
				SessionId:             sessId,
				Host:                  creds.Host,
				Port:                  creds.Port,
				Username:              creds.Username,
				Password:              creds.Password,
				ReadyTimeoutMs:        int(cfg.SSH.ReadyTimeout.Milliseconds()),
				OnKeyboardInteractive: onKI,
			},
			TermType:       term,
			LoginPrompt:    loginPrompt,
			PasswordPrompt: passwordPrompt,
			FailurePrompt:  failurePrompt,
			FailureGrace:   cfg.Telnet.FailureGrace,
		})
	}

	envDeny := make(map[string]struct{}, len(cfg.Session.EnvDenyList))
	for _, k := range cfg.Session.EnvDenyList {
		envDeny[k] = struct{}{}
	}

	deps := bridge.Deps{
		Clock:    clock,
		Log:      log.WithField("component", "bridge"),
		Store:    store,
		Pool:     connPool,
		Tracker:  tracker,
		Terminal: terminalSvc,
		HostKeys: hostKeySvc,
		Emitter:  emitter,
		Policy:   policy,
		Adapters: map[string]adapter.Adapter{
			"ssh":    sshAd,
			"telnet": telnetAd,
		},
		Connectors: map[string]bridge.Connector{
			"ssh":    sshConnector,
			"telnet": telnetConnector,
		},
		SftpProviders: map[string]sftp.ClientProvider{
			"ssh": sshAd,
		},
	}

	mgr := bridge.NewManager(deps, bridge.Options{
		AllowReplay:       cfg.Session.AllowReplay,
		AllowReauth:       cfg.Session.AllowReauth,
		AllowReconnect:    cfg.Session.AllowReconnect,
		AllowFileTransfer: cfg.Session.AllowFileTransfer,
		MaxAuthAttempts:   cfg.Session.MaxAuthAttempts,
		ReplayNewline:     cfg.Session.ReplayNewline(),
		ExecRatePerSec:    cfg.Session.ExecRatePerSec,
		PromptRatePerSec:  cfg.Session.PromptRatePerSec,
		ControlRatePerSec: cfg.Session.ControlRatePerSec,
		EnvValueCap:       cfg.Session.EnvValueCap,
		EnvDenyList:       envDeny,
	})
	hostKeySvc.SetNotifier(mgr)

	webHandler, err := web.NewHandler(web.Config{
		Session: web.SessionConfig{
			Name:     cfg.Session.Name,
			SameSite: cfg.Session.SameSite,
			TTL:      30 * time.Minute,
		},
		Clock:        clock,
		Log:          log.WithField("component", "web"),
		AssetHandler: http.NotFoundHandler(),
		DefaultPort:  cfg.SSH.Port,
		Files:        mgr,
	})
	if err != nil {
		return trace.Wrap(err, "building HTTP routing shim")
	}

	wsEndpoint := wsapi.NewEndpoint(wsapi.Config{
		Manager:        mgr,
		Sessions:       webHandler,
		Log:            log.WithField("component", "wsapi"),
		AllowedOrigins: cfg.HTTP.Origins,
		KeepAlive:      cfg.SSH.KeepaliveInterval,
	})

	mux := http.NewServeMux()
	mux.Handle("/ssh/socket.io", wsEndpoint)
	mux.Handle("/ssh/socket.io/", wsEndpoint)
	mux.Handle("/", webHandler)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.ListenAddr, cfg.HTTP.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		for {
			select {
			case <-clock.After(time.Minute):
				webHandler.SweepExpired()
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case <-clock.After(time.Minute):
				store.SweepExpired()
			case <-ctx.Done():
				return
			}
		}
	}()

	serverWait := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("starting webssh2 gateway")
		serverWait <- srv.ListenAndServe()
	}()

	go func() {
		c := make(chan os.Signal, 2)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		select {
		case <-ctx.Done():
			log.Info("context closed, stopping gateway")
		case sig := <-c:
			log.WithField("signal", sig).Info("captured signal, stopping gateway")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	errServe := <-serverWait
	if errServe != nil && errServe != http.ErrServerClosed {
		return trace.Wrap(errServe, "gateway HTTP server exited")
	}
	return nil
}

func publishSystemEvent(bus *eventbus.Bus, eventType eventbus.EventType, payload interface{}) {
	_ = bus.Publish(eventbus.Event{Type: eventType, Payload: payload}, eventbus.Normal)
}
