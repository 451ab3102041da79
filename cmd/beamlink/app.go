package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ricochet1k/beamlink/internal/api"
	"github.com/ricochet1k/beamlink/internal/config"
	"github.com/ricochet1k/beamlink/internal/logging"
	"github.com/ricochet1k/beamlink/internal/pairing"
	"github.com/ricochet1k/beamlink/internal/probe"
	"github.com/ricochet1k/beamlink/internal/profile"
	"github.com/ricochet1k/beamlink/internal/realtime"
	"github.com/ricochet1k/beamlink/internal/serial"
	"github.com/ricochet1k/beamlink/internal/serial/simport"
	"github.com/ricochet1k/beamlink/internal/sessions"
	"github.com/ricochet1k/beamlink/internal/storage"
	"github.com/ricochet1k/beamlink/internal/token"
	"github.com/ricochet1k/beamlink/internal/transmit"
	"github.com/ricochet1k/beamlink/internal/trust"
)

// app is the fully wired broker.
type app struct {
	hub      *realtime.Hub
	trust    *trust.Store
	broker   *pairing.Broker
	issuer   *token.Issuer
	serial   *serial.Manager
	ports    serial.Enumerator
	probe    *probe.Engine
	jobs     *transmit.Transmitter
	profiles *profile.Catalog
	sessions *sessions.Log
	handler  *api.Handler
}

// hardware picks the simulated bus or real devices.
func hardware(cfg *config.Config) (serial.Opener, serial.Enumerator) {
	if cfg.Simulate {
		bus := simport.Default()
		return bus, bus
	}
	return serial.TarmOpener{}, serial.SystemEnumerator{}
}

func openTrust(cfg *config.Config, logger logrus.FieldLogger, hub *realtime.Hub) (*trust.Store, error) {
	backend, err := storage.NewJSONFileStore(cfg.StorePath())
	if err != nil {
		return nil, err
	}
	opts := trust.Options{
		StaticOrigins:  cfg.Trust.AllowedOrigins,
		WildcardSuffix: cfg.Trust.WildcardSuffix,
		Logger:         logger,
	}
	if hub != nil {
		opts.Emitter = hub
	}
	return trust.Open(backend, opts)
}

func loadProfiles(cfg *config.Config) (*profile.Catalog, error) {
	catalog := profile.NewCatalog(cfg.Serial.DefaultProfile)
	if cfg.Serial.ProfilesFile != "" {
		if err := catalog.LoadFile(cfg.Serial.ProfilesFile); err != nil {
			return nil, err
		}
	}
	if name := cfg.Serial.DefaultProfile; name != "" {
		if _, ok := catalog.Get(name); ok {
			return catalog, nil
		}
		return nil, fmt.Errorf("default profile %q is not defined", cfg.Serial.DefaultProfile)
	}
	return catalog, nil
}

func newProbe(cfg *config.Config, mgr *serial.Manager, opener serial.Opener, ports serial.Enumerator, hub *realtime.Hub, logger logrus.FieldLogger) *probe.Engine {
	pc := probe.Config{
		Locker:     mgr,
		Opener:     opener,
		Enumerator: ports,
		Bauds:      cfg.Probe.Bauds,
		Timeout:    cfg.Probe.Timeout,
		Settle:     cfg.Probe.Settle,
		Stagger:    cfg.Probe.Stagger,
		Logger:     logger,
	}
	if hub != nil {
		pc.Emitter = hub
	}
	return probe.NewEngine(pc)
}

func newApp(cfg *config.Config, logger *logrus.Logger, ring *logging.Ring) (*app, error) {
	hub := realtime.NewHub(logger)

	store, err := openTrust(cfg, logger, hub)
	if err != nil {
		return nil, err
	}
	profiles, err := loadProfiles(cfg)
	if err != nil {
		return nil, err
	}
	issuer, err := token.NewIssuer(cfg.Token.Secret, cfg.Token.TTL)
	if err != nil {
		return nil, err
	}

	opener, ports := hardware(cfg)
	mgr := serial.NewManager(serial.ManagerConfig{Opener: opener, Emitter: hub, Logger: logger})

	a := &app{
		hub:    hub,
		trust:  store,
		issuer: issuer,
		broker: pairing.NewBroker(store, pairing.Options{
			PendingTTL: cfg.Pairing.PendingTTL,
			MaxPending: cfg.Pairing.MaxPending,
			Logger:     logger,
			Emitter:    hub,
		}),
		serial: mgr,
		ports:  ports,
		probe:  newProbe(cfg, mgr, opener, ports, hub, logger),
		jobs: transmit.New(transmit.Config{
			Port:          mgr,
			MaxInFlight:   cfg.Transmit.MaxInFlight,
			PollInterval:  cfg.Transmit.PollInterval,
			Pace:          cfg.Transmit.Pace,
			ProgressEvery: cfg.Transmit.ProgressEvery,
			Emitter:       hub,
			Logger:        logger,
		}),
		profiles: profiles,
		sessions: sessions.NewLog(cfg.Sessions.History, hub),
	}

	a.handler = api.NewHandler(api.Deps{
		Trust:    a.trust,
		Pairing:  a.broker,
		Tokens:   a.issuer,
		Serial:   a.serial,
		Ports:    a.ports,
		Probe:    a.probe,
		Jobs:     a.jobs,
		Profiles: a.profiles,
		Sessions: a.sessions,
		Hub:      a.hub,
		Logs:     ring,
		Logger:   logger,
		Now:      time.Now,
	})
	return a, nil
}

// Close stops the job, releases the port and drops every observer.
func (a *app) Close() {
	a.jobs.Close()
	_ = a.serial.Close()
	a.hub.Close()
}
