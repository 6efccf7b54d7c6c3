package main

import (
	"context"
	"database/sql"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"traveltracker/internal/buffer"
	"traveltracker/internal/config"
	"traveltracker/internal/db"
	"traveltracker/internal/geocode"
	"traveltracker/internal/journal"
	"traveltracker/internal/location"
	"traveltracker/internal/manual"
	"traveltracker/internal/server"
	"traveltracker/internal/session"
	"traveltracker/internal/stream"
	"traveltracker/internal/trip"
	"traveltracker/internal/upload"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

// Resources are the external handles opened before Run. Any of them may be nil.
type Resources struct {
	Journal *sql.DB
	Redis   *redis.Client
	MQTT    mqtt.Client
	GPS     io.ReadCloser
}

type mainDeps struct {
	loadConfig   func() config.Config
	openJournal  func(config.Config) (*sql.DB, error)
	connectRedis func(config.Config) *redis.Client
	connectMQTT  func(config.Config) (mqtt.Client, error)
	openGPS      func(config.Config) (io.ReadCloser, error)
	notify       func(chan<- os.Signal, ...os.Signal)
	run          func(context.Context, config.Config, Resources, <-chan os.Signal, ListenFunc) error
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadConfig:   config.Load,
		openJournal:  db.OpenSQLite,
		connectRedis: db.ConnectRedis,
		connectMQTT:  connectMQTT,
		openGPS:      openGPS,
		notify:       signal.Notify,
		run:          Run,
	}
}

func connectMQTT(cfg config.Config) (mqtt.Client, error) {
	if cfg.MQTTBroker == "" {
		return nil, nil
	}
	return stream.ConnectMQTT(cfg.MQTTBroker, cfg.MQTTClientID)
}

func openGPS(cfg config.Config) (io.ReadCloser, error) {
	if cfg.GPSDevice == "" {
		return nil, nil
	}
	return location.OpenSerial(cfg.GPSDevice, cfg.GPSBaud)
}

func realMain(deps mainDeps) {
	cfg := deps.loadConfig()
	log := newLogger(cfg)

	var res Resources
	var err error
	if res.Journal, err = deps.openJournal(cfg); err != nil {
		log.WithError(err).Warn("offline journal unavailable, failed trips will not be kept")
	}
	res.Redis = deps.connectRedis(cfg)
	if res.MQTT, err = deps.connectMQTT(cfg); err != nil {
		log.WithError(err).Warn("mqtt connection failed")
	}
	if res.GPS, err = deps.openGPS(cfg); err != nil {
		log.WithError(err).Warn("gps device unavailable")
	}

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), cfg, res, signals, nil); err != nil {
		log.WithError(err).Error("tracker exited with error")
	}
}

func newLogger(cfg config.Config) *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		l.SetLevel(level)
	}
	return logrus.NewEntry(l).WithField("service", "traveltracker")
}

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

var shutdownFn = func(app *fiber.App, ctx context.Context) error {
	return app.ShutdownWithContext(ctx)
}

// Run wires the tracker, serves the control API and waits for termination
// signals.
func Run(ctx context.Context, cfg config.Config, res Resources, signals <-chan os.Signal, listen ListenFunc) error {
	log := newLogger(cfg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var source location.Source
	if res.GPS != nil {
		nmea := location.NewNMEASource(log)
		if cfg.ReadTimeout > 0 {
			nmea.WaitTimeout = cfg.ReadTimeout
		}
		go func() {
			if err := nmea.Run(runCtx, res.GPS); err != nil && runCtx.Err() == nil {
				log.WithError(err).Error("gps stream stopped")
			}
		}()
		source = nmea
	}

	var offline upload.Journal
	if res.Journal != nil {
		store := journal.New(res.Journal)
		if err := store.InitSchema(ctx); err != nil {
			return err
		}
		offline = store
	}

	api := &upload.Client{BaseURL: cfg.APIBaseURL, Token: cfg.APIToken}

	var manualSvc *manual.Service
	if cfg.MapsAPIKey != "" {
		g, err := geocode.NewGoogle(cfg.MapsAPIKey)
		if err != nil {
			return err
		}
		manualSvc = manual.NewService(g, api, log)
	}

	svc := session.New(location.NewSampler(source), api, offline, manualSvc, session.Options{
		UserID:        cfg.UserID,
		LastFixMaxAge: cfg.LastFixMaxAge,
		Engine:        trip.Options{
			MonitorInterval:    cfg.MonitorInterval,
			IdleTimeout:        cfg.IdleTimeout,
			ReadTimeout:        cfg.ReadTimeout,
			AccuracyThresholdM: cfg.AccuracyThresholdM,
		},
		Pipeline: upload.PipelineOptions{
			Buffer: buffer.Options{MaxSize: cfg.FlushSize, MaxAge: cfg.FlushInterval},
		},
		Log: log,
	})

	hub := stream.NewHub(res.Redis, log)
	if res.MQTT != nil {
		hub.AddSink(stream.NewMQTTSink(res.MQTT, cfg.MQTTTopicPrefix))
	}

	sub := svc.Subscribe(64)
	go stream.Forward(runCtx, sub.C, hub)

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		_ = svc.Run(runCtx)
	}()
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		flushLoop(runCtx, svc, cfg.FlushInterval, log)
	}()

	srv := server.NewServer(cfg, svc, hub)

	if listen == nil {
		listen = defaultListen
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(srv.App, cfg.ServerPort)
	}()

	var runErr error
	select {
	case <-signals:
	case <-ctx.Done():
	case err := <-errCh:
		runErr = err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := shutdownFn(srv.App, shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}

	cancel()
	<-engineDone
	<-flushDone
	sub.Close()
	hub.Close()

	if res.GPS != nil {
		_ = res.GPS.Close()
	}
	if res.MQTT != nil {
		res.MQTT.Disconnect(250)
	}
	if res.Redis != nil {
		_ = res.Redis.Close()
	}
	if res.Journal != nil {
		_ = res.Journal.Close()
	}
	return runErr
}

// flushLoop syncs journaled trips once, then flushes points that would
// otherwise wait for the next accepted sample.
func flushLoop(ctx context.Context, svc *session.Service, interval time.Duration, log *logrus.Entry) {
	if res, err := svc.SyncOffline(ctx); err != nil {
		log.WithError(err).Warn("offline sync failed")
	} else if len(res.Synced) > 0 || len(res.Failed) > 0 {
		log.WithFields(logrus.Fields{"synced": len(res.Synced), "failed": len(res.Failed)}).Info("offline sync finished")
	}

	if interval <= 0 {
		interval = buffer.DefaultMaxAge
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if svc.BufferDepth() > 0 {
				svc.Flush(ctx)
			}
		}
	}
}
