package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/banshee-data/water.report/internal/adapter"
	"github.com/banshee-data/water.report/internal/alert"
	"github.com/banshee-data/water.report/internal/api"
	"github.com/banshee-data/water.report/internal/classify"
	"github.com/banshee-data/water.report/internal/config"
	"github.com/banshee-data/water.report/internal/db"
	"github.com/banshee-data/water.report/internal/hub"
	"github.com/banshee-data/water.report/internal/metrics"
	"github.com/banshee-data/water.report/internal/mirror"
	"github.com/banshee-data/water.report/internal/monitoring"
	"github.com/banshee-data/water.report/internal/normalize"
	"github.com/banshee-data/water.report/internal/pipeline"
	"github.com/banshee-data/water.report/internal/serialmux"
	"github.com/banshee-data/water.report/internal/timeutil"
	"github.com/banshee-data/water.report/internal/version"
)

var (
	configPath    = flag.String("config", "", "Path to a JSON config file")
	listen        = flag.String("listen", "", "Listen address (overrides the config file)")
	devMode       = flag.Bool("dev", false, "Replay device fixtures instead of opening the serial port")
	fixtures      = flag.String("fixtures", "", "Device capture to replay in dev mode (default: bundled capture)")
	replayEvery   = flag.Duration("replay-interval", 2*time.Second, "Delay between replayed lines in dev mode")
	disableSerial = flag.Bool("disable-serial", false, "Run without the serial adapter")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

// drainTimeout bounds each shutdown stage.
const drainTimeout = 10 * time.Second

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("water-report %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *devMode && cfg.Log.Format == "json" {
		cfg.Log.Format = "console"
	}

	logger, err := monitoring.NewLogger(cfg.Log.Level, cfg.Log.Format, "water-report")
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()
	monitoring.UseZap(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("water-report failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	bands, err := cfg.Bands()
	if err != nil {
		return err
	}
	classifier, err := classify.New(cfg.ClassifyConfig(), bands)
	if err != nil {
		return fmt.Errorf("load classifier: %w", err)
	}
	logger.Info("classifier ready", zap.String("classifier", classifier.Name()))

	var journal *db.DB
	if cfg.Journal.Path != "" {
		journal, err = db.NewDB(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open alert journal: %w", err)
		}
		defer journal.Close()
	}

	m := metrics.New(prometheus.NewRegistry())
	h := hub.New(
		hub.WithQueueSize(cfg.Hub.QueueSize),
		hub.WithPolicy(cfg.HubPolicy()),
		hub.WithLogger(logger.Named("hub")),
		hub.WithMetrics(m),
	)

	smtpCfg := cfg.SMTP()
	var notifier alert.Notifier = alert.LogNotifier{Log: logger.Named("alert")}
	if smtpCfg.Configured() {
		notifier = alert.NewSMTPNotifier(smtpCfg)
	} else {
		logger.Warn("email not configured, alerts go to the log")
	}

	var p *pipeline.Pipeline
	dispatcherOpts := []alert.Option{
		alert.WithRetry(cfg.Retry()),
		alert.WithQueueSize(cfg.Alert.QueueSize),
		alert.WithResultHandler(func(res alert.Result) { p.PublishAlert(res) }),
		alert.WithLogger(logger.Named("alert")),
		alert.WithMetrics(m),
	}
	if journal != nil {
		dispatcherOpts = append(dispatcherOpts, alert.WithJournal(journal))
	}
	dispatcher := alert.NewDispatcher(notifier, bands, dispatcherOpts...)

	group, serial, manual, relay, err := buildAdapters(cfg, logger, m)
	if err != nil {
		return err
	}

	p = pipeline.New(pipeline.Config{
		Threshold:        cfg.ConsecutiveContaminationThreshold,
		FunnelSize:       cfg.Pipeline.FunnelSize,
		ExpectedInterval: cfg.GetExpectedInterval(),
		Sources:          group.Sources(),
	}, classifier,
		pipeline.WithAlerter(dispatcher),
		pipeline.WithPublisher(h),
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithMetrics(m),
	)
	h.SetInitial(p.InitialEvent())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the consumer, dispatcher and mirror outlive ctx so they can drain
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	dispatcherDone := make(chan error, 1)
	go func() { dispatcherDone <- dispatcher.Run(runCtx) }()
	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- p.Run(runCtx) }()

	var mirrorDone chan error
	if cfg.Redis.Enabled {
		mr := mirror.New(mirror.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Stream:   cfg.Redis.Stream,
			MaxLen:   cfg.Redis.MaxLen,
		}, mirror.WithLogger(logger.Named("mirror")))
		defer mr.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := mr.Ping(pingCtx); err != nil {
			logger.Warn("redis unreachable, mirroring will retry per event", zap.Error(err))
		}
		cancel()
		mirrorDone = make(chan error, 1)
		go func() { mirrorDone <- mr.Run(runCtx, h) }()
	}

	group.Start(ctx, p)

	serverOpts := []api.Option{
		api.WithAdapters(group),
		api.WithMetrics(m.Handler()),
		api.WithEmailConfigured(smtpCfg.Configured()),
		api.WithLogger(logger.Named("api")),
	}
	if journal != nil {
		serverOpts = append(serverOpts, api.WithAlerts(journal))
	}
	if manual != nil {
		serverOpts = append(serverOpts, api.WithManual(manual))
	}
	if relay != nil {
		serverOpts = append(serverOpts, api.WithRelay(relay))
	}
	srv := api.NewServer(p, h, serverOpts...)
	mux := srv.ServeMux()
	srv.AttachAdminRoutes(mux)
	if serial != nil {
		serial.AttachAdminRoutes(mux)
	} else {
		disabled := serialmux.NewDisabledSerialMux()
		defer disabled.Close()
		disabled.AttachAdminRoutes(mux)
	}
	if journal != nil {
		if err := journal.AttachAdminRoutes(mux); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.LoggingMiddleware(logger.Named("http"), mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		logger.Error("http server failed", zap.Error(err))
		stop()
	}

	group.Wait()
	p.Close()
	wait(logger, "pipeline", pipelineDone)
	dispatcher.Close()
	wait(logger, "alert dispatcher", dispatcherDone)
	h.Close()
	if mirrorDone != nil {
		wait(logger, "redis mirror", mirrorDone)
	}
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
		if err := server.Close(); err != nil {
			logger.Warn("HTTP server force close error", zap.Error(err))
		}
	}
	logger.Info("graceful shutdown complete")
	return nil
}

// wait blocks until a stage reports it is done, giving up after drainTimeout.
func wait(logger *zap.Logger, stage string, done <-chan error) {
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("stage stopped with error", zap.String("stage", stage), zap.Error(err))
		}
	case <-time.After(drainTimeout):
		logger.Warn("stage did not drain in time", zap.String("stage", stage))
	}
}

func buildAdapters(cfg *config.Config, logger *zap.Logger, m *metrics.Pipeline) (
	group *adapter.Group, serial *adapter.Serial, manual *adapter.Manual, relay *adapter.Relay, err error,
) {
	group = adapter.NewGroup(logger.Named("adapter"))
	common := func(extra ...adapter.Option) []adapter.Option {
		return append([]adapter.Option{adapter.WithLogger(logger.Named("adapter")), adapter.WithMetrics(m)}, extra...)
	}
	ac := cfg.Adapters

	if ac.Serial.Enabled && !*disableSerial {
		open, err := serialOpener(ac.Serial)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		serial = adapter.NewSerial("serial", open, common(adapter.WithReconnectDelay(cfg.GetSerialReconnectDelay()))...)
		group.Add(serial)
	}
	if ac.Poll.Enabled {
		group.Add(adapter.NewPoller("poller", adapter.PollerConfig{
			URL:      ac.Poll.URL,
			Interval: cfg.GetPollInterval(),
			Timeout:  cfg.GetPollTimeout(),
			APIKey:   ac.Poll.APIKey,
		}, common()...))
	}
	if ac.Relay.Enabled {
		relay = adapter.NewRelay("browser-relay",
			common(adapter.WithDedup(normalize.NewDedupWindow(ac.Relay.DedupCapacity, cfg.GetRelayDedupBucket())))...)
		group.Add(relay)
	}
	if ac.Manual.Enabled {
		manual = adapter.NewManual("manual", common()...)
		group.Add(manual)
	}
	if ac.MQTT.Enabled {
		group.Add(adapter.NewMQTT("mqtt", adapter.MQTTConfig{
			Broker:   ac.MQTT.Broker,
			ClientID: ac.MQTT.ClientID,
			Topic:    ac.MQTT.Topic,
			QoS:      ac.MQTT.QoS,
			Username: ac.MQTT.Username,
			Password: ac.MQTT.Password,
		}, common(
			adapter.WithReconnectDelay(cfg.GetMQTTReconnectDelay()),
			adapter.WithDedup(normalize.NewDedupWindow(ac.MQTT.DedupCapacity, cfg.GetMQTTDedupBucket())),
		)...))
	}
	return group, serial, manual, relay, nil
}

func serialOpener(sc config.SerialConfig) (serialmux.Opener, error) {
	switch {
	case *devMode:
		lines := serialmux.DefaultFixtures()
		if *fixtures != "" {
			var err error
			if lines, err = serialmux.LoadFixtures(*fixtures); err != nil {
				return nil, err
			}
		}
		return serialmux.ReplayOpener(lines, *replayEvery, timeutil.RealClock{}), nil
	case sc.TCPAddress != "":
		return serialmux.TCPOpener(sc.TCPAddress, 5*time.Second), nil
	case sc.Device == "":
		return nil, errors.New("serial adapter enabled without a device")
	default:
		if _, err := os.Stat(sc.Device); err != nil {
			if ports, lerr := serialmux.ListPorts(); lerr == nil {
				monitoring.Logf("serial device %s not found yet; present ports: %v", sc.Device, ports)
			}
		}
		return serialmux.SerialOpener(sc.Device, serialmux.PortOptions{BaudRate: sc.BaudRate}), nil
	}
}
