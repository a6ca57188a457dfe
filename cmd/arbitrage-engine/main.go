// Command arbitrage-engine wires the consolidator, pricer-backed detector,
// risk manager, metrics, and opportunity stream into one running process.
// Its flag set is adapted from the teacher's arbitgo/arbitgo.go (dryrun,
// apikey/secret, asset, server flags) generalized to this engine's
// multi-venue, config-file-driven startup.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	"arbengine/internal/config"
	"arbengine/internal/consolidator"
	"arbengine/internal/detector"
	"arbengine/internal/logging"
	"arbengine/internal/metrics"
	"arbengine/internal/models"
	"arbengine/internal/risk"
	"arbengine/internal/stream"
	venuebinance "arbengine/internal/venue/binance"
	venuemock "arbengine/internal/venue/mock"
)

func main() {
	app := cli.NewApp()
	app.Name = "arbitrage-engine"
	app.Usage = "cross-venue crypto arbitrage detection engine"
	app.Version = "0.1.0"

	var configPath string
	var dryrun bool
	var apiKey string
	var secret string
	var assetString string
	var metricsAddr string

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:        "config, c",
			Usage:       "path to YAML configuration file",
			Destination: &configPath,
		},
		cli.BoolFlag{
			Name:        "dryrun, dry, d",
			Usage:       "run against mock venues instead of live Binance",
			Destination: &dryrun,
		},
		cli.StringFlag{
			Name:        "apikey, a",
			Usage:       "Binance API key",
			Destination: &apiKey,
			EnvVar:      "EXCHANGE_APIKEY",
		},
		cli.StringFlag{
			Name:        "secret, s",
			Usage:       "Binance API secret",
			Destination: &secret,
			EnvVar:      "EXCHANGE_SECRET",
		},
		cli.StringFlag{
			Name:        "asset, as",
			Usage:       "comma-separated symbol universe",
			Destination: &assetString,
			Value:       "BTC-USDT,ETH-USDT",
		},
		cli.StringFlag{
			Name:        "metrics-addr",
			Usage:       "address to serve /metrics, /healthz, /ws on",
			Destination: &metricsAddr,
			Value:       ":9090",
		},
	}

	app.Action = func(c *cli.Context) error {
		return run(configPath, dryrun, apiKey, secret, assetString, metricsAddr)
	}

	if err := app.Run(os.Args); err != nil {
		logging.Global().WithError(err).Fatal("arbitrage-engine exited")
	}
}

func run(configPath string, dryrun bool, apiKey, secret, assetString, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Arbitrage.DetectionPeriod == 0 {
		cfg.Arbitrage = config.Default().Arbitrage
	}

	log := logging.New(cfg.System.LogLevel, cfg.System.LogFile).WithField("component", "engine")

	symbols := parseSymbols(assetString)

	cons := consolidator.New(log)

	if dryrun || apiKey == "" || secret == "" {
		log.Info("starting in dry-run mode against mock venues")
		cons.RegisterAdapter(venuemock.New(models.VenueBinance, 1, log))
		cons.RegisterAdapter(venuemock.New(models.VenueOKX, 2, log))
		cons.RegisterAdapter(venuemock.New(models.VenueBybit, 3, log))
	} else {
		cons.RegisterAdapter(venuebinance.New(apiKey, secret, log))
		cons.RegisterAdapter(venuemock.New(models.VenueOKX, 2, log))
		cons.RegisterAdapter(venuemock.New(models.VenueBybit, 3, log))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for v, adapter := range cons.AdaptersSnapshot() {
		if err := adapter.Connect(ctx); err != nil {
			log.WithError(err).WithField("venue", v).Error("venue connect failed")
			continue
		}
		for _, symbol := range symbols {
			_ = adapter.SubscribeOrderBook(symbol, models.InstrumentSpot)
			_ = adapter.SubscribeOrderBook(symbol, models.InstrumentPerpetual)
			_ = adapter.SubscribeTicker(symbol, models.InstrumentSpot)
			_ = adapter.SubscribeFundingRate(symbol)

			bids, asks, err := adapter.FetchSnapshot(models.MarketDataKey{Symbol: symbol, Venue: v, Instrument: models.InstrumentSpot})
			if err == nil {
				cons.Books().Update(models.MarketDataKey{Symbol: symbol, Venue: v, Instrument: models.InstrumentSpot}, bids, asks)
			}
		}
	}

	limits := risk.DefaultLimits(cfg.Arbitrage.MaxPortfolioExposure)
	riskMgr := risk.New(log, limits)

	det := detector.New(log, cons, cfg.Arbitrage, symbols)

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)
	cons.SetMetrics(reg)
	det.SetMetrics(reg)
	cons.MonitorHeartbeats(ctx, cfg.Arbitrage.DetectionPeriod*5)

	hub := stream.New(log)
	streamStop := make(chan struct{})
	go hub.Run(streamStop)

	metricsStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-metricsStop:
				return
			case <-ticker.C:
				pm := riskMgr.Metrics()
				reg.SetBusinessMetrics(pm.TotalPnL, pm.WinRate*100)
				reg.SampleSystem()
			}
		}
	}()

	det.Subscribe(func(opp models.ArbitrageOpportunity) {
		reg.RecordOpportunity()
		ok, reason := riskMgr.Check(opp)
		if !ok {
			log.WithFields(logging.Fields{"id": opp.ID, "reason": reason}).Warn("opportunity rejected by risk gate")
			return
		}
		hub.PublishOpportunity(opp)
	})

	det.Start()

	mux := metrics.Router(reg, prometheus.DefaultGatherer)
	httpMux := http.NewServeMux()
	httpMux.Handle("/", mux)
	httpMux.HandleFunc("/ws", hub.ServeWS)
	server := &http.Server{Addr: metricsAddr, Handler: httpMux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	det.Stop()
	close(streamStop)
	close(metricsStop)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	if err := reg.WriteFinal(); err != nil {
		log.WithError(err).Warn("failed to write final metrics snapshot")
	}
	return nil
}

func parseSymbols(raw string) []models.Symbol {
	var out []models.Symbol
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, models.Symbol(raw[start:i]))
			}
			start = i + 1
		}
	}
	if len(out) == 0 {
		return []models.Symbol{"BTC-USDT"}
	}
	return out
}
