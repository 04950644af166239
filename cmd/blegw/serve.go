package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blegw/internal/accesspoint"
	"github.com/srg/blegw/internal/control"
	"github.com/srg/blegw/internal/groutine"
	"github.com/srg/blegw/internal/mqtt"
	"github.com/srg/blegw/internal/producer"
	"github.com/srg/blegw/internal/radio/goble"
	"github.com/srg/blegw/internal/topics"
	"github.com/srg/blegw/pkg/config"
)

const shutdownTimeout = 5 * time.Second

var (
	serveConfigPath string
	serveNoMQTT     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Starts the access point, the telemetry producer and the HTTP control API,
then runs until interrupted.

Configuration is read from --config (YAML) and overridden by environment
variables such as MQTT_HOST, ACCESS_POINT and STORE_DRIVER.

Examples:
  blegw serve --config /etc/blegw.yaml
  ACCESS_POINT=simulated blegw serve --no-mqtt`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to the YAML config file")
	serveCmd.Flags().BoolVar(&serveNoMQTT, "no-mqtt", false, "Drop telemetry instead of publishing to a broker")
}

// gateway wires the components of a running gateway.
type gateway struct {
	cfg    *config.Config
	logger *logrus.Logger

	store     topics.Store
	publisher producer.Publisher
	client    *mqtt.Client
	producer  *producer.Producer
	ap        accesspoint.AccessPoint
}

func newGateway(cfg *config.Config, logger *logrus.Logger, noMQTT bool) (*gateway, error) {
	g := &gateway{cfg: cfg, logger: logger}

	store, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	g.store = store
	for _, d := range cfg.Devices {
		if err := store.PutDevice(topics.Device{ID: d.ID, MAC: d.MAC}); err != nil {
			g.close()
			return nil, fmt.Errorf("failed to onboard device %s: %w", d.ID, err)
		}
	}

	if noMQTT {
		g.publisher = mqtt.Discard{Logger: logger}
	} else {
		client, err := mqtt.NewClient(mqtt.Options{
			Host:           cfg.MQTT.Host,
			Port:           cfg.MQTT.Port,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TLS:            cfg.MQTT.UseTLS(),
			CAFile:         cfg.MQTT.CAFile,
			PublishTimeout: cfg.MQTT.PublishTimeout,
		}, logger)
		if err != nil {
			g.close()
			return nil, err
		}
		g.client = client
		g.publisher = client
	}

	g.producer = producer.New(g.publisher, store, logger, producer.WithQueueSize(cfg.AdvertisementQueue))

	deps := accesspoint.Deps{Telemetry: g.producer, Logger: logger}
	if cfg.AccessPoint == config.AccessPointRadio {
		deps.Radio = goble.New(logger)
	}
	ap, err := accesspoint.New(accesspoint.Config{
		Kind:                 accesspoint.Kind(cfg.AccessPoint),
		MaxConnections:       cfg.MaxConnections,
		ConnectionTimeout:    cfg.ConnectionTimeout,
		OperationTimeout:     cfg.OperationTimeout,
		SubscriptionInterval: cfg.Simulation.SubscriptionInterval,
		ScanInterval:         cfg.Simulation.ScanInterval,
	}, deps)
	if err != nil {
		g.close()
		return nil, err
	}
	g.ap = ap
	return g, nil
}

func openStore(cfg config.StoreConfig) (topics.Store, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		return topics.OpenSQLite(cfg.Path)
	default:
		return topics.NewMemoryStore(), nil
	}
}

// start brings the gateway up; a boot timeout is fatal.
func (g *gateway) start(ctx context.Context) error {
	g.producer.Start(ctx)

	if g.client != nil {
		client := g.client
		groutine.Go(ctx, "mqtt-connect", func(ctx context.Context) {
			if err := client.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
				g.logger.WithError(err).Warn("MQTT connect did not complete")
			}
		})
	}

	if err := g.ap.Start(ctx); err != nil {
		return fmt.Errorf("failed to start access point: %w", err)
	}
	if err := accesspoint.WaitReady(ctx, g.ap, g.cfg.BootTimeout); err != nil {
		return err
	}
	if err := g.ap.StartScan(); err != nil {
		return fmt.Errorf("failed to start scanning: %w", err)
	}
	g.logger.WithFields(logrus.Fields{
		"access_point":    g.cfg.AccessPoint,
		"max_connections": g.cfg.MaxConnections,
	}).Info("Gateway ready")
	return nil
}

func (g *gateway) handler() http.Handler {
	return control.New(g.ap, g.store, g.logger).Handler()
}

// stop shuts components down in reverse start order.
func (g *gateway) stop() {
	if g.ap != nil {
		if err := g.ap.Stop(); err != nil {
			g.logger.WithError(err).Warn("Access point stop failed")
		}
	}
	if g.producer != nil {
		g.producer.Stop()
	}
	g.close()
}

func (g *gateway) close() {
	if g.client != nil {
		g.client.Disconnect()
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.WithError(err).Warn("Store close failed")
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := newGateway(cfg, logger, serveNoMQTT)
	if err != nil {
		return err
	}
	defer gw.stop()

	if err := gw.start(ctx); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.HTTP.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.HTTP.Listen, err)
	}
	server := &http.Server{
		Handler:           gw.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	groutine.Go(ctx, "http-server", func(context.Context) {
		serveErr <- server.Serve(listener)
	})
	logger.WithField("listen", listener.Addr().String()).Info("Control API listening")

	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Control API shutdown failed")
	}
	return nil
}
