// Package mqtt is the pub/sub transport telemetry is published on.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

var (
	ErrStopped      = errors.New("mqtt client stopped")
	ErrNotConnected = errors.New("mqtt client not connected")
)

// Options configures the broker connection.
type Options struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string
	TLS      bool
	// CAFile adds a PEM bundle to the system roots when TLS is on.
	CAFile string
	// PublishTimeout bounds the wait for a publish acknowledgement.
	PublishTimeout time.Duration
}

func (o Options) broker() string {
	scheme := "tcp"
	if o.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, o.Host, o.Port)
}

// Client publishes over a paho connection that reconnects on its own.
type Client struct {
	client         paho.Client
	opts           Options
	logger         *logrus.Logger
	publishTimeout time.Duration

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// newPahoClient is replaced in tests.
var newPahoClient = paho.NewClient

// NewClient prepares a client; nothing is dialled until Connect.
func NewClient(opts Options, logger *logrus.Logger) (*Client, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	c := &Client{
		opts:           opts,
		logger:         logger,
		publishTimeout: opts.PublishTimeout,
		stopCh:         make(chan struct{}),
	}
	if c.publishTimeout <= 0 {
		c.publishTimeout = 5 * time.Second
	}

	po := paho.NewClientOptions()
	po.AddBroker(opts.broker())
	po.SetClientID(opts.ClientID)
	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}
	if opts.TLS {
		tlsCfg, err := tlsConfig(opts.CAFile)
		if err != nil {
			return nil, err
		}
		po.SetTLSConfig(tlsCfg)
	}

	po.SetCleanSession(true)
	po.SetAutoReconnect(true)
	po.SetConnectRetry(true)
	po.SetConnectRetryInterval(5 * time.Second)
	po.SetMaxReconnectInterval(60 * time.Second)
	po.SetKeepAlive(30 * time.Second)
	po.SetPingTimeout(10 * time.Second)

	log := logger.WithField("broker", opts.broker())
	po.SetOnConnectHandler(func(_ paho.Client) {
		c.setConnected(true)
		log.Info("MQTT connected")
	})
	po.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.setConnected(false)
		log.WithError(err).Warn("MQTT connection lost")
	})

	c.client = newPahoClient(po)
	return c, nil
}

func tlsConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// Connect waits for the first connection, honouring ctx and Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return ErrStopped
	default:
	}

	if c.IsConnected() {
		return nil
	}

	token := c.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return ErrStopped
		default:
		}
	}
}

// Publish sends payload and waits for the broker up to the publish timeout.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	c.logger.WithFields(logrus.Fields{"topic": topic, "bytes": len(payload)}).Debug("Published")
	return nil
}

// IsConnected reports whether the broker session is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect stops the client. It is idempotent; Connect fails afterwards.
func (c *Client) Disconnect() {
	first := false
	c.stopOnce.Do(func() {
		close(c.stopCh)
		first = true
	})
	if !first {
		return
	}

	c.client.Disconnect(250)
	c.setConnected(false)
	c.logger.Info("MQTT disconnected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Discard is a publisher that drops everything, used when no broker is
// configured.
type Discard struct {
	Logger *logrus.Logger
}

func (d Discard) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{"topic": topic, "bytes": len(payload)}).Debug("Publish discarded")
	}
	return nil
}
