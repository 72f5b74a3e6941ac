package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/config"
	"github.com/cenkalti/backoff"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

var (
	// ErrConnectionFailed is returned by [Connector.Connect] when every
	// attempt, including the final one, failed.
	ErrConnectionFailed = errors.New("mqtt connection failed")

	// ErrNotConnected is returned by [Connector.Publish] before Connect
	// has succeeded.
	ErrNotConnected = errors.New("mqtt connector not connected")
)

// DisconnectShutdown is the reason [Connector.Stop] reports to observers.
const DisconnectShutdown = "shutdown"

// session is the subset of [autopaho.ConnectionManager] the connector
// uses. Tests substitute a fake.
type session interface {
	AwaitConnection(ctx context.Context) error
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
	Disconnect(ctx context.Context) error
}

type dialFunc func(ctx context.Context, cfg autopaho.ClientConfig) (session, error)

func dialAutopaho(ctx context.Context, cfg autopaho.ClientConfig) (session, error) {
	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return cm, nil
}

// Connector owns the broker connection. The scheduler only sees
// [Connector.Publish].
type Connector struct {
	cfg        config.MQTTConfig
	discovery  config.DiscoveryConfig
	clientID   string
	availTopic string
	observer   Observer
	logger     *slog.Logger
	dial       dialFunc

	mu          sync.RWMutex
	sess        session
	stopSession context.CancelFunc
	onHubOnline func()
}

// NewConnector creates a Connector but does not connect. Call
// [Connector.Connect] to establish the session.
func NewConnector(cfg config.MQTTConfig, discovery config.DiscoveryConfig, observer Observer, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = NewLogObserver(logger)
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = DefaultClientID()
	}
	c := &Connector{
		cfg:       cfg,
		discovery: discovery,
		clientID:  clientID,
		observer:  observer,
		logger:    logger,
		dial:      dialAutopaho,
	}
	if discovery.AvailabilityEnabled() {
		c.availTopic = AvailabilityTopic(discovery.DeviceName)
	}
	return c
}

// ClientID returns the MQTT client identifier in use.
func (c *Connector) ClientID() string {
	return c.clientID
}

// SetHubOnlineHandler registers fn to run when the hub announces
// "online" on its status topic. Only used when resend_on_hub_online is
// enabled. Must be called before Connect.
func (c *Connector) SetHubOnlineHandler(fn func()) {
	c.mu.Lock()
	c.onHubOnline = fn
	c.mu.Unlock()
}

// Connect establishes the broker session. TLS settings are resolved
// first; then up to ConnectionAttempts attempts are made, RetryDelay
// apart, each failure logged. If all of them fail, one final attempt is
// made and its error is returned wrapped in [ErrConnectionFailed].
//
// ctx bounds the connect phase only. Once established, the session
// outlives ctx so [Connector.Stop] can still announce "offline" during
// shutdown; Stop ends it.
func (c *Connector) Connect(ctx context.Context) error {
	brokerURL, err := c.cfg.BrokerURL()
	if err != nil {
		return err
	}
	tlsCfg, err := c.tlsConfig()
	if err != nil {
		return err
	}
	if tlsCfg != nil {
		brokerURL = withTLSScheme(brokerURL)
		if c.cfg.CAFile != "" {
			c.logger.Info("using specific CA bundle for mqtt TLS", "ca_file", c.cfg.CAFile)
		} else {
			c.logger.Debug("using mqtt TLS with system trust store")
		}
	} else {
		c.logger.Info("using insecure mqtt (no TLS)", "broker", brokerURL.Redacted())
	}

	life := context.WithoutCancel(ctx)
	pahoCfg := c.clientConfig(life, brokerURL, tlsCfg)

	tries := 0
	op := func() error {
		tries++
		sess, stop, err := c.attempt(ctx, life, pahoCfg)
		if err != nil {
			c.logger.Error("mqtt connection attempt failed",
				"attempt", tries,
				"max_attempts", c.cfg.ConnectionAttempts,
				"broker", brokerURL.Redacted(),
				"error", err,
			)
			return err
		}
		c.setSession(sess, stop)
		return nil
	}

	if c.cfg.ConnectionAttempts > 0 {
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryDelay), uint64(c.cfg.ConnectionAttempts-1)),
			ctx,
		)
		if err := backoff.Retry(op, policy); err == nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		// Final attempt without the retry wrapper: its failure is fatal.
		if !sleepCtx(ctx, c.cfg.RetryDelay) {
			return ctx.Err()
		}
	}
	sess, stop, err := c.attempt(ctx, life, pahoCfg)
	if err != nil {
		return fmt.Errorf("%w: %s after %d attempts: %w",
			ErrConnectionFailed, brokerURL.Redacted(), c.cfg.ConnectionAttempts+1, err)
	}
	c.setSession(sess, stop)
	return nil
}

// attempt starts one connection manager and waits for its first
// connection. On failure the manager is shut down so it stops retrying
// in the background. On success the returned func shuts it down.
func (c *Connector) attempt(ctx, life context.Context, pahoCfg autopaho.ClientConfig) (session, context.CancelFunc, error) {
	connErr := make(chan error, 1)
	onErr := pahoCfg.OnConnectError
	pahoCfg.OnConnectError = func(err error) {
		onErr(err)
		select {
		case connErr <- err:
		default:
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	// Cancelling lifeCtx stops the connection manager for good.
	lifeCtx, stop := context.WithCancel(life)
	sess, err := c.dial(lifeCtx, pahoCfg)
	if err != nil {
		stop()
		return nil, nil, err
	}

	awaited := make(chan error, 1)
	go func() { awaited <- sess.AwaitConnection(attemptCtx) }()

	select {
	case err = <-awaited:
		if err == nil {
			return sess, stop, nil
		}
	case err = <-connErr:
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	_ = sess.Disconnect(stopCtx)
	stop()
	return nil, nil, err
}

// clientConfig builds the autopaho configuration shared by every attempt.
func (c *Connector) clientConfig(ctx context.Context, brokerURL *url.URL, tlsCfg *tls.Config) autopaho.ClientConfig {
	debugLog, errLog := protocolLoggers(c.observer)
	broker := brokerURL.Redacted()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		TlsCfg:          tlsCfg,
		KeepAlive:       uint16(c.cfg.KeepAlive / time.Second),
		ConnectTimeout:  c.cfg.ConnectTimeout,
		ConnectUsername: c.cfg.Username,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, ack *paho.Connack) {
			c.onConnectionUp(ctx, cm, broker, ack)
		},
		OnConnectError: func(err error) {
			c.observer.OnLog(slog.LevelWarn, "mqtt connection error: "+err.Error())
		},
		Debug:      debugLog,
		Errors:     errLog,
		PahoDebug:  debugLog,
		PahoErrors: errLog,
		ClientConfig: paho.ClientConfig{
			ClientID: c.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.handleMessage(pr.Packet.Topic, pr.Packet.Payload, pr.Packet.QoS)
					return true, nil
				},
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.observer.OnDisconnect(fmt.Sprintf("server disconnect, reason code %d", d.ReasonCode))
			},
			OnClientError: func(err error) {
				c.observer.OnDisconnect(err.Error())
			},
		},
	}
	if c.cfg.Password != "" {
		pahoCfg.ConnectPassword = []byte(c.cfg.Password)
	}
	if c.availTopic != "" {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   c.availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		}
	}
	return pahoCfg
}

// onConnectionUp runs on every (re-)connect: birth message first, then
// the hub status subscription.
func (c *Connector) onConnectionUp(ctx context.Context, s session, broker string, ack *paho.Connack) {
	c.observer.OnConnect(broker, ack != nil && ack.SessionPresent)

	if c.availTopic != "" {
		c.publishAvailability(ctx, s, "online")
	}

	if c.discovery.ResendOnHubOnline {
		topic := c.discovery.HubStatusTopic
		suback, err := s.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
		})
		if err != nil {
			c.logger.Warn("mqtt hub status subscribe failed", "topic", topic, "error", err)
			return
		}
		var granted byte
		if suback != nil && len(suback.Reasons) > 0 {
			granted = suback.Reasons[0]
		}
		c.observer.OnSubscribe(topic, granted)
	}
}

// handleMessage reports an inbound message and triggers the hub-online
// handler for birth messages on the hub status topic.
func (c *Connector) handleMessage(topic string, payload []byte, qos byte) {
	c.observer.OnMessage(topic, payload, qos)

	if !c.discovery.ResendOnHubOnline || topic != c.discovery.HubStatusTopic || string(payload) != "online" {
		return
	}
	c.mu.RLock()
	fn := c.onHubOnline
	c.mu.RUnlock()
	if fn != nil {
		c.logger.Info("hub came online, scheduling discovery re-announce", "topic", topic)
		fn()
	}
}

func (c *Connector) publishAvailability(ctx context.Context, s session, status string) {
	pubCtx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()
	if _, err := s.Publish(pubCtx, &paho.Publish{
		Topic:   c.availTopic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	c.observer.OnPublish(c.availTopic, 1, len(status))
	c.logger.Info("mqtt availability published", "status", status)
}

// Publish sends payload to topic at the given QoS. It waits at most
// PublishTimeout for the QoS handshake; delivery to subscribers is not
// verified.
func (c *Connector) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	s := c.session()
	if s == nil {
		return ErrNotConnected
	}

	pubCtx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	if _, err := s.Publish(pubCtx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	c.observer.OnPublish(topic, qos, len(payload))
	return nil
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used by the health watcher.
func (c *Connector) AwaitConnection(ctx context.Context) error {
	s := c.session()
	if s == nil {
		return ErrNotConnected
	}
	return s.AwaitConnection(ctx)
}

// Stop publishes "offline" availability and closes the connection. The
// provided context bounds both steps.
func (c *Connector) Stop(ctx context.Context) error {
	s := c.session()
	if s == nil {
		return nil
	}
	if c.availTopic != "" {
		c.publishAvailability(ctx, s, "offline")
	}
	err := s.Disconnect(ctx)
	c.mu.RLock()
	stop := c.stopSession
	c.mu.RUnlock()
	if stop != nil {
		stop()
	}
	c.observer.OnDisconnect(DisconnectShutdown)
	return err
}

func (c *Connector) session() session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

func (c *Connector) setSession(s session, stop context.CancelFunc) {
	c.mu.Lock()
	c.sess = s
	c.stopSession = stop
	c.mu.Unlock()
}

// tlsConfig returns nil when TLS is off. With a CA bundle configured the
// bundle replaces the system roots.
func (c *Connector) tlsConfig() (*tls.Config, error) {
	if !c.cfg.TLS && !isTLSScheme(c.cfg.Broker) {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.cfg.CAFile == "" {
		return tlsCfg, nil
	}

	pem, err := os.ReadFile(c.cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read mqtt CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("mqtt CA bundle %s contains no certificates", c.cfg.CAFile)
	}
	tlsCfg.RootCAs = pool
	return tlsCfg, nil
}

func isTLSScheme(broker string) bool {
	u, err := url.Parse(broker)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "mqtts", "ssl", "tls", "tcps":
		return true
	}
	return false
}

// withTLSScheme upgrades plain schemes so autopaho dials with TLS.
func withTLSScheme(u *url.URL) *url.URL {
	if isTLSScheme(u.String()) {
		return u
	}
	upgraded := *u
	upgraded.Scheme = "mqtts"
	return &upgraded
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
