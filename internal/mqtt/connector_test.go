package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/config"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

type fakeSession struct {
	mu           sync.Mutex
	awaitErr     error
	publishErr   error
	published    []*paho.Publish
	subscribed   []string
	disconnected int
}

func (f *fakeSession) AwaitConnection(context.Context) error { return f.awaitErr }

func (f *fakeSession) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.published = append(f.published, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakeSession) Subscribe(_ context.Context, s *paho.Subscribe) (*paho.Suback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, opt := range s.Subscriptions {
		f.subscribed = append(f.subscribed, opt.Topic)
	}
	return &paho.Suback{Reasons: []byte{1}}, nil
}

func (f *fakeSession) Disconnect(context.Context) error {
	f.mu.Lock()
	f.disconnected++
	f.mu.Unlock()
	return nil
}

type recordingObserver struct {
	mu          sync.Mutex
	connects    int
	disconnects []string
	publishes   []string
	messages    []string
	subscribes  []string
}

func (r *recordingObserver) OnConnect(string, bool) {
	r.mu.Lock()
	r.connects++
	r.mu.Unlock()
}

func (r *recordingObserver) OnDisconnect(reason string) {
	r.mu.Lock()
	r.disconnects = append(r.disconnects, reason)
	r.mu.Unlock()
}

func (r *recordingObserver) OnMessage(topic string, _ []byte, _ byte) {
	r.mu.Lock()
	r.messages = append(r.messages, topic)
	r.mu.Unlock()
}

func (r *recordingObserver) OnPublish(topic string, _ byte, _ int) {
	r.mu.Lock()
	r.publishes = append(r.publishes, topic)
	r.mu.Unlock()
}

func (r *recordingObserver) OnSubscribe(topic string, _ byte) {
	r.mu.Lock()
	r.subscribes = append(r.subscribes, topic)
	r.mu.Unlock()
}

func (r *recordingObserver) OnLog(slog.Level, string) {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Host:               "broker.local",
		Port:               1883,
		ClientID:           "test-client",
		KeepAlive:          60 * time.Second,
		ConnectionAttempts: 3,
		RetryDelay:         time.Millisecond,
		ConnectTimeout:     100 * time.Millisecond,
		PublishTimeout:     100 * time.Millisecond,
	}
}

func testDiscoveryConfig() config.DiscoveryConfig {
	return config.DiscoveryConfig{
		Prefix:         "homeassistant",
		DeviceName:     "attic",
		HubStatusTopic: "homeassistant/status",
	}
}

// scriptedDial returns a dial function that fails the first `failures`
// calls and then hands out sess.
func scriptedDial(failures int, sess *fakeSession) (dialFunc, *int) {
	calls := 0
	return func(context.Context, autopaho.ClientConfig) (session, error) {
		calls++
		if calls <= failures {
			return &fakeSession{awaitErr: errors.New("connection refused")}, nil
		}
		return sess, nil
	}, &calls
}

func TestConnect_SucceedsAfterRetries(t *testing.T) {
	sess := &fakeSession{}
	c := NewConnector(testMQTTConfig(), testDiscoveryConfig(), &recordingObserver{}, testLogger())
	dial, calls := scriptedDial(2, sess)
	c.dial = dial

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if *calls != 3 {
		t.Errorf("dial calls = %d, want 3", *calls)
	}
	if c.session() != sess {
		t.Error("connector did not keep the successful session")
	}
}

func TestConnect_FinalAttemptSucceeds(t *testing.T) {
	cfg := testMQTTConfig()
	sess := &fakeSession{}
	c := NewConnector(cfg, testDiscoveryConfig(), &recordingObserver{}, testLogger())
	dial, calls := scriptedDial(cfg.ConnectionAttempts, sess)
	c.dial = dial

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if want := cfg.ConnectionAttempts + 1; *calls != want {
		t.Errorf("dial calls = %d, want %d", *calls, want)
	}
}

func TestConnect_AllAttemptsFail(t *testing.T) {
	cfg := testMQTTConfig()
	c := NewConnector(cfg, testDiscoveryConfig(), &recordingObserver{}, testLogger())
	dial, calls := scriptedDial(100, nil)
	c.dial = dial

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if want := cfg.ConnectionAttempts + 1; *calls != want {
		t.Errorf("dial calls = %d, want %d", *calls, want)
	}
	if c.session() != nil {
		t.Error("session set after failed connect")
	}
}

func TestConnect_FailedAttemptsAreDisconnected(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.ConnectionAttempts = 1
	var sessions []*fakeSession
	c := NewConnector(cfg, testDiscoveryConfig(), &recordingObserver{}, testLogger())
	c.dial = func(context.Context, autopaho.ClientConfig) (session, error) {
		s := &fakeSession{awaitErr: errors.New("refused")}
		sessions = append(sessions, s)
		return s, nil
	}

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect() succeeded, want error")
	}
	for i, s := range sessions {
		if s.disconnected != 1 {
			t.Errorf("session %d disconnected %d times, want 1", i, s.disconnected)
		}
	}
}

func TestConnect_BadCABundleFailsBeforeDial(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.TLS = true
	cfg.CAFile = filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(cfg.CAFile, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}

	c := NewConnector(cfg, testDiscoveryConfig(), &recordingObserver{}, testLogger())
	dial, calls := scriptedDial(0, &fakeSession{})
	c.dial = dial

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect() succeeded with invalid CA bundle")
	}
	if *calls != 0 {
		t.Errorf("dial calls = %d, want 0", *calls)
	}
}

func TestConnect_TLSUpgradesScheme(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.Broker = "mqtt://broker.local:8883"
	cfg.TLS = true

	var got autopaho.ClientConfig
	c := NewConnector(cfg, testDiscoveryConfig(), &recordingObserver{}, testLogger())
	c.dial = func(_ context.Context, pc autopaho.ClientConfig) (session, error) {
		got = pc
		return &fakeSession{}, nil
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got.TlsCfg == nil {
		t.Fatal("TlsCfg not set")
	}
	if len(got.ServerUrls) != 1 || got.ServerUrls[0].Scheme != "mqtts" {
		t.Errorf("ServerUrls = %v, want mqtts scheme", got.ServerUrls)
	}
}

func TestConnect_WillMessage(t *testing.T) {
	var got autopaho.ClientConfig
	c := NewConnector(testMQTTConfig(), testDiscoveryConfig(), &recordingObserver{}, testLogger())
	c.dial = func(_ context.Context, pc autopaho.ClientConfig) (session, error) {
		got = pc
		return &fakeSession{}, nil
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if got.WillMessage == nil {
		t.Fatal("WillMessage not set")
	}
	if got.WillMessage.Topic != "ds18b20-mqtt/attic/availability" {
		t.Errorf("will topic = %q", got.WillMessage.Topic)
	}
	if string(got.WillMessage.Payload) != "offline" || !got.WillMessage.Retain {
		t.Errorf("will = %q retain=%v, want retained offline", got.WillMessage.Payload, got.WillMessage.Retain)
	}
	if got.ClientConfig.ClientID != "test-client" {
		t.Errorf("ClientID = %q, want test-client", got.ClientConfig.ClientID)
	}
	if got.KeepAlive != 60 {
		t.Errorf("KeepAlive = %d, want 60", got.KeepAlive)
	}
}

func TestConnect_NoWillWithoutAvailability(t *testing.T) {
	off := false
	disc := testDiscoveryConfig()
	disc.Availability = &off

	var got autopaho.ClientConfig
	c := NewConnector(testMQTTConfig(), disc, &recordingObserver{}, testLogger())
	c.dial = func(_ context.Context, pc autopaho.ClientConfig) (session, error) {
		got = pc
		return &fakeSession{}, nil
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got.WillMessage != nil {
		t.Errorf("WillMessage = %+v, want nil", got.WillMessage)
	}
}

func TestPublish_NotConnected(t *testing.T) {
	c := NewConnector(testMQTTConfig(), testDiscoveryConfig(), nil, testLogger())
	err := c.Publish(context.Background(), "a/b", []byte("x"), 0, false)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

func TestPublish_PassesThroughFields(t *testing.T) {
	obs := &recordingObserver{}
	sess := &fakeSession{}
	c := NewConnector(testMQTTConfig(), testDiscoveryConfig(), obs, testLogger())
	c.setSession(sess, nil)

	if err := c.Publish(context.Background(), "a/b", []byte(`{"temperature":21}`), 1, true); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(sess.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(sess.published))
	}
	p := sess.published[0]
	if p.Topic != "a/b" || p.QoS != 1 || !p.Retain {
		t.Errorf("publish = %+v", p)
	}
	if len(obs.publishes) != 1 || obs.publishes[0] != "a/b" {
		t.Errorf("observer publishes = %v", obs.publishes)
	}
}

func TestPublish_Error(t *testing.T) {
	obs := &recordingObserver{}
	c := NewConnector(testMQTTConfig(), testDiscoveryConfig(), obs, testLogger())
	c.setSession(&fakeSession{publishErr: errors.New("queue full")}, nil)

	if err := c.Publish(context.Background(), "a/b", nil, 0, false); err == nil {
		t.Fatal("Publish() succeeded, want error")
	}
	if len(obs.publishes) != 0 {
		t.Errorf("observer saw %d publishes, want 0", len(obs.publishes))
	}
}

func TestOnConnectionUp_BirthAndSubscribe(t *testing.T) {
	disc := testDiscoveryConfig()
	disc.ResendOnHubOnline = true
	obs := &recordingObserver{}
	sess := &fakeSession{}
	c := NewConnector(testMQTTConfig(), disc, obs, testLogger())

	c.onConnectionUp(context.Background(), sess, "mqtt://broker.local:1883", &paho.Connack{})

	if obs.connects != 1 {
		t.Errorf("connects = %d, want 1", obs.connects)
	}
	if len(sess.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(sess.published))
	}
	birth := sess.published[0]
	if birth.Topic != "ds18b20-mqtt/attic/availability" || string(birth.Payload) != "online" || !birth.Retain {
		t.Errorf("birth = %+v", birth)
	}
	if len(sess.subscribed) != 1 || sess.subscribed[0] != "homeassistant/status" {
		t.Errorf("subscribed = %v", sess.subscribed)
	}
	if len(obs.subscribes) != 1 {
		t.Errorf("observer subscribes = %v", obs.subscribes)
	}
}

func TestOnConnectionUp_NoSubscribeByDefault(t *testing.T) {
	sess := &fakeSession{}
	c := NewConnector(testMQTTConfig(), testDiscoveryConfig(), &recordingObserver{}, testLogger())

	c.onConnectionUp(context.Background(), sess, "mqtt://broker.local:1883", nil)

	if len(sess.subscribed) != 0 {
		t.Errorf("subscribed = %v, want none", sess.subscribed)
	}
}

func TestHandleMessage_HubOnline(t *testing.T) {
	disc := testDiscoveryConfig()
	disc.ResendOnHubOnline = true
	obs := &recordingObserver{}
	c := NewConnector(testMQTTConfig(), disc, obs, testLogger())

	fired := 0
	c.SetHubOnlineHandler(func() { fired++ })

	c.handleMessage("homeassistant/status", []byte("offline"), 1)
	c.handleMessage("other/topic", []byte("online"), 1)
	c.handleMessage("homeassistant/status", []byte("online"), 1)

	if fired != 1 {
		t.Errorf("handler fired %d times, want 1", fired)
	}
	if len(obs.messages) != 3 {
		t.Errorf("observer messages = %d, want 3", len(obs.messages))
	}
}

func TestStop_PublishesOfflineThenDisconnects(t *testing.T) {
	obs := &recordingObserver{}
	sess := &fakeSession{}
	c := NewConnector(testMQTTConfig(), testDiscoveryConfig(), obs, testLogger())
	c.setSession(sess, nil)

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(sess.published) != 1 || string(sess.published[0].Payload) != "offline" {
		t.Errorf("published = %+v, want single offline", sess.published)
	}
	if sess.disconnected != 1 {
		t.Errorf("disconnected = %d, want 1", sess.disconnected)
	}
	if len(obs.disconnects) != 1 || obs.disconnects[0] != DisconnectShutdown {
		t.Errorf("observer disconnects = %v, want [%s]", obs.disconnects, DisconnectShutdown)
	}
}

func TestStop_NotConnected(t *testing.T) {
	c := NewConnector(testMQTTConfig(), testDiscoveryConfig(), nil, testLogger())
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v, want nil", err)
	}
}

func TestNewConnector_GeneratesClientID(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.ClientID = ""
	c := NewConnector(cfg, testDiscoveryConfig(), nil, testLogger())
	if c.ClientID() == "" {
		t.Error("ClientID() is empty")
	}
}

func TestWithTLSScheme(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"mqtt://h:1883", "mqtts"},
		{"tcp://h:1883", "mqtts"},
		{"mqtts://h:8883", "mqtts"},
		{"ssl://h:8883", "ssl"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.in)
		if err != nil {
			t.Fatal(err)
		}
		if got := withTLSScheme(u).Scheme; got != tt.want {
			t.Errorf("withTLSScheme(%q) scheme = %q, want %q", tt.in, got, tt.want)
		}
	}
}
