package mqttbroker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T, opts ...Option) *Broker {
	t.Helper()

	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	_, err := b.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func connectClient(t *testing.T, b *Broker, id, user, pass string) (mqtt.Client, error) {
	t.Helper()

	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + b.Addr().String()).
		SetClientID(id).
		SetAutoReconnect(false).
		SetConnectTimeout(2 * time.Second)
	if user != "" {
		opts.SetUsername(user).SetPassword(pass)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(3 * time.Second) {
		return nil, context.DeadlineExceeded
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	t.Cleanup(func() { client.Disconnect(50) })
	return client, nil
}

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"msh/EU_868/2/json/LongFast/!a1b2c3d4", "msh/EU_868/2/json/LongFast/!a1b2c3d4", true},
		{"msh/+/2/json/#", "msh/EU_868/2/json/LongFast/!a1b2c3d4", true},
		{"msh/+/2/json/+", "msh/EU_868/2/json/LongFast/!a1b2c3d4", false},
		{"msh/#", "msh", true},
		{"#", "$SYS/uptime", false},
		{"msh/US/#", "msh/EU_868/2", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchTopic(tc.filter, tc.topic), "%s vs %s", tc.filter, tc.topic)
	}

	assert.NoError(t, ValidateFilter("msh/+/2/json/#"))
	assert.Error(t, ValidateFilter("msh/#/json"))
	assert.Error(t, ValidateFilter("msh/ab+/json"))
	assert.Error(t, ValidateTopic("msh/+/x"))
}

func TestPublishReachesWildcardSubscriber(t *testing.T) {
	b := startBroker(t)

	sub, err := connectClient(t, b, "sub", "", "")
	require.NoError(t, err)

	received := make(chan mqtt.Message, 1)
	token := sub.Subscribe("msh/+/2/json/#", 0, func(_ mqtt.Client, m mqtt.Message) {
		received <- m
	})
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())

	var handled PublishMessage
	handledCh := make(chan struct{})
	b.SetPublishHandler(func(_ context.Context, msg PublishMessage) {
		handled = msg
		close(handledCh)
	})

	pub, err := connectClient(t, b, "pub", "", "")
	require.NoError(t, err)
	pt := pub.Publish("msh/EU_868/2/json/LongFast/!a1b2c3d4", 0, false, []byte(`{"type":"text"}`))
	require.True(t, pt.WaitTimeout(2*time.Second))

	select {
	case m := <-received:
		assert.Equal(t, "msh/EU_868/2/json/LongFast/!a1b2c3d4", m.Topic())
		assert.JSONEq(t, `{"type":"text"}`, string(m.Payload()))
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber did not receive publish")
	}

	<-handledCh
	assert.Equal(t, "pub", handled.ClientID)

	n, err := b.Publish("msh/EU_868/2/json/LongFast/!00000001", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCredentialsAreEnforced(t *testing.T) {
	b := startBroker(t, WithCredentials("gw", "secret"))

	_, err := connectClient(t, b, "bad", "gw", "wrong")
	require.Error(t, err)

	_, err = connectClient(t, b, "good", "gw", "secret")
	require.NoError(t, err)
}

func TestDropClientsSignalsConnectionLoss(t *testing.T) {
	b := startBroker(t)

	lost := make(chan error, 1)
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + b.Addr().String()).
		SetClientID("victim").
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { lost <- err })
	client := mqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, b.DropClients())

	select {
	case err := <-lost:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("connection loss not reported")
	}
}
