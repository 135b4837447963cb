package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"

	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/alert"
)

func testEvent() alert.Event {
	return alert.Event{
		ID:      "a1",
		Kind:    alert.Motion,
		Time:    time.Date(2024, 3, 2, 10, 30, 0, 0, time.UTC),
		Frame:   []byte{0xff, 0xd8, 0xff, 0xd9},
		Message: "Motion detected (area: 2400px)",
	}
}

func testEmail(t *testing.T) *Email {
	t.Helper()
	e, err := NewEmail(EmailConfig{
		Host:     "smtp.example.com",
		Username: "cam@example.com",
		Password: "secret",
		To:       []string{"owner@example.com"},
	})
	require.NoError(t, err)
	return e
}

func TestNewEmailValidates(t *testing.T) {
	_, err := NewEmail(EmailConfig{Host: "smtp.example.com"})
	assert.True(t, apperrors.IsCode(err, apperrors.ConfigInvalid), "err = %v", err)
}

func TestEmailMessage(t *testing.T) {
	e := testEmail(t)
	m, err := e.message(testEvent())
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = m.WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.String()

	assert.Contains(t, raw, "Subject: Security Alert: motion detected")
	assert.Contains(t, raw, "owner@example.com")
	assert.Contains(t, raw, "cam@example.com")
	assert.Contains(t, raw, "text/html")
	assert.Contains(t, raw, "snapshot.jpg")
	assert.Contains(t, raw, "2024-03-02 10:30:00")
}

func TestEmailWithoutSnapshot(t *testing.T) {
	e := testEmail(t)
	ev := testEvent()
	ev.Frame = nil
	m, err := e.message(ev)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = m.WriteTo(&buf)
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "snapshot.jpg")
}

func TestEmailSendFailure(t *testing.T) {
	e := testEmail(t)
	var sent int
	e.send = func(context.Context, *mail.Msg) error {
		sent++
		return errors.New("535 authentication failed")
	}

	err := e.Notify(context.Background(), testEvent())
	assert.True(t, apperrors.IsCode(err, apperrors.DeliveryFailed), "err = %v", err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, "email", e.Name())
}

type fakeToken struct {
	done chan struct{}
	err  error
}

func newToken(err error, complete bool) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	if complete {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type fakeBroker struct {
	mu           sync.Mutex
	topic        string
	payload      []byte
	tok          mqtt.Token
	disconnected bool
}

func (b *fakeBroker) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topic = topic
	b.payload = payload.([]byte)
	return b.tok
}

func (b *fakeBroker) Disconnect(uint) { b.disconnected = true }

func TestMQTTPublish(t *testing.T) {
	b := &fakeBroker{tok: newToken(nil, true)}
	m := newMQTT(b, MQTTConfig{TopicPrefix: "home/cam"})

	require.NoError(t, m.Notify(context.Background(), testEvent()))
	assert.Equal(t, "home/cam/alerts/motion", b.topic)

	var got mqttPayload
	require.NoError(t, json.Unmarshal(b.payload, &got))
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, "motion", got.Kind)
	assert.Equal(t, testEvent().Frame, got.Snapshot)

	require.NoError(t, m.Close())
	assert.True(t, b.disconnected)
}

func TestMQTTDefaultPrefix(t *testing.T) {
	m := newMQTT(&fakeBroker{}, MQTTConfig{})
	assert.Equal(t, "watchtower/alerts/noise", m.Topic(alert.Noise))
}

func TestMQTTPublishError(t *testing.T) {
	b := &fakeBroker{tok: newToken(errors.New("not connected"), true)}
	m := newMQTT(b, MQTTConfig{})
	err := m.Notify(context.Background(), testEvent())
	assert.True(t, apperrors.IsCode(err, apperrors.DeliveryFailed), "err = %v", err)
}

func TestMQTTPublishRespectsContext(t *testing.T) {
	b := &fakeBroker{tok: newToken(nil, false)}
	m := newMQTT(b, MQTTConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Notify(ctx, testEvent())
	assert.True(t, apperrors.IsCode(err, apperrors.Timeout), "err = %v", err)
}

func TestNewMQTTRequiresBroker(t *testing.T) {
	_, err := NewMQTT(MQTTConfig{})
	assert.True(t, apperrors.IsCode(err, apperrors.ConfigInvalid))
}

type stubNotifier struct {
	name  string
	err   error
	calls int
}

func (s *stubNotifier) Name() string { return s.name }
func (s *stubNotifier) Notify(context.Context, alert.Event) error {
	s.calls++
	return s.err
}

func TestMultiPartialFailure(t *testing.T) {
	a := &stubNotifier{name: "email", err: errors.New("down")}
	b := &stubNotifier{name: "mqtt"}
	m := Multi{a, b}

	assert.Equal(t, "email+mqtt", m.Name())
	assert.NoError(t, m.Notify(context.Background(), testEvent()))
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestMultiAllFail(t *testing.T) {
	m := Multi{
		&stubNotifier{name: "email", err: errors.New("smtp down")},
		&stubNotifier{name: "mqtt", err: errors.New("broker down")},
	}
	err := m.Notify(context.Background(), testEvent())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "smtp down") && strings.Contains(err.Error(), "broker down"))
}

func TestLogNotifier(t *testing.T) {
	var n alert.Notifier = Log{}
	assert.Equal(t, "log", n.Name())
	assert.NoError(t, n.Notify(context.Background(), testEvent()))
}
