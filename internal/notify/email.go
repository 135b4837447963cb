// Package notify implements the alert transports: email, MQTT and a log sink.
package notify

import (
	"bytes"
	"context"
	"html/template"
	"time"

	"github.com/wneessen/go-mail"

	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/alert"
)

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string // defaults to Username
	To       []string
	Timeout  time.Duration
}

// Email sends alerts over SMTP with STARTTLS, attaching the snapshot.
type Email struct {
	cfg    EmailConfig
	client *mail.Client
	send   func(ctx context.Context, m *mail.Msg) error
}

// NewEmail validates cfg and prepares an SMTP client. No connection is made until
// the first alert.
func NewEmail(cfg EmailConfig) (*Email, error) {
	if cfg.Host == "" || cfg.Username == "" || cfg.Password == "" || len(cfg.To) == 0 {
		return nil, apperrors.New(apperrors.ConfigInvalid, "email alerts need host, username, password and recipients")
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultSMTPPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSMTPTimeout
	}

	client, err := mail.NewClient(cfg.Host,
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSMandatory),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
		mail.WithTimeout(cfg.Timeout),
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ConfigInvalid, "create smtp client")
	}

	e := &Email{cfg: cfg, client: client}
	e.send = func(ctx context.Context, m *mail.Msg) error {
		return e.client.DialAndSendWithContext(ctx, m)
	}
	return e, nil
}

func (e *Email) Name() string { return "email" }

// Notify builds and sends one message.
func (e *Email) Notify(ctx context.Context, ev alert.Event) error {
	m, err := e.message(ev)
	if err != nil {
		return err
	}
	if err := e.send(ctx, m); err != nil {
		return apperrors.Wrapf(err, apperrors.DeliveryFailed, "smtp send via %s", e.cfg.Host)
	}
	return nil
}

func (e *Email) message(ev alert.Event) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(e.cfg.From); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ConfigInvalid, "invalid sender")
	}
	if err := m.To(e.cfg.To...); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ConfigInvalid, "invalid recipient")
	}
	m.Subject(ev.Subject())
	m.SetDate()
	m.SetMessageID()

	var body bytes.Buffer
	if err := emailBody.Execute(&body, bodyData{
		Kind:     string(ev.Kind),
		Time:     ev.Time.Format("2006-01-02 15:04:05"),
		Message:  ev.Message,
		HasFrame: len(ev.Frame) > 0,
	}); err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "render email body")
	}
	m.SetBodyString(mail.TypeTextHTML, body.String())

	if len(ev.Frame) > 0 {
		if err := m.AttachReader("snapshot.jpg", bytes.NewReader(ev.Frame)); err != nil {
			return nil, apperrors.Wrap(err, apperrors.Internal, "attach snapshot")
		}
	}
	return m, nil
}

type bodyData struct {
	Kind     string
	Time     string
	Message  string
	HasFrame bool
}

var emailBody = template.Must(template.New("alert").Parse(`<html><body>
<h2 style="color:#c0392b">Security Alert</h2>
<p><b>Type:</b> {{.Kind}}</p>
<p><b>Time:</b> {{.Time}}</p>
<p><b>Details:</b> {{.Message}}</p>
{{if .HasFrame}}<p>A snapshot is attached.</p>{{end}}
<hr><p style="color:#888;font-size:12px">Sent by watchtower</p>
</body></html>`))
