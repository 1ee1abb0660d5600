package alert

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/water.report/internal/reading"
	"github.com/banshee-data/water.report/internal/retry"
	"github.com/banshee-data/water.report/internal/units"
)

//go:embed templates/*
var templateFS embed.FS

var alertTemplate = template.Must(template.ParseFS(templateFS, "templates/alert.html.tmpl"))

// Subject is the subject line of every alert email.
const Subject = "URGENT: Water Contamination Alert"

// SMTPConfig describes the outgoing mail server and the alert recipients.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	Site     string
}

// Configured reports whether enough settings are present to send mail.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.From != "" && len(c.To) > 0
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier emails an HTML alert. smtp.SendMail upgrades the connection
// with STARTTLS when the server offers it.
type SMTPNotifier struct {
	cfg  SMTPConfig
	send SendFunc
}

func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Site == "" {
		cfg.Site = "Water Quality Monitoring System"
	}
	return &SMTPNotifier{cfg: cfg, send: smtp.SendMail}
}

// WithSendFunc replaces the transport, for tests.
func (s *SMTPNotifier) WithSendFunc(f SendFunc) *SMTPNotifier {
	s.send = f
	return s
}

func (s *SMTPNotifier) Name() string { return "smtp" }

func (s *SMTPNotifier) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := s.Message(n)
	if err != nil {
		return retry.NonRetryable(err)
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := s.send(addr, auth, s.cfg.From, s.cfg.To, msg); err != nil {
		// permanent SMTP replies (bad credentials, rejected recipient) will not
		// succeed on retry
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) && tpErr.Code >= 500 {
			return retry.NonRetryable(fmt.Errorf("%w: %v", ErrNotificationFailed, err))
		}
		return fmt.Errorf("%w: %v", ErrNotificationFailed, err)
	}
	return nil
}

type emailRow struct {
	Name  string
	Value string
	Range string
	Safe  bool
}

type emailData struct {
	ID          string
	Site        string
	Consecutive int
	DetectedAt  string
	SequenceID  uint64
	Source      reading.Source
	Confidence  float64
	Rows        []emailRow
}

// Message renders the full RFC 5322 message, headers included.
func (s *SMTPNotifier) Message(n Notification) ([]byte, error) {
	data := emailData{
		ID:          n.ID,
		Site:        s.cfg.Site,
		Consecutive: n.Streak.ConsecutiveUnsafe,
		DetectedAt:  n.CreatedAt.Format("2006-01-02 15:04:05 MST"),
		SequenceID:  n.Reading.SequenceID,
		Source:      n.Reading.Source,
		Confidence:  n.Verdict.Confidence * 100,
	}
	for _, sensor := range reading.Sensors {
		band := n.Bands[sensor]
		data.Rows = append(data.Rows, emailRow{
			Name:  sensor.String(),
			Value: units.Format(sensor, n.Reading.Values[sensor]),
			Range: units.FormatRange(sensor, band.Min, band.Max),
			Safe:  n.Verdict.Flags[sensor],
		})
	}

	var body bytes.Buffer
	if err := alertTemplate.Execute(&body, data); err != nil {
		return nil, fmt.Errorf("render alert email: %w", err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(s.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", Subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", n.CreatedAt.Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "Message-ID: <%s@water.report>\r\n", n.ID)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}
