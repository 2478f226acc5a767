package notify

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/sony/gobreaker/v2"

	"github.com/btouchard/teamsphere/internal/config"
)

// SendFunc submits a composed message. It matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier mails the recipient of selected notification kinds. Sends go
// through a circuit breaker so a dead SMTP relay is not hammered.
type EmailNotifier struct {
	cfg     config.EmailConfig
	events  map[string]bool
	addr    string
	auth    smtp.Auth
	send    SendFunc
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewEmailNotifier creates an EmailNotifier from cfg.
func NewEmailNotifier(cfg config.EmailConfig) *EmailNotifier {
	events := make(map[string]bool, len(cfg.Events))
	for _, e := range cfg.Events {
		events[e] = true
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.SMTPHost)
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	return &EmailNotifier{
		cfg:    cfg,
		events: events,
		addr:   net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort)),
		auth:   auth,
		send:   smtp.SendMail,
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "smtp",
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("email circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// SetSendFunc replaces the SMTP transport.
func (n *EmailNotifier) SetSendFunc(fn SendFunc) {
	n.send = fn
}

// Notify mails event.Recipient when the event kind is enabled.
func (n *EmailNotifier) Notify(event Event) {
	if !n.events[event.Kind] || event.Recipient == "" {
		return
	}

	msg, err := n.compose(event)
	if err != nil {
		slog.Error("composing email", "identity", event.Recipient, "kind", event.Kind, "error", err)
		return
	}

	_, err = n.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, n.send(n.addr, n.auth, n.cfg.From, []string{event.Recipient}, msg)
	})
	if err != nil {
		slog.Warn("email not sent", "identity", event.Recipient, "kind", event.Kind, "error", err)
		return
	}

	slog.Info("email sent", "identity", event.Recipient, "kind", event.Kind)
}

func (n *EmailNotifier) compose(event Event) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: n.cfg.FromName, Address: n.cfg.From}})
	h.SetAddressList("To", []*mail.Address{{Address: event.Recipient}})
	h.SetSubject(subject(event))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generating message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating writer: %w", err)
	}
	if _, err := io.WriteString(w, body(event)); err != nil {
		return nil, fmt.Errorf("writing body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing writer: %w", err)
	}
	return buf.Bytes(), nil
}

func subject(e Event) string {
	switch e.Kind {
	case "task_created":
		return "New Task Assigned: " + e.TaskTitle
	case "task_updated":
		return "Task Updated: " + e.TaskTitle
	case "donation_pool":
		return "New Donation Pool"
	case "donation_received":
		return "Donation Received"
	default:
		return "TeamSphere Notification"
	}
}

func body(e Event) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Hello,\r\n\r\n%s\r\n", e.Message)
	if e.BoardName != "" {
		fmt.Fprintf(&b, "\r\nBoard: %s\r\n", e.BoardName)
	}
	if e.Status != "" {
		fmt.Fprintf(&b, "Status: %s\r\n", e.Status)
	}
	if e.Actor != "" {
		fmt.Fprintf(&b, "\r\nFrom: %s\r\n", e.Actor)
	}
	return b.String()
}
