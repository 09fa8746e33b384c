package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"bytemomo/warden/internal/domain"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Header names set on HTTP deliveries.
const (
	HeaderSignature    = "X-Warden-Signature"
	HeaderSignature256 = "X-Warden-Signature-256"
	HeaderEvent        = "X-Warden-Event"
	HeaderDelivery     = "X-Warden-Delivery"
	HeaderAttempt      = "X-Warden-Attempt"
)

// Transport performs one delivery attempt. ctx carries the attempt's timeout.
// The returned status code is zero for non-HTTP transports.
type Transport interface {
	Send(ctx context.Context, sink domain.Sink, env Envelope) (int, error)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// HTTPTransport posts to webhook and chat sinks.
type HTTPTransport struct {
	Client    *http.Client
	UserAgent string
}

// NewHTTPTransport returns a transport whose client relies on the per-attempt
// context for timeouts.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		Client:    &http.Client{},
		UserAgent: domain.ToolName + "-notifier",
	}
}

func (t *HTTPTransport) Send(ctx context.Context, sink domain.Sink, env Envelope) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sink.URL, bytes.NewReader(env.Body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", env.ContentType)
	req.Header.Set("User-Agent", t.UserAgent)
	for key, value := range sink.Headers {
		req.Header.Set(key, value)
	}
	if sink.Secret != "" {
		sig := Sign(sink.Secret, env.Body)
		req.Header.Set(HeaderSignature, sig)
		req.Header.Set(HeaderSignature256, "sha256="+sig)
	}
	req.Header.Set(HeaderEvent, string(env.Event))
	req.Header.Set(HeaderDelivery, env.DeliveryID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(env.Attempt))

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1000))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("non-success status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp.StatusCode, nil
}

// SMTPTransport mails deliveries to email sinks. sink.URL is host:port, with
// an optional smtp:// prefix.
type SMTPTransport struct {
	Dialer net.Dialer
	// TLSConfig is used for STARTTLS when the server offers it.
	TLSConfig *tls.Config
}

func (t *SMTPTransport) Send(ctx context.Context, sink domain.Sink, env Envelope) (int, error) {
	addr := strings.TrimPrefix(sink.URL, "smtp://")
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid smtp address %q: %w", sink.URL, err)
	}

	conn, err := t.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return 0, fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		cfg := t.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: host}
		}
		if err := c.StartTLS(cfg); err != nil {
			return 0, fmt.Errorf("starttls: %w", err)
		}
	}
	if sink.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", sink.Username, sink.Password, host)); err != nil {
			return 0, fmt.Errorf("smtp auth: %w", err)
		}
	}

	from := sink.From
	if from == "" {
		from = domain.ToolName + "@localhost"
	}
	if err := c.Mail(from); err != nil {
		return 0, fmt.Errorf("smtp mail: %w", err)
	}
	for _, rcpt := range sink.Recipients {
		if err := c.Rcpt(rcpt); err != nil {
			return 0, fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return 0, fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(mailMessage(from, sink.Recipients, env)); err != nil {
		return 0, fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("smtp close: %w", err)
	}
	return 0, c.Quit()
}

func mailMessage(from string, to []string, env Envelope) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", env.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: %s\r\n", env.ContentType)
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderDelivery, env.DeliveryID)
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderEvent, env.Event)
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(string(env.Body), "\n", "\r\n"))
	return b.Bytes()
}

// MQTTTransport publishes deliveries to a broker topic. Each attempt opens
// its own connection.
type MQTTTransport struct {
	ClientID string
}

func (t *MQTTTransport) Send(ctx context.Context, sink domain.Sink, env Envelope) (int, error) {
	timeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	clientID := t.ClientID
	if clientID == "" {
		clientID = domain.ToolName
	}
	opts := mqtt.NewClientOptions().
		AddBroker(sink.URL).
		SetClientID(clientID + "-" + shortID(env.DeliveryID)).
		SetProtocolVersion(4).
		SetConnectTimeout(timeout).
		SetAutoReconnect(false).
		SetConnectRetry(false)
	if sink.Username != "" {
		opts.SetUsername(sink.Username)
		opts.SetPassword(sink.Password)
	}

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return 0, fmt.Errorf("mqtt connect: %w", err)
	}
	defer client.Disconnect(250)

	if err := wait(ctx, client.Publish(sink.Topic, sink.QoS, false, env.Body)); err != nil {
		return 0, fmt.Errorf("mqtt publish: %w", err)
	}
	return 0, nil
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// isTimeout reports whether err came from an attempt running out of time.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
