package checks

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bytemomo/warden/internal/domain"
)

// WebServerParams configures WebServer.
type WebServerParams struct {
	// URL to inspect. Default: https://<target address>/.
	URL string `yaml:"url"`
	// Timeout bounds each request. Default: 10s.
	Timeout time.Duration `yaml:"timeout"`
}

type headerRule struct {
	Header         string
	Category       string
	Severity       domain.Severity
	TLSOnly        bool
	Recommendation string
}

var securityHeaders = []headerRule{
	{"Strict-Transport-Security", CategoryWebServer, domain.SeverityMedium, true, "Send Strict-Transport-Security: max-age=31536000; includeSubDomains."},
	{"Content-Security-Policy", CategoryWebApplication, domain.SeverityMedium, false, "Define a Content-Security-Policy restricting script sources."},
	{"X-Frame-Options", CategoryWebApplication, domain.SeverityMedium, false, "Send X-Frame-Options: DENY or SAMEORIGIN."},
	{"X-Content-Type-Options", CategoryWebApplication, domain.SeverityLow, false, "Send X-Content-Type-Options: nosniff."},
}

// WebServer checks the TLS setup and response headers of the target's web
// server.
type WebServer struct {
	Params WebServerParams
}

func NewWebServer() *WebServer { return &WebServer{} }

func (c *WebServer) Name() string { return "web_server" }
func (c *WebServer) Categories() []string {
	return []string{CategoryWebServer, CategoryTLS, CategoryWebApplication}
}
func (c *WebServer) Describe() string {
	return "Checks TLS versions and security headers of the web server"
}

func (c *WebServer) Run(ctx context.Context, target domain.Target) ([]domain.Finding, error) {
	raw := c.Params.URL
	if raw == "" {
		if target.Address == "" {
			return nil, domain.Unavailable(c.Name(), "target has no network address")
		}
		raw = "https://" + target.Address + "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", raw)
	}
	timeout := c.Params.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	// Certificate validity is not inspected by this checker.
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", domain.ToolName)
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return nil, domain.Unavailable(c.Name(), "no web server listening on "+u.Host)
		}
		return nil, fmt.Errorf("request %s: %w", u.Redacted(), err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	evidence := func(extra map[string]any) map[string]any {
		m := map[string]any{"url": u.Redacted()}
		for k, v := range extra {
			m[k] = v
		}
		return m
	}

	var out []domain.Finding
	if resp.TLS == nil {
		out = append(out, domain.Finding{
			Category:       CategoryTLS,
			Severity:       domain.SeverityHigh,
			Title:          "Web server does not use TLS",
			Description:    "Traffic to " + u.Host + " is sent in clear text.",
			Recommendation: "Serve the site over HTTPS and redirect plain HTTP.",
			Evidence:       evidence(nil),
		})
	} else {
		if resp.TLS.Version < tls.VersionTLS12 {
			out = append(out, domain.Finding{
				Category:       CategoryTLS,
				Severity:       domain.SeverityHigh,
				Title:          "Web server negotiated " + tls.VersionName(resp.TLS.Version),
				Description:    "The preferred protocol version is older than TLS 1.2.",
				Recommendation: "Enable TLS 1.2 and 1.3 and disable older versions.",
				Evidence:       evidence(map[string]any{"version": tls.VersionName(resp.TLS.Version)}),
			})
		}
		if legacy, ok := acceptsLegacyTLS(ctx, u, timeout); ok {
			out = append(out, domain.Finding{
				Category:       CategoryTLS,
				Severity:       domain.SeverityHigh,
				Title:          "Web server accepts " + legacy,
				Description:    "Clients can still negotiate a deprecated TLS version.",
				Recommendation: "Set the minimum protocol version to TLS 1.2.",
				Evidence:       evidence(map[string]any{"version": legacy}),
			})
		}
	}

	for _, h := range securityHeaders {
		if h.TLSOnly && resp.TLS == nil {
			continue
		}
		if resp.Header.Get(h.Header) != "" {
			continue
		}
		out = append(out, domain.Finding{
			Category:       h.Category,
			Severity:       h.Severity,
			Title:          "Missing " + h.Header + " header",
			Description:    "Responses from " + u.Host + " do not set " + h.Header + ".",
			Recommendation: h.Recommendation,
			Evidence:       evidence(map[string]any{"header": h.Header}),
		})
	}

	if server := resp.Header.Get("Server"); strings.ContainsAny(server, "0123456789") {
		out = append(out, domain.Finding{
			Category:       CategoryWebServer,
			Severity:       domain.SeverityLow,
			Title:          "Server header discloses version",
			Description:    "The Server header reveals " + server + ".",
			Recommendation: "Hide version details (e.g. server_tokens off / ServerTokens Prod).",
			Evidence:       evidence(map[string]any{"server": server}),
		})
	}
	return out, nil
}

// acceptsLegacyTLS attempts a handshake limited to TLS 1.0/1.1.
func acceptsLegacyTLS(ctx context.Context, u *url.URL, timeout time.Duration) (string, bool) {
	if u.Scheme != "https" {
		return "", false
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "443")
	}
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config: &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS10,
			MaxVersion:         tls.VersionTLS11,
		},
	}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return "", false
	}
	defer conn.Close()
	return tls.VersionName(conn.(*tls.Conn).ConnectionState().Version), true
}
