package cupsclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	goipp "github.com/OpenPrinting/goipp"
)

// DefaultIdleTimeout bounds dialing, response headers and idle keep-alive
// connections to the scheduler.
const DefaultIdleTimeout = 5 * time.Second

// Client talks IPP to a CUPS scheduler over TCP or its local domain socket.
// Each Client owns its own transport; use Clone to get an independent
// connection to the same server.
type Client struct {
	Host               string
	Port               int
	Socket             string
	UseTLS             bool
	User               string
	Password           string
	InsecureSkipVerify bool
	IdleTimeout        time.Duration
	RequestTimeout     time.Duration

	mu   sync.Mutex
	http *http.Client
}

type ClientOption func(*Client)

func WithServer(server string) ClientOption {
	return func(c *Client) {
		if strings.TrimSpace(server) == "" {
			return
		}
		host, port, socket, useTLS := parseServer(server)
		if socket != "" {
			c.Socket = socket
			c.Host = "localhost"
			c.UseTLS = false
			return
		}
		if host != "" {
			c.Host = host
			c.Socket = ""
		}
		if port > 0 {
			c.Port = port
		}
		if useTLS {
			c.UseTLS = true
		}
	}
}

func WithTLS(enable bool) ClientOption {
	return func(c *Client) {
		if enable {
			c.UseTLS = true
		}
	}
}

func WithUser(user string) ClientOption {
	return func(c *Client) {
		if strings.TrimSpace(user) != "" {
			c.User = user
		}
	}
}

func WithPassword(password string) ClientOption {
	return func(c *Client) {
		if password != "" {
			c.Password = password
		}
	}
}

func WithIdleTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.IdleTimeout = d
		}
	}
}

func NewFromConfig(opts ...ClientOption) *Client {
	settings := loadClientSettings()
	client := &Client{
		Host:               settings.host,
		Port:               settings.port,
		Socket:             settings.socket,
		UseTLS:             settings.useTLS,
		User:               settings.user,
		Password:           settings.password,
		InsecureSkipVerify: settings.insecureSkipVerify,
		IdleTimeout:        DefaultIdleTimeout,
		RequestTimeout:     60 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	if client.Host == "" {
		client.Host = "localhost"
	}
	if client.Port == 0 {
		client.Port = defaultIPPPort()
	}
	return client
}

// Clone returns a client for the same server with its own connection pool.
func (c *Client) Clone() *Client {
	return &Client{
		Host:               c.Host,
		Port:               c.Port,
		Socket:             c.Socket,
		UseTLS:             c.UseTLS,
		User:               c.User,
		Password:           c.Password,
		InsecureSkipVerify: c.InsecureSkipVerify,
		IdleTimeout:        c.IdleTimeout,
		RequestTimeout:     c.RequestTimeout,
	}
}

// Close drops any idle connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	hc := c.http
	c.http = nil
	c.mu.Unlock()
	if hc != nil {
		hc.CloseIdleConnections()
	}
}

func (c *Client) PrinterURI(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "ipp://localhost/printers/"
	}
	return "ipp://localhost/printers/" + url.PathEscape(name)
}

func (c *Client) ippURLForPath(path string) string {
	scheme := "http"
	if c.UseTLS {
		scheme = "https"
	}
	if path == "" {
		path = "/"
	}
	return scheme + "://" + c.Host + ":" + strconv.Itoa(c.Port) + path
}

func (c *Client) httpClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http != nil {
		return c.http
	}
	idle := c.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	dialer := &net.Dialer{Timeout: idle}
	transport := &http.Transport{
		TLSClientConfig:       tlsConfig(c),
		IdleConnTimeout:       idle,
		ResponseHeaderTimeout: idle,
		MaxIdleConnsPerHost:   1,
		DialContext:           dialer.DialContext,
	}
	if c.Socket != "" {
		socket := c.Socket
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socket)
		}
	}
	c.http = &http.Client{Transport: transport}
	return c.http
}

func ippPathForOp(op goipp.Op) string {
	switch op {
	case goipp.OpCancelJob,
		goipp.OpGetJobs,
		goipp.OpGetJobAttributes,
		goipp.OpCreateJobSubscriptions,
		goipp.OpGetNotifications:
		return "/jobs/"
	case goipp.OpPrintJob,
		goipp.OpCreateJob,
		goipp.OpSendDocument,
		goipp.OpValidateJob:
		return "/ipp/print"
	default:
		return "/"
	}
}

// Send posts msg, followed by data when non-nil, and decodes the IPP
// response. Requests are bounded by RequestTimeout unless data is
// attached, in which case only ctx bounds them.
func (c *Client) Send(ctx context.Context, msg *goipp.Message, data io.Reader) (*goipp.Message, error) {
	if msg == nil {
		return nil, errors.New("missing ipp message")
	}
	payload, err := msg.EncodeBytes()
	if err != nil {
		return nil, err
	}
	body := io.Reader(bytes.NewBuffer(payload))
	if data != nil {
		body = io.MultiReader(bytes.NewBuffer(payload), data)
	} else if c.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ippURLForPath(ippPathForMessage(msg)), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", goipp.ContentType)
	req.Header.Set("Accept", goipp.ContentType)
	if c.User != "" && c.Password != "" {
		req.SetBasicAuth(c.User, c.Password)
	}

	resp, err := c.httpClient().Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, errors.New(resp.Status)
	}
	out := &goipp.Message{}
	if err := out.Decode(resp.Body); err != nil {
		return nil, err
	}
	return out, nil
}

// Fetch performs a plain GET against the scheduler, used for resources
// such as printer string catalogs. Relative and ipp:// URIs resolve against
// the configured server.
func (c *Client) Fetch(ctx context.Context, uri string) ([]byte, error) {
	target := strings.TrimSpace(uri)
	if target == "" {
		return nil, errors.New("missing uri")
	}
	if p, ok := ippResourcePathFromURI(target); ok && (c.Socket != "" || !strings.HasPrefix(target, "http")) {
		target = c.ippURLForPath(p)
	}
	if c.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.RequestTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient().Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("GET %s: %s", uri, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func tlsConfig(c *Client) *tls.Config {
	skipVerify := false
	if c != nil {
		skipVerify = c.InsecureSkipVerify
	}
	if insecure, ok := parseBoolEnv("CUPS_IPP_INSECURE"); ok {
		skipVerify = insecure
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: skipVerify}
}

func ippPathForMessage(msg *goipp.Message) string {
	if msg == nil {
		return "/"
	}
	op := goipp.Op(msg.Code)
	defaultPath := ippPathForOp(op)
	if defaultPath == "/jobs/" {
		return defaultPath
	}
	if ippPathPinnedToRoot(op) {
		return "/"
	}
	if p, ok := ippResourcePathFromURI(attrString(msg.Operation, "printer-uri")); ok {
		return p
	}
	return defaultPath
}

func ippPathPinnedToRoot(op goipp.Op) bool {
	switch op {
	case goipp.OpCupsGetPrinters,
		goipp.OpCupsGetDefault,
		goipp.OpCreatePrinterSubscriptions,
		goipp.OpRenewSubscription,
		goipp.OpCancelSubscription:
		return true
	default:
		return false
	}
}

func ippResourcePathFromURI(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	path := strings.TrimSpace(u.Path)
	if path == "" {
		return "", false
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path, true
}
