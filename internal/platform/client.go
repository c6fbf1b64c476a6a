package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zetapush/zetapush-log-server/internal/model"
	"golang.org/x/net/publicsuffix"
)

// Credentials are the developer credentials used both for the session login
// and, serialized as JSON, for the X-Authorization header of debug requests.
type Credentials struct {
	APIURL   string `json:"apiUrl,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// APIURL is the platform base URL (e.g. "https://api.zpush.io").
	APIURL      string
	SandboxID   string
	Credentials Credentials
	// DebugMethod is the HTTP method of the debug-enable call. Default POST.
	DebugMethod string
	// HTTPClient is used for all requests. A cookie jar is attached when it
	// has none. If nil, a client with a 30s timeout is created.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client talks to the sandbox platform over HTTP. The session cookie set by
// Login is kept in the client's jar and sent with every later call.
type Client struct {
	baseURL     string
	sandboxID   string
	credentials Credentials
	debugMethod string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient validates the configuration and creates a Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.APIURL == "" {
		return nil, fmt.Errorf("platform: APIURL is required")
	}
	if _, err := url.Parse(config.APIURL); err != nil {
		return nil, fmt.Errorf("platform: invalid APIURL %q: %w", config.APIURL, err)
	}
	if config.SandboxID == "" {
		return nil, fmt.Errorf("platform: SandboxID is required")
	}

	var httpClient http.Client
	if config.HTTPClient != nil {
		httpClient = *config.HTTPClient
	} else {
		httpClient.Timeout = 30 * time.Second
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("platform: creating cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}

	method := strings.ToUpper(config.DebugMethod)
	if method == "" {
		method = http.MethodPost
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	credentials := config.Credentials
	if credentials.APIURL == "" {
		credentials.APIURL = config.APIURL
	}

	return &Client{
		baseURL:     strings.TrimRight(config.APIURL, "/"),
		sandboxID:   config.SandboxID,
		credentials: credentials,
		debugMethod: method,
		httpClient:  &httpClient,
		logger:      logger,
	}, nil
}

// SandboxID returns the sandbox this client is bound to.
func (c *Client) SandboxID() string { return c.sandboxID }

// Logout ends the current session, if any.
func (c *Client) Logout(ctx context.Context) error {
	resp, err := c.do(ctx, "logout", http.MethodGet, c.baseURL+"/zbo/auth/logout", nil, nil)
	if err != nil {
		return authError("logout", err)
	}
	drain(resp.Body)
	return nil
}

// Login opens a session with the configured credentials.
func (c *Client) Login(ctx context.Context) error {
	body := Credentials{Username: c.credentials.Username, Password: c.credentials.Password}
	resp, err := c.do(ctx, "login", http.MethodPost, c.baseURL+"/zbo/auth/login", body, nil)
	if err != nil {
		return authError("login", err)
	}
	drain(resp.Body)
	c.logger.Info("logged in to platform", "username", c.credentials.Username)
	return nil
}

// Authenticate logs out then logs in. A logout failure is only logged: a
// missing or expired session is the usual cause.
func (c *Client) Authenticate(ctx context.Context) error {
	if err := c.Logout(ctx); err != nil {
		c.logger.Warn("logout before login failed", "error", err)
	}
	return c.Login(ctx)
}

// ListServices enumerates the services of the client's sandbox.
func (c *Client) ListServices(ctx context.Context) ([]model.ServiceID, error) {
	return c.ListServicesIn(ctx, c.sandboxID)
}

// ListServicesIn fetches every page of the sandbox directory, in order,
// and returns the deployment ids of the macro services. Any failed page
// aborts the whole enumeration.
func (c *Client) ListServicesIn(ctx context.Context, sandboxID string) ([]model.ServiceID, error) {
	var entries []model.DirectoryEntry
	pageNumber := 0
	for {
		page, err := c.FetchPage(ctx, sandboxID, pageNumber)
		if err != nil {
			return nil, err
		}
		entries = append(entries, page.Content...)
		if page.IsLast {
			break
		}
		next := page.PageNumber + 1
		if next <= pageNumber {
			return nil, &TransportError{
				Op:  "list items",
				URL: c.pageURL(sandboxID, pageNumber),
				Err: fmt.Errorf("pagination did not advance past page %d", page.PageNumber),
			}
		}
		pageNumber = next
	}

	var services []model.ServiceID
	for _, entry := range entries {
		if entry.IsService() {
			services = append(services, entry.DeploymentID)
		}
	}
	c.logger.Debug("listed sandbox services",
		"sandbox_id", sandboxID,
		"pages", pageNumber+1,
		"items", len(entries),
		"services", len(services),
	)
	return services, nil
}

// FetchPage requests one page of the sandbox directory.
func (c *Client) FetchPage(ctx context.Context, sandboxID string, pageNumber int) (*model.Page, error) {
	u := c.pageURL(sandboxID, pageNumber)
	resp, err := c.do(ctx, "list items", http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp.Body)

	var page model.Page
	if err := DecodeResponse(resp.Body, &page); err != nil {
		return nil, &TransportError{Op: "list items", URL: u, Err: fmt.Errorf("decoding page %d: %w", pageNumber, err)}
	}
	return &page, nil
}

func (c *Client) pageURL(sandboxID string, pageNumber int) string {
	return c.baseURL + "/zbo/orga/item/list/" + url.PathEscape(sandboxID) + "?page=" + strconv.Itoa(pageNumber)
}

// Servers returns the servers currently hosting the sandbox.
func (c *Client) Servers(ctx context.Context) ([]model.Server, error) {
	u := c.baseURL + "/zbo/pub/business/" + url.PathEscape(c.sandboxID)
	resp, err := c.do(ctx, "get servers", http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp.Body)

	var body struct {
		Servers []model.Server `json:"servers"`
	}
	if err := DecodeResponse(resp.Body, &body); err != nil {
		return nil, &TransportError{Op: "get servers", URL: u, Err: fmt.Errorf("decoding server list: %w", err)}
	}
	return body.Servers, nil
}

// ServerURLs is Servers as plain strings, for the realtime transport.
func (c *Client) ServerURLs(ctx context.Context) ([]string, error) {
	servers, err := c.Servers(ctx)
	if err != nil {
		return nil, err
	}
	urls := make([]string, len(servers))
	for i, s := range servers {
		urls[i] = string(s)
	}
	return urls, nil
}

// EnableDebugOn turns on trace instrumentation for one service on one server.
func (c *Client) EnableDebugOn(ctx context.Context, server model.Server, service model.ServiceID) error {
	u := strings.TrimRight(string(server), "/") + "/rest/deployed/" +
		url.PathEscape(c.sandboxID) + "/" + url.PathEscape(string(service)) + "/debug/enable"

	auth, err := json.Marshal(c.credentials)
	if err != nil {
		return fmt.Errorf("platform: encoding credentials: %w", err)
	}
	header := http.Header{}
	header.Set("X-Authorization", string(auth))

	resp, err := c.do(ctx, "enable debug", c.debugMethod, u, nil, header)
	if err != nil {
		return err
	}
	drain(resp.Body)
	return nil
}

// do sends a request and returns the response when the status is 2xx. Any
// other outcome is a *TransportError; the body is already consumed.
func (c *Client) do(ctx context.Context, op, method, u string, body any, header http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("platform: encoding %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, &TransportError{Op: op, URL: u, Err: err}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, URL: u, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer drain(resp.Body)
		return nil, &TransportError{
			Op:         op,
			URL:        u,
			StatusCode: resp.StatusCode,
			Body:       ErrorBody(resp.Body),
		}
	}
	return resp, nil
}

func authError(op string, err error) error {
	authErr := &AuthenticationError{Op: op, Err: err}
	if transportErr, ok := err.(*TransportError); ok {
		authErr.StatusCode = transportErr.StatusCode
	}
	return authErr
}
