// Package hubitat is the connection to a Hubitat hub: the Maker API client,
// the shared device cache, the command lock and the event socket.
package hubitat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/hubitatd/internal/device"
)

// ClientConfig addresses a hub's Maker API instance.
type ClientConfig struct {
	Scheme  string // http or https
	Host    string
	AppID   string
	Token   string
	Timeout time.Duration

	// RateLimitRPS caps hub requests per second. Zero means unlimited.
	RateLimitRPS float64
}

// CommandResponse is the raw hub answer to a device command.
type CommandResponse struct {
	// URL is the request URL without the access token.
	URL    string
	Status int
	Body   []byte
}

// Client talks to the Maker API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new Maker API client
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimitRPS > 0 {
		burst := int(cfg.RateLimitRPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	return &Client{
		baseURL:    BaseURL(cfg.Scheme, cfg.Host, cfg.AppID),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
	}
}

// BaseURL returns the Maker API root of an app instance.
func BaseURL(scheme, host, appID string) string {
	return fmt.Sprintf("%s://%s/apps/api/%s", scheme, strings.TrimSuffix(host, "/"), url.PathEscape(appID))
}

// BaseURL returns the Maker API root this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	target := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target+"?access_token="+url.QueryEscape(c.token), nil)
	if err != nil {
		return nil, target, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The transport error repeats the URL, token included.
		return nil, target, fmt.Errorf("GET %s: %w", target, unwrapURLError(err))
	}
	return resp, target, nil
}

func unwrapURLError(err error) error {
	if uerr, ok := err.(*url.Error); ok {
		return uerr.Err
	}
	return err
}

// FetchDevices returns every device exposed to the Maker API instance.
func (c *Client) FetchDevices(ctx context.Context) ([]*device.Device, error) {
	resp, target, err := c.get(ctx, "/devices/all")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d: %s", target, resp.StatusCode, string(body))
	}

	devices, err := device.ParseList(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse devices: %w", err)
	}
	return devices, nil
}

// ExecuteCommand sends "<command>[/<args>]" to a device. args is the
// unescaped argument string. The status is returned, not interpreted.
func (c *Client) ExecuteCommand(ctx context.Context, deviceID, command, args string) (*CommandResponse, error) {
	path := "/devices/" + url.PathEscape(deviceID) + "/" + url.PathEscape(command)
	if args != "" {
		path += "/" + url.PathEscape(args)
	}

	resp, target, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response of %s: %w", target, err)
	}

	log.Debug().
		Str("device", deviceID).
		Str("command", command).
		Str("args", args).
		Int("status", resp.StatusCode).
		Msg("Hub command executed")

	return &CommandResponse{URL: target, Status: resp.StatusCode, Body: body}, nil
}
