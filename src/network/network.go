package network

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"market-sync/src/helpers"
	"market-sync/src/interfaces"
	"market-sync/src/logger"
	"market-sync/src/models"
)

// -----------------------------------------------------------------------------
// AsyncNetworkManager is the shared HTTP layer for pull feeds: request
// timeout, proxy rotation on blocks, and a token-bucket request budget.
// Construct one per feed so each feed spends its own budget.
// -----------------------------------------------------------------------------

type AsyncNetworkManager struct {
	Config       *models.MConfig
	ProxyManager interfaces.IProxyManager
	Logger       *logger.Logger

	budget *requestBudget

	client   *http.Client
	clientMu sync.RWMutex
}

// -----------------------------------------------------------------------------

func NewAsyncNetworkManager(cfg *models.MConfig, log *logger.Logger) *AsyncNetworkManager {
	var proxies []string
	if cfg.Network.Enabled {
		proxies = cfg.Network.Proxies
	}

	nm := &AsyncNetworkManager{
		Config:       cfg,
		ProxyManager: helpers.NewProxyManager(proxies),
		Logger:       log,
		budget:       newRequestBudget(cfg.Network.RequestsPerMinute, cfg.Network.RequestsPerDay),
	}
	nm.client = nm.createClient()
	return nm
}

// -----------------------------------------------------------------------------

func (nm *AsyncNetworkManager) createClient() *http.Client {
	transport := &http.Transport{}

	if nm.ProxyManager.HasProxies() {
		proxyStr, err := nm.ProxyManager.GetCurrentProxy()
		if err == nil && proxyStr != "" {
			proxyURL, err := url.Parse(proxyStr)
			if err == nil {
				transport.Proxy = http.ProxyURL(proxyURL)
				// Free rotation proxies rarely carry valid certificates.
				transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
			}
		}
	}

	timeout := nm.Config.Network.RequestTimeout
	if timeout <= 0 {
		timeout = 10
	}
	return &http.Client{
		Transport: transport,
		Timeout:   time.Duration(timeout) * time.Second,
	}
}

// -----------------------------------------------------------------------------

func (nm *AsyncNetworkManager) httpClient() *http.Client {
	nm.clientMu.RLock()
	defer nm.clientMu.RUnlock()
	return nm.client
}

func (nm *AsyncNetworkManager) rotateProxy() {
	if !nm.ProxyManager.HasProxies() {
		return
	}

	nm.ProxyManager.RotateProxy()
	nm.clientMu.Lock()
	nm.client = nm.createClient()
	nm.clientMu.Unlock()
}

// -----------------------------------------------------------------------------

// Get performs a GET request with retries and proxy rotation. Every attempt
// spends one budget token; an exhausted budget fails fast instead of
// queueing, so a poll cycle is skipped rather than delayed.
func (nm *AsyncNetworkManager) Get(urlStr string, params map[string]string) ([]byte, error) {
	reqURL, err := url.Parse(urlStr)
	if err != nil {
		return nil, err
	}

	q := reqURL.Query()
	for k, v := range params {
		q.Add(k, v)
	}
	reqURL.RawQuery = q.Encode()
	finalURL := reqURL.String()

	maxRetries := nm.Config.Network.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if !nm.budget.Acquire(time.Now()) {
			return nil, helpers.NewFetchError("request budget exhausted", nil)
		}

		req, err := http.NewRequest("GET", finalURL, nil)
		if err != nil {
			return nil, err
		}
		ua := nm.Config.Network.UserAgent
		if ua == "" {
			ua = nm.ProxyManager.GetUserAgent()
		}
		req.Header.Set("User-Agent", ua)

		resp, err := nm.httpClient().Do(req)
		if err != nil {
			lastErr = err
			nm.Logger.Info("Request failed (attempt %d/%d): %v", i+1, maxRetries, err)
			time.Sleep(time.Duration(i*i) * time.Second)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			lastErr = fmt.Errorf("blocked (status %d)", resp.StatusCode)
			nm.Logger.Info("Request blocked (%d). Rotating proxy.", resp.StatusCode)
			nm.rotateProxy()

			// Repeated blocks: rebuild the rotation set before the final
			// attempt.
			if i == maxRetries-2 && nm.Config.Network.Enabled {
				nm.Logger.Warning("Repeated blocks. Attempting to scrape new proxies...")
				count, refreshErr := nm.ProxyManager.RefreshProxies()
				if refreshErr == nil && count > 0 {
					nm.Logger.Info("Refreshed %d proxies. Retrying...", count)
					nm.rotateProxy()
				} else {
					nm.Logger.Error("Failed to refresh proxies: %v", refreshErr)
				}
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("bad status: %d", resp.StatusCode)
			nm.Logger.Info("Bad status %d from %s", resp.StatusCode, reqURL.Host)
			time.Sleep(time.Duration(i*i) * time.Second)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		return body, nil
	}

	return nil, helpers.NewFetchError(fmt.Sprintf("max retries exceeded for %s", reqURL.Host), lastErr)
}

// -----------------------------------------------------------------------------

// GetJSON performs a GET request and decodes the JSON response.
func (nm *AsyncNetworkManager) GetJSON(urlStr string, params map[string]string, into interface{}) error {
	body, err := nm.Get(urlStr, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, into); err != nil {
		return helpers.NewParseError("response is not valid JSON", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// requestBudget is a two-window token bucket: a minute window and a day
// window, both refilled on rollover. Acquire never blocks.
// -----------------------------------------------------------------------------

type requestBudget struct {
	perMinute int
	perDay    int

	mu           sync.Mutex
	minuteTokens int
	dayTokens    int
	minuteStart  time.Time
	dayStart     time.Time
}

func newRequestBudget(perMinute, perDay int) *requestBudget {
	return &requestBudget{
		perMinute:    perMinute,
		perDay:       perDay,
		minuteTokens: perMinute,
		dayTokens:    perDay,
	}
}

// -----------------------------------------------------------------------------

// Acquire takes one token from both windows, refilling each when its span
// has elapsed. A non-positive limit disables that window.
func (b *requestBudget) Acquire(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.minuteStart.IsZero() {
		b.minuteStart = now
		b.dayStart = now
	}

	if now.Sub(b.minuteStart) >= time.Minute {
		b.minuteTokens = b.perMinute
		b.minuteStart = now
	}
	if now.Sub(b.dayStart) >= 24*time.Hour {
		b.dayTokens = b.perDay
		b.dayStart = now
	}

	if b.perMinute > 0 {
		if b.minuteTokens <= 0 {
			return false
		}
		b.minuteTokens--
	}
	if b.perDay > 0 {
		if b.dayTokens <= 0 {
			return false
		}
		b.dayTokens--
	}
	return true
}
