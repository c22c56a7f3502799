package helpers

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"market-sync/src/logger"
)

// -----------------------------------------------------------------------------
// ProxyManager rotates outbound proxies and User-Agent strings for the pull
// feeds. With no proxies configured every call is a cheap no-op and requests
// go out direct.
// -----------------------------------------------------------------------------

type ProxyManager struct {
	proxies    []string
	userAgents []string
	index      int
	mu         sync.Mutex
	logger     *logger.Logger
	httpClient *http.Client
}

// -----------------------------------------------------------------------------

func NewProxyManager(proxies []string) *ProxyManager {
	var valid []string
	for _, p := range proxies {
		if ValidateProxy(p) {
			valid = append(valid, FormatProxy(p))
		}
	}

	return &ProxyManager{
		proxies: valid,
		logger:  logger.NewLogger(nil, "ProxyManager"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		userAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
			"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
		},
	}
}

// -----------------------------------------------------------------------------

func (pm *ProxyManager) GetCurrentProxy() (string, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if len(pm.proxies) == 0 {
		return "", nil
	}
	return pm.proxies[pm.index], nil
}

// -----------------------------------------------------------------------------

func (pm *ProxyManager) RotateProxy() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if len(pm.proxies) <= 1 {
		return
	}

	pm.index = (pm.index + 1) % len(pm.proxies)
	pm.logger.Info("Rotating proxy to: %s", pm.proxies[pm.index])
}

// -----------------------------------------------------------------------------

func (pm *ProxyManager) GetUserAgent() string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if len(pm.userAgents) == 0 {
		return "Mozilla/5.0 (Go-http-client/1.1)"
	}
	return pm.userAgents[rand.Intn(len(pm.userAgents))]
}

// -----------------------------------------------------------------------------

func (pm *ProxyManager) HasProxies() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.proxies) > 0
}

// -----------------------------------------------------------------------------

// RefreshProxies scrapes sslproxies.org and replaces the rotation set.
func (pm *ProxyManager) RefreshProxies() (int, error) {
	pm.logger.Info("Refreshing proxies from https://www.sslproxies.org/...")

	req, err := http.NewRequest("GET", "https://www.sslproxies.org/", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", pm.GetUserAgent())

	resp, err := pm.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	// The listing renders as <tr><td>IP</td><td>PORT</td> rows.
	re := regexp.MustCompile(`<tr><td>(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})</td><td>(\d+)</td>`)
	matches := re.FindAllStringSubmatch(string(body), -1)

	var fresh []string
	for _, match := range matches {
		if len(match) == 3 {
			fresh = append(fresh, fmt.Sprintf("http://%s:%s", match[1], match[2]))
		}
	}

	if len(fresh) == 0 {
		return 0, fmt.Errorf("no proxies found on page")
	}

	rand.Shuffle(len(fresh), func(i, j int) {
		fresh[i], fresh[j] = fresh[j], fresh[i]
	})
	if len(fresh) > 50 {
		fresh = fresh[:50]
	}

	pm.mu.Lock()
	pm.proxies = fresh
	pm.index = 0
	pm.mu.Unlock()

	pm.logger.Info("Found and updated %d proxies", len(fresh))
	return len(fresh), nil
}

// -----------------------------------------------------------------------------

// ValidateProxy checks whether a proxy string is roughly usable.
func ValidateProxy(proxyStr string) bool {
	u, err := url.Parse(proxyStr)
	// A missing scheme is fine; FormatProxy fills it in.
	return err == nil && (u.Scheme == "http" || u.Scheme == "https" || u.Scheme == "socks5" || u.Scheme == "")
}

// -----------------------------------------------------------------------------

// FormatProxy ensures the proxy has a scheme.
func FormatProxy(proxyStr string) string {
	if !strings.Contains(proxyStr, "://") {
		return "http://" + proxyStr
	}
	return proxyStr
}
