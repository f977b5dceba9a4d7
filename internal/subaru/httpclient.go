package subaru

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/rs/dnscache"
	circuit "github.com/rubyist/circuitbreaker"
)

// newHTTPClient builds the shared HTTP client. DNS lookups are cached
// and refreshed in the background so repeated metadata calls do not
// re-resolve the same hosts.
func newHTTPClient() *http.Client {
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			resolver.Refresh(true)
		}
	}()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSHandshakeTimeout = 30 * time.Second
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
		}
		return dialer.DialContext(ctx, network, addr)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   300 * time.Second, // large snapshot downloads
	}
}

// breakers holds one circuit breaker per remote host. A tripped
// breaker fails fast instead of hammering an unreachable endpoint,
// letting callers degrade to local data.
var (
	breakersMu sync.Mutex
	breakers   = make(map[string]*circuit.Breaker)
)

func breakerFor(host string) *circuit.Breaker {
	breakersMu.Lock()
	defer breakersMu.Unlock()

	if b, ok := breakers[host]; ok {
		return b
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Reset()

	b := circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	})
	breakers[host] = b
	return b
}

// httpGet fetches a URL with retry and per-host circuit breaking.
// Transient failures (5xx, network errors) are retried with
// exponential backoff; a tripped breaker returns ErrNoInternet so
// callers fall back to cached data.
func httpGet(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	b := breakerFor(u.Host)
	if !b.Ready() {
		return nil, fmt.Errorf("%w: %s is unavailable", ErrNoInternet, u.Host)
	}

	var body []byte
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			b.Fail()
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			b.Fail()
			return fmt.Errorf("server error from %s: %s", u.Host, resp.Status)
		case resp.StatusCode >= 400:
			b.Success()
			return backoff.Permanent(fmt.Errorf("%w: %s", errPackageNotFound, resp.Status))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			b.Fail()
			return err
		}
		b.Success()
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}
