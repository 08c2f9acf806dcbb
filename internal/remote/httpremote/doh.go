package httpremote

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// DefaultDoHEndpoint is Cloudflare's JSON DNS-over-HTTPS resolver.
const DefaultDoHEndpoint = "https://cloudflare-dns.com/dns-query"

type doHAnswer struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	TTL  int    `json:"TTL"`
	Data string `json:"data"`
}

type doHResponse struct {
	Status int         `json:"Status"`
	Answer []doHAnswer `json:"Answer"`
}

// doHResolver resolves A records over HTTPS so a session does not depend on
// the system resolver.
type doHResolver struct {
	endpoint string
	client   *http.Client
}

func newDoHResolver(endpoint string) *doHResolver {
	if endpoint == "" {
		endpoint = DefaultDoHEndpoint
	}
	return &doHResolver{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// dialContext returns a DialContext func that resolves host names through r.
// TLS still verifies against the original host name.
func (r *doHResolver) dialContext() func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if net.ParseIP(host) != nil {
			return d.DialContext(ctx, network, addr)
		}

		ip, err := r.resolve(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("DoH resolution failed for %s: %w", host, err)
		}
		return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
	}
}

func (r *doHResolver) resolve(ctx context.Context, domain string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return "", err
	}

	q := req.URL.Query()
	q.Add("name", domain)
	q.Add("type", "A")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/dns-json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("DoH server returned status: %s", resp.Status)
	}

	var dohResp doHResponse
	if err := json.NewDecoder(resp.Body).Decode(&dohResp); err != nil {
		return "", err
	}
	if dohResp.Status != 0 {
		return "", fmt.Errorf("DNS error code: %d", dohResp.Status)
	}

	for _, ans := range dohResp.Answer {
		if ans.Type == 1 {
			return ans.Data, nil
		}
	}
	return "", fmt.Errorf("no A record found for %s", domain)
}
