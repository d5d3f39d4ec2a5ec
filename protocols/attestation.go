package protocols

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/time/rate"
)

// Pacer limits how often each transfer may poll an attestation service
type Pacer struct {
	mu       sync.Mutex
	every    time.Duration
	limiters map[string]*rate.Limiter
}

func NewPacer(every time.Duration) *Pacer {
	return &Pacer{every: every, limiters: make(map[string]*rate.Limiter)}
}

func (p *Pacer) Allow(id string) bool {
	if p == nil || p.every <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[id]
	if !ok {
		l = rate.NewLimiter(rate.Every(p.every), 1)
		p.limiters[id] = l
	}
	return l.Allow()
}

func (p *Pacer) Forget(id string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.limiters, id)
}

func getJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFinal
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("service unavailable (%d) from %s", resp.StatusCode, url)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, url, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GuardianClient fetches signed VAAs from a Wormhole guardian REST endpoint
type GuardianClient struct {
	base   string
	client *http.Client
}

func NewGuardianClient(base string, timeout time.Duration) *GuardianClient {
	return &GuardianClient{base: strings.TrimRight(base, "/"), client: &http.Client{Timeout: timeout}}
}

// SignedVAA returns ErrNotFinal until the guardians have signed the message
func (g *GuardianClient) SignedVAA(ctx context.Context, chainID uint16, emitter string, sequence uint64) ([]byte, error) {
	url := fmt.Sprintf("%s/v1/signed_vaa/%d/%s/%d", g.base, chainID, emitter, sequence)
	var res struct {
		VaaBytes string `json:"vaaBytes"`
	}
	if err := getJSON(ctx, g.client, url, &res); err != nil {
		return nil, err
	}
	if res.VaaBytes == "" {
		return nil, ErrNotFinal
	}
	return base64.StdEncoding.DecodeString(res.VaaBytes)
}

// CircleClient fetches CCTP attestations by message hash
type CircleClient struct {
	base   string
	client *http.Client
}

func NewCircleClient(base string, timeout time.Duration) *CircleClient {
	return &CircleClient{base: strings.TrimRight(base, "/"), client: &http.Client{Timeout: timeout}}
}

// Attestation returns ErrNotFinal while the status is not complete
func (c *CircleClient) Attestation(ctx context.Context, messageHash string) ([]byte, error) {
	var res struct {
		Attestation string `json:"attestation"`
		Status      string `json:"status"`
	}
	if err := getJSON(ctx, c.client, c.base+"/attestations/"+messageHash, &res); err != nil {
		return nil, err
	}
	if res.Status != "complete" || res.Attestation == "" || res.Attestation == "PENDING" {
		return nil, ErrNotFinal
	}
	return hexutil.Decode(res.Attestation)
}
