// Package webhook delivers domain events to subscriber URLs as HMAC-SHA256 signed JSON
// POSTs, asynchronously and with retries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrQueueFull = errors.New("webhook queue full")
	ErrClosed    = errors.New("webhook publisher closed")
)

// Endpoint is a subscriber URL and the event patterns it receives.
type Endpoint struct {
	URL    string
	Events []string
}

// Envelope is the body POSTed to subscribers.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC-SHA256 of payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// eventMatches supports exact types, "*", and "prefix.*" patterns.
func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", rawURL)
	}
	return nil
}

type Option func(*Publisher)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Publisher) { p.client = c }
}

// WithRetryDelays sets the waits between attempts; len+1 attempts are made.
func WithRetryDelays(d ...time.Duration) Option {
	return func(p *Publisher) { p.retryDelays = d }
}

func WithQueueSize(n int) Option {
	return func(p *Publisher) { p.queue = make(chan batch, n) }
}

func WithWorkers(n int) Option {
	return func(p *Publisher) { p.workers = n }
}

type job struct {
	endpoint Endpoint
	eventID  string
	typ      string
	body     []byte
}

// batch is one event bound for every endpoint subscribed to it. It is queued as a
// unit so an event reaches all of its endpoints or none.
type batch struct {
	eventID   string
	typ       string
	body      []byte
	endpoints []Endpoint
}

// Publisher fans events out to matching endpoints on a bounded queue. Publish never
// blocks on the network.
type Publisher struct {
	endpoints   []Endpoint
	secret      string
	client      *http.Client
	retryDelays []time.Duration
	workers     int
	queue       chan batch
	logger      zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	stop   chan struct{}
}

func NewPublisher(endpoints []Endpoint, secret string, logger zerolog.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		endpoints:   endpoints,
		secret:      secret,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 30 * time.Second, 5 * time.Minute},
		workers:     2,
		queue:       make(chan batch, 256),
		logger:      logger.With().Str("component", "webhook").Logger(),
		stop:        make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Publish enqueues eventType with payload for every matching endpoint.
func (p *Publisher) Publish(_ context.Context, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", eventType, err)
	}

	b := batch{eventID: env.ID, typ: eventType, body: body}
	for _, ep := range p.endpoints {
		if subscribed(ep, eventType) {
			b.endpoints = append(b.endpoints, ep)
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if len(b.endpoints) == 0 {
		return nil
	}
	select {
	case p.queue <- b:
		return nil
	default:
		return fmt.Errorf("%w: dropping %s", ErrQueueFull, eventType)
	}
}

func subscribed(ep Endpoint, eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, pat := range ep.Events {
		if eventMatches(pat, eventType) {
			return true
		}
	}
	return false
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for b := range p.queue {
		p.fanOut(b)
	}
}

// fanOut delivers b to its endpoints in parallel so one slow endpoint does not hold
// back the others.
func (p *Publisher) fanOut(b batch) {
	if len(b.endpoints) == 1 {
		p.deliver(job{endpoint: b.endpoints[0], eventID: b.eventID, typ: b.typ, body: b.body})
		return
	}
	var wg sync.WaitGroup
	for _, ep := range b.endpoints {
		wg.Add(1)
		go func(ep Endpoint) {
			defer wg.Done()
			p.deliver(job{endpoint: ep, eventID: b.eventID, typ: b.typ, body: b.body})
		}(ep)
	}
	wg.Wait()
}

// deliver retries until a 2xx, the delays run out, or Close abandons pending waits.
func (p *Publisher) deliver(j job) {
	log := p.logger.With().Str("event", j.typ).Str("event_id", j.eventID).Str("url", j.endpoint.URL).Logger()
	for attempt := 0; ; attempt++ {
		status, err := p.post(j)
		if err == nil {
			log.Debug().Int("status", status).Int("attempt", attempt+1).Msg("webhook delivered")
			return
		}
		if attempt >= len(p.retryDelays) {
			log.Error().Err(err).Int("attempts", attempt+1).Msg("webhook delivery abandoned")
			return
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("webhook delivery failed, retrying")
		select {
		case <-time.After(p.retryDelays[attempt]):
		case <-p.stop:
			log.Warn().Msg("webhook retry abandoned at shutdown")
			return
		}
	}
}

func (p *Publisher) post(j job) (int, error) {
	req, err := http.NewRequest(http.MethodPost, j.endpoint.URL, bytes.NewReader(j.body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(j.body, p.secret))
	req.Header.Set("X-Webhook-Event", j.typ)
	req.Header.Set("X-Webhook-ID", j.eventID)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Close stops accepting events, delivers what is queued (first attempts only for
// anything still retrying), and waits for the workers or ctx.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	close(p.stop)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
