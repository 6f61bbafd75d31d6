package nostr

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// ErrPublishRejected means no Connected relay acknowledged the event.
var ErrPublishRejected = errors.New("nostr: no relay acknowledged the event")

// Pool manages the set of configured relays, fanning publishes out to
// every Connected relay and pacing the start of each relay's connection
// loop with a token-bucket limiter shared across the pool (spec.md §4.8).
type Pool struct {
	mu      sync.Mutex
	relays  map[string]*Relay
	limiter *rate.Limiter

	cancel context.CancelFunc
}

// NewPool builds an empty pool. dialRate bounds how many relay connection
// loops AddRelay may start per second across the whole pool; redials
// inside a running loop follow that relay's own backoff and are not paced
// by this limiter.
func NewPool(dialRate rate.Limit) *Pool {
	return &Pool{
		relays:  make(map[string]*Relay),
		limiter: rate.NewLimiter(dialRate, 1),
	}
}

// AddRelay registers url and starts its connection loop.
func (p *Pool) AddRelay(ctx context.Context, url string, maxAttempts int) *Relay {
	p.mu.Lock()
	if existing, ok := p.relays[url]; ok {
		p.mu.Unlock()
		return existing
	}
	r := NewRelay(url, maxAttempts)
	p.relays[url] = r
	p.mu.Unlock()

	go func() {
		p.limiter.Wait(ctx)
		r.Run(ctx)
	}()
	return r
}

// RemoveRelay stops and forgets url.
func (p *Pool) RemoveRelay(url string) {
	p.mu.Lock()
	r, ok := p.relays[url]
	delete(p.relays, url)
	p.mu.Unlock()
	if ok {
		r.Stop()
	}
}

// Relays returns a snapshot of the configured relay set.
func (p *Pool) Relays() []*Relay {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Relay, 0, len(p.relays))
	for _, r := range p.relays {
		out = append(out, r)
	}
	return out
}

// PublishNoWait fans ev out to every Connected relay and returns how many
// relays queued it. It does not wait for any "OK" acknowledgment; AwaitOK
// is the separate call that waits for one.
func (p *Pool) PublishNoWait(ev *Event) int {
	msg, err := EventMessage(ev)
	if err != nil {
		return 0
	}
	sent := 0
	for _, r := range p.Relays() {
		if r.Send(msg) {
			sent++
		}
	}
	return sent
}

// AwaitOK drains relay inbound channels looking for an ["OK", id, true, ...]
// acknowledgment for eventID, across all relays, until ctx is done.
func AwaitOK(ctx context.Context, relays []*Relay, eventID string) error {
	type result struct{ ok bool }
	results := make(chan result, len(relays))

	for _, r := range relays {
		r := r
		go func() {
			for {
				select {
				case <-ctx.Done():
					results <- result{ok: false}
					return
				case raw, open := <-r.Inbound():
					if !open {
						results <- result{ok: false}
						return
					}
					kind, rest, err := ParseServerMessage(raw)
					if err != nil || kind != "OK" || len(rest) < 3 {
						continue
					}
					var id string
					var ok bool
					if err := json.Unmarshal(rest[0], &id); err != nil || id != eventID {
						continue
					}
					if err := json.Unmarshal(rest[1], &ok); err != nil {
						continue
					}
					results <- result{ok: ok}
					return
				}
			}
		}()
	}

	for range relays {
		select {
		case res := <-results:
			if res.ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ErrPublishRejected
}

// SubscribeAll sends the same REQ filter set to every known relay.
func (p *Pool) SubscribeAll(subID string, filters ...Filter) {
	for _, r := range p.Relays() {
		r.Subscribe(subID, filters...)
	}
}

// Stop tears down every relay in the pool.
func (p *Pool) Stop() {
	for _, r := range p.Relays() {
		r.Stop()
	}
}
