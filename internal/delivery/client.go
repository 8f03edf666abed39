package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/eventbus"
	"chatrelay/internal/storage"
	logx "chatrelay/pkg/logx"
)

// SessionSource supplies the active conversation id and accepts replacement
// ids handed back by the server.
type SessionSource interface {
	Current() string
	Rotate(newID string)
}

// maxReplyBytes caps how much of a response body we are willing to parse.
const maxReplyBytes = 1 << 20

// Client posts chat messages to the first reachable relay endpoint.
//
// It is safe for concurrent use. Policy can be swapped at runtime with
// Apply; sends already in flight finish under the snapshot they started
// with.
type Client struct {
	mu        sync.Mutex
	opts      Options
	order     []string // candidate order, preferred endpoint first
	preferred string

	http *http.Client

	sessions SessionSource
	store    storage.Store // may be nil
	bus      eventbus.Bus  // may be nil
	log      logx.Logger
}

func New(opts Options, sessions SessionSource, store storage.Store, log logx.Logger, bus eventbus.Bus) (*Client, error) {
	if sessions == nil {
		return nil, errors.New("delivery: nil session source")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		// No client-wide timeout: per-attempt deadlines come from the
		// request context and follow the hot-reloaded policy.
		http:     &http.Client{},
		sessions: sessions,
		store:    store,
		bus:      bus,
		log:      log,
	}
	if err := c.Apply(opts); err != nil {
		return nil, err
	}
	c.recoverPreferred()
	return c, nil
}

// Apply swaps the delivery policy. The preferred endpoint survives the swap
// when it is still among the new candidates.
func (c *Client) Apply(opts Options) error {
	if len(opts.Endpoints) == 0 {
		return errors.New("delivery: no endpoints configured")
	}
	opts = opts.withDefaults()

	c.mu.Lock()
	c.opts = opts
	c.reorderLocked()
	c.mu.Unlock()
	return nil
}

// Send delivers text under the active conversation session.
//
// The only errors are ErrEmptyInput and context cancellation. Total endpoint
// failure is absorbed: the message is persisted for later redelivery and the
// returned Reply is a locally synthesized offline answer.
func (c *Client) Send(ctx context.Context, text string) (Reply, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Reply{}, ErrEmptyInput
	}

	conv := c.sessions.Current()
	rep, attempts, err := c.deliver(ctx, conv, trimmed, false)
	if err == nil {
		return rep, nil
	}
	if !errors.Is(err, ErrAllEndpointsUnavailable) {
		return Reply{}, err
	}

	persisted := c.persistOffline(conv, trimmed)
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryOffline, Data: eventbus.DeliveryOffline{
			ConversationID: conv,
			Attempts:       attempts,
			Persisted:      persisted,
		}})
	}
	c.log.Warn("all endpoints unavailable; replying offline",
		logx.String("conversation", conv),
		logx.Int("attempts", attempts),
		logx.Bool("persisted", persisted))
	return offlineReply(conv, trimmed), nil
}

// Redeliver pushes a previously persisted message back through the endpoint
// loop under its original conversation id. Unlike Send it reports total
// failure to the caller and never rotates the session or persists again.
func (c *Client) Redeliver(ctx context.Context, msg storage.Message) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return ErrEmptyInput
	}
	_, _, err := c.deliver(ctx, msg.ConversationID, text, true)
	return err
}

// deliver runs the candidate/retry loop. Replays carry a marker header and
// never rotate the session: a stale conversation id coming back with an old
// message must not hijack the active one.
func (c *Client) deliver(ctx context.Context, conversationID, text string, replay bool) (Reply, int, error) {
	c.mu.Lock()
	opts := c.opts
	order := append([]string(nil), c.order...)
	c.mu.Unlock()

	body, err := json.Marshal(buildPayload(conversationID, text, opts.ClientMeta))
	if err != nil {
		return Reply{}, 0, fmt.Errorf("encode payload: %w", err)
	}

	attempts := 0
	for _, ep := range order {
		for try := 1; try <= opts.RetryBudget; try++ {
			if err := ctx.Err(); err != nil {
				return Reply{}, attempts, err
			}
			attempts++

			rep, err := c.attempt(ctx, ep, body, opts.AttemptTimeout, replay)
			if err == nil {
				if !replay && rep.ConversationID != "" {
					c.sessions.Rotate(rep.ConversationID)
				}
				if rep.ConversationID == "" {
					rep.ConversationID = conversationID
				}
				c.promote(ep)
				if c.bus != nil {
					c.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliverySuccess, Data: eventbus.DeliverySuccess{
						Endpoint:       ep,
						ConversationID: conversationID,
						Attempts:       attempts,
					}})
				}
				c.log.Debug("message delivered",
					logx.String("endpoint", ep),
					logx.Int("attempts", attempts))
				rep.Endpoint = ep
				return rep, attempts, nil
			}

			if c.bus != nil {
				c.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryAttempt, Data: eventbus.DeliveryAttempt{
					Endpoint: ep,
					Attempt:  try,
					Err:      err.Error(),
				}})
			}
			c.log.Debug("attempt failed",
				logx.String("endpoint", ep),
				logx.Int("attempt", try),
				logx.Int("budget", opts.RetryBudget),
				logx.Err(err))
			if err := ctx.Err(); err != nil {
				return Reply{}, attempts, err
			}

			// Fixed pause before retrying the same endpoint only.
			if try < opts.RetryBudget && opts.RetryBackoff > 0 {
				t := time.NewTimer(opts.RetryBackoff)
				select {
				case <-t.C:
				case <-ctx.Done():
					if !t.Stop() {
						<-t.C
					}
					return Reply{}, attempts, ctx.Err()
				}
			}
		}
	}
	return Reply{}, attempts, ErrAllEndpointsUnavailable
}

func (c *Client) attempt(ctx context.Context, endpoint string, body []byte, timeout time.Duration, replay bool) (Reply, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if replay {
		req.Header.Set("X-Chatrelay-Replay", "1")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Reply{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Reply{}, fmt.Errorf("read reply: %w", err)
	}
	return parseReply(data)
}

// promote moves an endpoint that just answered to the front of the order and
// persists the preference for the next start. No-op when already first.
func (c *Client) promote(ep string) {
	c.mu.Lock()
	if c.preferred == ep && len(c.order) > 0 && c.order[0] == ep {
		c.mu.Unlock()
		return
	}
	changed := len(c.order) == 0 || c.order[0] != ep
	c.preferred = ep
	c.reorderLocked()
	c.mu.Unlock()

	if !changed {
		return
	}
	if c.store != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.store.SetPreferredEndpoint(sctx, ep); err != nil && !errors.Is(err, storage.ErrDisabled) {
			c.log.Warn("preferred endpoint persist failed", logx.Err(err))
		}
		cancel()
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeEndpointPromoted, Data: eventbus.EndpointPromoted{Endpoint: ep}})
	}
	c.log.Info("endpoint promoted", logx.String("endpoint", ep))
}

// recoverPreferred restores the last successful endpoint across restarts.
func (c *Client) recoverPreferred() {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ep, err := c.store.PreferredEndpoint(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrDisabled) {
			c.log.Warn("preferred endpoint load failed", logx.Err(err))
		}
		return
	}

	c.mu.Lock()
	c.preferred = ep
	c.reorderLocked()
	restored := len(c.order) > 0 && c.order[0] == ep
	c.mu.Unlock()
	if restored {
		c.log.Debug("preferred endpoint restored", logx.String("endpoint", ep))
	}
}

// reorderLocked rebuilds the candidate order with the preferred endpoint at
// the front when it is still configured.
func (c *Client) reorderLocked() {
	eps := c.opts.Endpoints
	order := make([]string, 0, len(eps))
	if c.preferred != "" {
		for _, ep := range eps {
			if ep == c.preferred {
				order = append(order, ep)
				break
			}
		}
	}
	for _, ep := range eps {
		if len(order) > 0 && ep == order[0] {
			continue
		}
		order = append(order, ep)
	}
	c.order = order
}

// Endpoints returns the current candidate order, preferred first.
func (c *Client) Endpoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

func (c *Client) persistOffline(conversationID, text string) bool {
	if c.store == nil {
		return false
	}
	// Detached context: the send context may already be near its deadline
	// and losing the message would break redelivery.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg := storage.Message{ConversationID: conversationID, Text: text, Timestamp: time.Now()}
	if err := c.store.AppendMessage(ctx, msg); err != nil {
		if !errors.Is(err, storage.ErrDisabled) {
			c.log.Error("offline persist failed", logx.Err(err))
		}
		return false
	}
	return true
}

// buildPayload assembles the wire body. Configured metadata rides alongside
// the two fixed fields; reserved keys are dropped.
func buildPayload(conversationID, text string, meta map[string]string) map[string]any {
	p := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		if k == "message" || k == "conversation_id" {
			continue
		}
		p[k] = v
	}
	p["message"] = text
	p["conversation_id"] = conversationID
	return p
}
