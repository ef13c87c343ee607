// Package redisbus is an event backend on Redis pub/sub.
//
// Records live in per-tag channels. A channel has an access list of
// participants and holds the records carrying its tag:
//
//	{ns}:channels             hash   channel id -> tag
//	{ns}:channel:{id}:acl     set    participants
//	{ns}:channel:{id}:items   hash   remote id -> record JSON
//	{ns}:events:{id}          topic  change envelopes
//
// A participant sees the channels whose access list contains its identity.
// The remote id of a record is the id of the task that first published it.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mschirtzinger/tasksync/internal/transport"
)

// DefaultNamespace prefixes every key when none is configured.
const DefaultNamespace = "tasksync"

// DefaultRefreshInterval is how often channel membership is rediscovered.
const DefaultRefreshInterval = 30 * time.Second

const receiveTimeout = time.Second

// Config holds configuration for a Bus.
type Config struct {
	// URL is a redis:// or rediss:// URL. Addr is used when URL is empty.
	URL  string
	Addr string

	Username string
	Password string

	// Identity is this participant's id in channel access lists.
	Identity string

	// Namespace prefixes all keys. Empty means DefaultNamespace.
	Namespace string

	// RefreshInterval is how often channel membership is rediscovered.
	RefreshInterval time.Duration

	// Logger for bus activity
	Logger *log.Logger
}

// Bus is a transport.EventSource and transport.ChannelManager on Redis.
type Bus struct {
	client   *redis.Client
	ns       string
	identity string
	refresh  time.Duration
	logger   *log.Logger

	mu       sync.Mutex
	channels map[string]transport.Channel // subscribed, by channel id
	pubsub   *redis.PubSub
	online   bool
	closed   bool

	events chan transport.Event
	status chan transport.ConnState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ transport.EventSource    = (*Bus)(nil)
	_ transport.ChannelManager = (*Bus)(nil)
)

// New creates a Bus. No connection is made until Connect.
func New(cfg Config) (*Bus, error) {
	if cfg.Identity == "" {
		return nil, fmt.Errorf("identity cannot be empty")
	}

	var opts *redis.Options
	switch {
	case cfg.URL != "":
		var err error
		opts, err = redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
	case cfg.Addr != "":
		opts = &redis.Options{Addr: cfg.Addr}
	default:
		return nil, fmt.Errorf("redis url or addr is required")
	}
	if cfg.Username != "" {
		opts.Username = cfg.Username
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	refresh := cfg.RefreshInterval
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[redis] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		client:   redis.NewClient(opts),
		ns:       ns,
		identity: cfg.Identity,
		refresh:  refresh,
		logger:   logger,
		channels: make(map[string]transport.Channel),
		events:   make(chan transport.Event, 256),
		status:   make(chan transport.ConnState, 16),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (b *Bus) channelsKey() string       { return b.ns + ":channels" }
func (b *Bus) aclKey(id string) string   { return b.ns + ":channel:" + id + ":acl" }
func (b *Bus) itemsKey(id string) string { return b.ns + ":channel:" + id + ":items" }
func (b *Bus) topic(id string) string    { return b.ns + ":events:" + id }

// Connect implements transport.EventSource. It authenticates, discovers the
// visible channels and subscribes to their topics.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: bus is closed", transport.ErrTransport)
	}
	if b.pubsub != nil {
		b.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	b.mu.Unlock()

	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", classify(err))
	}

	visible, err := b.discover(ctx)
	if err != nil {
		return err
	}

	topics := make([]string, 0, len(visible))
	for id := range visible {
		topics = append(topics, b.topic(id))
	}
	sort.Strings(topics)

	ps := b.client.Subscribe(ctx, topics...)
	// Wait for the subscription to be confirmed before reporting online.
	if len(topics) > 0 {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return fmt.Errorf("failed to subscribe: %w", classify(err))
		}
	}

	b.mu.Lock()
	b.pubsub = ps
	b.channels = visible
	b.mu.Unlock()

	b.logger.Printf("Connected as %s, %d channels", b.identity, len(visible))
	b.setOnline(true)

	b.wg.Add(1)
	go b.receive(ps)
	return nil
}

// Events implements transport.EventSource.
func (b *Bus) Events() <-chan transport.Event {
	return b.events
}

// Status implements transport.EventSource.
func (b *Bus) Status() <-chan transport.ConnState {
	return b.status
}

// Close implements transport.EventSource.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps := b.pubsub
	b.mu.Unlock()

	b.cancel()
	if ps != nil {
		_ = ps.Close()
	}
	b.wg.Wait()

	close(b.events)
	close(b.status)
	return b.client.Close()
}

// receive reads the subscription until the bus is closed.
func (b *Bus) receive(ps *redis.PubSub) {
	defer b.wg.Done()

	lastRefresh := time.Now()
	for {
		if b.ctx.Err() != nil {
			return
		}

		msg, err := ps.ReceiveTimeout(b.ctx, receiveTimeout)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				if err := ps.Ping(b.ctx); err != nil && !isTimeout(err) {
					b.connectionLost(err)
					continue
				}
			} else {
				b.connectionLost(err)
				continue
			}
		} else {
			b.setOnline(true)
			if m, ok := msg.(*redis.Message); ok {
				b.handleMessage(m)
			}
		}

		if time.Since(lastRefresh) >= b.refresh {
			lastRefresh = time.Now()
			if err := b.refreshChannels(b.ctx, true); err != nil {
				b.logger.Printf("WARNING: Channel refresh failed: %v", err)
			}
		}
	}
}

func (b *Bus) connectionLost(err error) {
	b.logger.Printf("WARNING: Subscription lost: %v", err)
	b.setOnline(false)
	select {
	case <-b.ctx.Done():
	case <-time.After(receiveTimeout):
	}
}

func (b *Bus) setOnline(online bool) {
	b.mu.Lock()
	changed := b.online != online
	b.online = online
	b.mu.Unlock()
	if !changed {
		return
	}

	state := transport.Offline
	if online {
		state = transport.Online
	}
	select {
	case b.status <- state:
	case <-b.ctx.Done():
	}
}

func (b *Bus) emit(ev transport.Event) {
	select {
	case b.events <- ev:
	case <-b.ctx.Done():
	}
}

// envelope is the pub/sub payload.
type envelope struct {
	Kind     string          `json:"kind"`
	RemoteID string          `json:"remote_id"`
	Record   json.RawMessage `json:"record,omitempty"`
}

func (b *Bus) handleMessage(m *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(m.Payload), &env); err != nil || env.RemoteID == "" {
		b.emit(transport.Event{
			Kind: transport.EventUpdated,
			Err:  fmt.Errorf("%w: invalid envelope on %s", transport.ErrMalformedRecord, m.Channel),
		})
		return
	}

	switch env.Kind {
	case "deleted":
		// The record may still be visible through another channel.
		if b.heldElsewhere(env.RemoteID) {
			return
		}
		b.emit(transport.Event{Kind: transport.EventDeleted, RemoteID: env.RemoteID})

	case "created", "updated":
		kind := transport.EventUpdated
		if env.Kind == "created" {
			kind = transport.EventCreated
		}
		rec, err := transport.DecodeRecord(env.Record)
		if err != nil {
			b.emit(transport.Event{Kind: kind, RemoteID: env.RemoteID, Err: err})
			return
		}
		b.emit(transport.Event{Kind: kind, RemoteID: env.RemoteID, Record: &rec})

	default:
		b.emit(transport.Event{
			Kind:     transport.EventUpdated,
			RemoteID: env.RemoteID,
			Err:      fmt.Errorf("%w: unknown event kind %q", transport.ErrMalformedRecord, env.Kind),
		})
	}
}

// heldElsewhere reports whether any subscribed channel still holds remoteID.
func (b *Bus) heldElsewhere(remoteID string) bool {
	for _, ch := range b.subscribed() {
		held, err := b.client.HExists(b.ctx, b.itemsKey(ch.ID), remoteID).Result()
		if err == nil && held {
			return true
		}
	}
	return false
}

func (b *Bus) subscribed() []transport.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]transport.Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FetchAll implements transport.Fetcher. A record held by several channels
// is returned once.
func (b *Bus) FetchAll(ctx context.Context) ([]transport.RemoteRecord, error) {
	seen := make(map[string]bool)
	var records []transport.RemoteRecord

	for _, ch := range b.subscribed() {
		items, err := b.client.HGetAll(ctx, b.itemsKey(ch.ID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to fetch channel %s: %w", ch.ID, classify(err))
		}
		ids := make([]string, 0, len(items))
		for id := range items {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			if seen[id] {
				continue
			}
			rec, err := transport.DecodeRecord([]byte(items[id]))
			if err != nil {
				b.logger.Printf("WARNING: Skipping record %s in channel %s: %v", id, ch.ID, err)
				continue
			}
			seen[id] = true
			records = append(records, rec)
		}
	}
	return records, nil
}

// CreateMany implements transport.Writer. The remote id of each record is
// its local id. Records that no subscribed channel accepts get no id.
func (b *Bus) CreateMany(ctx context.Context, records []transport.RemoteRecord) (map[string]string, error) {
	ids := make(map[string]string, len(records))
	var errs []error

	for _, r := range records {
		if r.LocalID == "" {
			errs = append(errs, fmt.Errorf("record %q has no local id", r.Title))
			continue
		}
		if err := b.publish(ctx, r.LocalID, r); err != nil {
			if transport.IsFatal(err) {
				return ids, err
			}
			errs = append(errs, err)
			continue
		}
		ids[r.LocalID] = r.LocalID
	}
	return ids, errors.Join(errs...)
}

// Update implements transport.Writer.
func (b *Bus) Update(ctx context.Context, remoteID string, record transport.RemoteRecord) error {
	return b.publish(ctx, remoteID, record)
}

// Delete implements transport.Writer. The record is retracted from every
// subscribed channel.
func (b *Bus) Delete(ctx context.Context, remoteID string) error {
	for _, ch := range b.subscribed() {
		if err := b.retract(ctx, ch.ID, remoteID); err != nil {
			return err
		}
	}
	return nil
}

// publish stores the record in the channels of its tags and retracts it
// from the channels whose tag it no longer carries. A record that no
// subscribed channel accepts is not stored anywhere, which is an error
// wrapping ErrTransport.
func (b *Bus) publish(ctx context.Context, remoteID string, r transport.RemoteRecord) error {
	r.RemoteID = remoteID
	data, err := transport.EncodeRecord(r)
	if err != nil {
		return err
	}

	channels := b.subscribed()
	var targets []transport.Channel
	for _, ch := range channels {
		if r.HasTag(ch.Tag) {
			targets = append(targets, ch)
		}
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: no subscribed channel for the tags of %s", transport.ErrTransport, remoteID)
	}

	for _, ch := range channels {
		if r.HasTag(ch.Tag) {
			continue
		}
		if err := b.retract(ctx, ch.ID, remoteID); err != nil {
			return err
		}
	}

	for _, ch := range targets {
		added, err := b.client.HSet(ctx, b.itemsKey(ch.ID), remoteID, data).Result()
		if err != nil {
			return fmt.Errorf("failed to store record %s: %w", remoteID, classify(err))
		}
		kind := "updated"
		if added > 0 {
			kind = "created"
		}
		if err := b.notify(ctx, ch.ID, envelope{Kind: kind, RemoteID: remoteID, Record: data}); err != nil {
			return err
		}
	}
	return nil
}

// retract removes remoteID from one channel and announces it if it was there.
func (b *Bus) retract(ctx context.Context, channelID, remoteID string) error {
	n, err := b.client.HDel(ctx, b.itemsKey(channelID), remoteID).Result()
	if err != nil {
		return fmt.Errorf("failed to retract record %s: %w", remoteID, classify(err))
	}
	if n == 0 {
		return nil
	}
	return b.notify(ctx, channelID, envelope{Kind: "deleted", RemoteID: remoteID})
}

func (b *Bus) notify(ctx context.Context, channelID string, env envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.topic(channelID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to channel %s: %w", channelID, classify(err))
	}
	return nil
}

// classify maps a go-redis error onto the transport error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, prefix := range []string{"WRONGPASS", "NOAUTH", "NOPERM"} {
		if strings.HasPrefix(msg, prefix) {
			return fmt.Errorf("%w: %v", transport.ErrAuthentication, err)
		}
	}
	return fmt.Errorf("%w: %v", transport.ErrTransport, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// NewChannelID returns a fresh channel id.
func NewChannelID() string {
	return "tasks_" + uuid.NewString()
}
