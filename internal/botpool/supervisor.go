// Package botpool runs several bot credentials side by side and fails over
// between them. The Supervisor is the only writer of connection state;
// everything else reads copies.
package botpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-telegram/bot/models"
	"github.com/set-night/shopbot/internal/domain"
	"github.com/set-night/shopbot/internal/metrics"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoCredentials  = errors.New("botpool: no credentials configured")
	ErrAlreadyStarted = errors.New("botpool: already started")
)

type Config struct {
	HealthInterval   time.Duration
	CheckTimeout     time.Duration
	FailureThreshold int
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	SendTimeout      time.Duration

	// HealthIntervals overrides HealthInterval per credential, by position.
	// Zero or missing entries fall back to HealthInterval.
	HealthIntervals []time.Duration
}

func (c Config) withDefaults() Config {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 10 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = c.ReconnectMin
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	return c
}

func (c Config) healthInterval(id int) time.Duration {
	if id < len(c.HealthIntervals) && c.HealthIntervals[id] > 0 {
		return c.HealthIntervals[id]
	}
	return c.HealthInterval
}

type Option func(*Supervisor)

// WithHandler sets the handler every connection's updates are dispatched to.
func WithHandler(h HandlerFunc) Option {
	return func(s *Supervisor) { s.handler = h }
}

func WithMiddlewares(mws ...Middleware) Option {
	return func(s *Supervisor) { s.mws = append(s.mws, mws...) }
}

// WithOnRevoked registers a callback for credentials the platform rejected.
func WithOnRevoked(fn func(ConnectionInfo)) Option {
	return func(s *Supervisor) { s.onRevoked = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

type Supervisor struct {
	cfg     Config
	factory ClientFactory

	mu      sync.RWMutex
	conns   []*connection
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	handler   HandlerFunc
	mws       []Middleware
	dispatch  HandlerFunc
	onRevoked func(ConnectionInfo)
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(tokens []string, factory ClientFactory, cfg Config, opts ...Option) (*Supervisor, error) {
	if len(tokens) == 0 {
		return nil, ErrNoCredentials
	}
	s := &Supervisor{
		cfg:     cfg.withDefaults(),
		factory: factory,
		now:     time.Now,
	}
	for i, token := range tokens {
		s.conns = append(s.conns, &connection{
			id:    i,
			token: token,
			label: maskToken(token),
			state: StateStarting,
		})
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.handler == nil {
		s.handler = func(context.Context, Sender, *models.Update) {}
	}
	s.dispatch = Chain(s.handler, s.mws...)
	return s, nil
}

// Start connects every credential, then supervises each connection until
// ctx is done or Stop is called. It fails only if every credential was revoked.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(ctx)
	conns := append([]*connection(nil), s.conns...)
	s.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			if err := s.connect(c); err != nil {
				slog.Warn("bot connection failed to start", "connection", c.label, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range conns {
		s.wg.Add(1)
		go s.watch(c)
	}

	summary := s.Summary()
	slog.Info("bot pool started",
		"healthy", summary[StateHealthy],
		"degraded", summary[StateDegraded],
		"banned", summary[StateBanned],
	)
	if summary[StateBanned] == len(conns) {
		return fmt.Errorf("start bot pool: %w", domain.ErrCredentialRevoked)
	}
	if summary[StateHealthy] == 0 {
		slog.Warn("bot pool has no healthy connection yet")
	}
	return nil
}

// Stop halts polling and health checks and waits for them to return.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	for _, c := range s.conns {
		if c.state != StateBanned {
			c.state = StateStopped
		}
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	var errs error
	s.mu.RLock()
	for _, c := range s.conns {
		if closer, ok := c.client.(io.Closer); ok {
			errs = multierr.Append(errs, closer.Close())
		}
	}
	s.mu.RUnlock()
	s.publish()
	return errs
}

// Dispatch runs the middleware chain and handler for an update. The handler
// never learns which connection received it.
func (s *Supervisor) Dispatch(ctx context.Context, update *models.Update) {
	s.dispatch(ctx, s, update)
}

// Notify sends a plain text message to chatID.
func (s *Supervisor) Notify(ctx context.Context, chatID int64, text string) error {
	return s.Send(ctx, Message{ChatID: chatID, Text: text})
}

// Send delivers msg through the first connection that accepts it: healthy
// connections in pool order, then degraded ones starting with the least
// recently failed. Recipient-level errors do not count against a connection.
func (s *Supervisor) Send(ctx context.Context, msg Message) error {
	candidates := s.candidates()
	if len(candidates) == 0 {
		return fmt.Errorf("%w: no usable connection", domain.ErrAllFailed)
	}

	var errs error
	recipientOnly := true
	for _, c := range candidates {
		sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		err := c.client.Send(sctx, msg)
		cancel()
		if err == nil {
			s.markHealthy(c.conn, "")
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("send message: %w", ctx.Err())
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", c.conn.label, err))
		if errors.Is(err, domain.ErrRecipientUnreachable) {
			continue
		}
		recipientOnly = false
		s.fail(c.conn, err)
	}

	if recipientOnly {
		return fmt.Errorf("%w: %v", domain.ErrRecipientUnreachable, errs)
	}
	return fmt.Errorf("%w: %v", domain.ErrAllFailed, errs)
}

// Snapshot returns a copy of every connection's state in pool order.
func (s *Supervisor) Snapshot() []ConnectionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.info())
	}
	return out
}

// Summary counts connections per state.
func (s *Supervisor) Summary() map[State]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := map[State]int{
		StateStarting: 0,
		StateHealthy:  0,
		StateDegraded: 0,
		StateBanned:   0,
		StateStopped:  0,
	}
	for _, c := range s.conns {
		out[c.state]++
	}
	return out
}

type candidate struct {
	conn        *connection
	client      Client
	lastFailure time.Time
}

func (s *Supervisor) candidates() []candidate {
	s.mu.RLock()
	var healthy, degraded []candidate
	for _, c := range s.conns {
		if c.client == nil {
			continue
		}
		switch c.state {
		case StateHealthy:
			healthy = append(healthy, candidate{conn: c, client: c.client, lastFailure: c.lastFailure})
		case StateDegraded:
			degraded = append(degraded, candidate{conn: c, client: c.client, lastFailure: c.lastFailure})
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(degraded, func(i, j int) bool {
		return degraded[i].lastFailure.Before(degraded[j].lastFailure)
	})
	return append(healthy, degraded...)
}

// connect builds a fresh client for c, verifies it and starts its polling loop.
func (s *Supervisor) connect(c *connection) error {
	client, err := s.factory(c.token, s.receiver(c))
	if err == nil {
		pctx, cancel := context.WithTimeout(s.runCtx, s.cfg.CheckTimeout)
		var username string
		username, err = client.Handshake(pctx)
		cancel()
		if err == nil {
			s.install(c, client, username)
			return nil
		}
		closeClient(c, client)
	}
	s.fail(c, err)
	return err
}

func (s *Supervisor) install(c *connection, client Client, username string) {
	s.mu.Lock()
	if c.state == StateBanned || c.state == StateStopped || s.runCtx.Err() != nil {
		s.mu.Unlock()
		closeClient(c, client)
		return
	}
	if c.stopPolling != nil {
		c.stopPolling()
	}
	old := c.client
	pollCtx, stop := context.WithCancel(s.runCtx)
	c.client = client
	c.username = username
	c.state = StateHealthy
	c.failures = 0
	c.lastError = ""
	c.lastHeartbeat = s.now()
	c.stopPolling = stop
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		client.Run(pollCtx)
	}()
	if old != nil && old != client {
		closeClient(c, old)
	}

	s.publish()
	slog.Info("bot connection healthy", "connection", c.label, "username", username)
}

func (s *Supervisor) receiver(c *connection) UpdateHandler {
	return func(ctx context.Context, update *models.Update) {
		s.mu.Lock()
		c.lastHeartbeat = s.now()
		s.mu.Unlock()
		s.Dispatch(ctx, update)
	}
}

func (s *Supervisor) markHealthy(c *connection, username string) {
	s.mu.Lock()
	if c.state == StateBanned || c.state == StateStopped {
		s.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateHealthy
	c.failures = 0
	c.lastHeartbeat = s.now()
	if username != "" {
		c.username = username
	}
	s.mu.Unlock()

	if prev != StateHealthy {
		s.publish()
		slog.Info("bot connection recovered", "connection", c.label, "from", prev)
	}
}

// fail records a failed operation on c. A revoked credential bans the
// connection for good.
func (s *Supervisor) fail(c *connection, err error) (banned bool, failures int) {
	s.mu.Lock()
	if c.state == StateBanned || c.state == StateStopped {
		defer s.mu.Unlock()
		return c.state == StateBanned, c.failures
	}
	c.failures++
	c.lastFailure = s.now()
	c.lastError = err.Error()

	if errors.Is(err, domain.ErrCredentialRevoked) {
		c.state = StateBanned
		if c.stopPolling != nil {
			c.stopPolling()
			c.stopPolling = nil
		}
		info := c.info()
		s.mu.Unlock()

		s.publish()
		slog.Error("bot credential revoked", "connection", info.Label, "username", info.Username, "error", err)
		if s.onRevoked != nil {
			s.onRevoked(info)
		}
		return true, info.Failures
	}

	c.state = StateDegraded
	failures = c.failures
	s.mu.Unlock()

	s.publish()
	slog.Warn("bot connection degraded", "connection", c.label, "failures", failures, "error", err)
	return false, failures
}

type checkResult int

const (
	checkOK checkResult = iota
	checkReconnect
	checkDone
)

func (s *Supervisor) watch(c *connection) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.healthInterval(c.id))
	defer ticker.Stop()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
		}

		switch s.checkHealth(c) {
		case checkDone:
			return
		case checkReconnect:
			if !s.reconnect(c) {
				return
			}
		}
	}
}

func (s *Supervisor) checkHealth(c *connection) checkResult {
	s.mu.RLock()
	state, client := c.state, c.client
	s.mu.RUnlock()

	switch {
	case state == StateBanned || state == StateStopped:
		return checkDone
	case client == nil:
		return checkReconnect
	}

	pctx, cancel := context.WithTimeout(s.runCtx, s.cfg.CheckTimeout)
	username, err := client.Handshake(pctx)
	cancel()
	if err == nil {
		s.markHealthy(c, username)
		return checkOK
	}
	if s.runCtx.Err() != nil {
		return checkDone
	}

	banned, failures := s.fail(c, err)
	switch {
	case banned:
		return checkDone
	case failures >= s.cfg.FailureThreshold:
		return checkReconnect
	default:
		return checkOK
	}
}

// reconnect replaces c's client until a handshake succeeds, backing off
// exponentially between attempts. It gives up only on revocation or shutdown.
func (s *Supervisor) reconnect(c *connection) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectMin
	b.MaxInterval = s.cfg.ReconnectMax
	b.Reset()

	for attempt := 1; ; attempt++ {
		s.mu.Lock()
		if c.stopPolling != nil {
			c.stopPolling()
			c.stopPolling = nil
		}
		old := c.client
		c.client = nil
		s.mu.Unlock()
		closeClient(c, old)

		err := s.connect(c)
		if err == nil {
			slog.Info("bot connection reconnected", "connection", c.label, "attempts", attempt)
			return true
		}
		if errors.Is(err, domain.ErrCredentialRevoked) || s.runCtx.Err() != nil {
			return false
		}

		wait := b.NextBackOff()
		slog.Warn("bot reconnect failed", "connection", c.label, "attempt", attempt, "retry_in", wait, "error", err)
		select {
		case <-s.runCtx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

func (s *Supervisor) publish() {
	if s.metrics == nil {
		return
	}
	byState := make(map[string]int)
	for state, n := range s.Summary() {
		byState[string(state)] = n
	}
	s.metrics.SetConnections(byState)
}

// closeClient releases a client the pool no longer uses.
func closeClient(c *connection, client Client) {
	closer, ok := client.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		slog.Warn("failed to close bot client", "connection", c.label, "error", err)
	}
}
