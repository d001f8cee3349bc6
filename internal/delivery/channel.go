package delivery

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/lexiqai/voice-session/internal/loop"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/resilience"
	"github.com/rs/zerolog"
)

var errStreamClosed = errors.New("push stream closed")

// Channel opens subscriptions over a push transport with a polling fallback.
// Either transport may be nil, but not both.
type Channel struct {
	sched  loop.Scheduler
	push   Pusher
	poll   Poller
	cfg    Config
	logger zerolog.Logger
}

// NewChannel creates a delivery channel
func NewChannel(sched loop.Scheduler, push Pusher, poll Poller, cfg Config, logger zerolog.Logger) *Channel {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = def.PollLimit
	}
	if cfg.PollFailures <= 0 {
		cfg.PollFailures = def.PollFailures
	}
	return &Channel{
		sched:  sched,
		push:   push,
		poll:   poll,
		cfg:    cfg,
		logger: logger.With().Str("component", "delivery").Logger(),
	}
}

// Subscription is a live feed of one channel. Its methods must be called on
// the scheduler's timeline.
type Subscription struct {
	c         *Channel
	channelID string
	h         Handlers
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	start time.Time
	seen  map[string]struct{}

	state    State
	gen      uint64 // bumped per push attempt and on downgrade
	stopPush context.CancelFunc

	reconnect loop.Timer
	pollTimer loop.Timer
	repromote loop.Timer
	pollFails int
	healthy   bool
}

// Subscribe starts delivering events of channelID to h
func (c *Channel) Subscribe(channelID string, h Handlers) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		c:         c,
		channelID: channelID,
		h:         h,
		logger:    c.logger.With().Str("channel_id", channelID).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		start:     c.sched.Now(),
		seen:      make(map[string]struct{}),
		healthy:   true,
	}

	if c.push != nil {
		s.setState(State{Mode: ModeReconnecting})
		s.connect()
	} else {
		s.startPolling()
	}
	return s
}

// State returns the current transport state
func (s *Subscription) State() State {
	return s.state
}

// Unsubscribe stops delivery. Late transport callbacks become no-ops.
func (s *Subscription) Unsubscribe() {
	if s.closed {
		return
	}
	s.closed = true
	s.gen++
	s.cancel()
	loop.StopTimer(s.reconnect)
	loop.StopTimer(s.pollTimer)
	loop.StopTimer(s.repromote)
	s.logger.Debug().Msg("Unsubscribed")
}

func (s *Subscription) setState(st State) {
	if st.Mode != s.state.Mode {
		observability.RecordDeliveryMode(string(s.state.Mode), string(st.Mode))
	}
	s.state = st
	if s.h.OnState != nil {
		s.h.OnState(st)
	}
}

func (s *Subscription) setHealthy(ok bool) {
	if ok == s.healthy {
		return
	}
	s.healthy = ok
	if s.h.OnHealth != nil {
		s.h.OnHealth(ok)
	}
}

func (s *Subscription) connect() {
	if s.closed {
		return
	}
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(s.ctx)
	s.stopPush = cancel

	push, sched, id := s.c.push, s.c.sched, s.channelID
	sched.Go(func() {
		err := push.Stream(ctx, id,
			func() { sched.Post(func() { s.opened(gen) }) },
			func(e Event) { sched.Post(func() { s.received(gen, e) }) },
		)
		sched.Post(func() { s.ended(gen, err) })
	})
}

func (s *Subscription) opened(gen uint64) {
	if s.closed || gen != s.gen {
		return
	}
	s.logger.Info().Str("transport", s.c.push.Name()).Msg("Push stream connected")
	s.setState(State{Mode: ModeConnected})
	s.setHealthy(true)
}

func (s *Subscription) received(gen uint64, e Event) {
	if s.closed || gen != s.gen {
		return
	}
	s.deliver(e, s.c.push.Name())
}

func (s *Subscription) ended(gen uint64, err error) {
	if s.closed || gen != s.gen {
		return
	}
	s.stopPush()
	if err == nil {
		err = errStreamClosed
	}

	failures := s.state.Failures + 1
	observability.RecordDeliveryEvent(s.c.push.Name(), "error")

	if failures >= s.c.cfg.FailureThreshold && s.c.poll != nil {
		s.logger.Warn().
			Err(err).
			Int("failures", failures).
			Msg("Push delivery keeps failing, switching to polling")
		s.state.Failures = failures
		s.downgrade()
		return
	}

	if failures >= s.c.cfg.FailureThreshold {
		s.setHealthy(false)
	}

	backoff := resilience.CalculateBackoff(failures-1, s.c.cfg.InitialBackoff, s.c.cfg.MaxBackoff, 2.0)
	s.logger.Warn().
		Err(err).
		Int("failures", failures).
		Dur("backoff", backoff).
		Msg("Push stream failed, reconnecting")
	s.setState(State{Mode: ModeReconnecting, Failures: failures, Backoff: backoff})
	s.reconnect = s.c.sched.AfterFunc(backoff, s.connect)
}

func (s *Subscription) downgrade() {
	observability.RecordDeliveryDowngrade()
	s.gen++
	s.startPolling()

	if s.c.cfg.RepromoteAfter > 0 && s.c.push != nil {
		s.repromote = s.c.sched.AfterFunc(s.c.cfg.RepromoteAfter, func() {
			if s.closed || s.state.Mode != ModePolling {
				return
			}
			s.logger.Info().Msg("Retrying push delivery")
			loop.StopTimer(s.pollTimer)
			s.gen++
			s.setState(State{Mode: ModeReconnecting})
			s.connect()
		})
	}
}

func (s *Subscription) startPolling() {
	s.setState(State{Mode: ModePolling, Failures: s.state.Failures})
	if s.c.poll == nil {
		s.logger.Error().Msg("No transport available for delivery")
		s.setHealthy(false)
		return
	}
	s.pollOnce()
}

func (s *Subscription) pollOnce() {
	if s.closed || s.state.Mode != ModePolling {
		return
	}
	gen := s.gen
	poll, sched, id, limit := s.c.poll, s.c.sched, s.channelID, s.c.cfg.PollLimit
	ctx := s.ctx
	sched.Go(func() {
		events, err := poll.Fetch(ctx, id, limit)
		sched.Post(func() { s.polled(gen, events, err) })
	})
}

func (s *Subscription) polled(gen uint64, events []Event, err error) {
	if s.closed || gen != s.gen || s.state.Mode != ModePolling {
		return
	}
	if err != nil {
		s.pollFails++
		observability.RecordDeliveryEvent(s.c.poll.Name(), "error")
		s.logger.Warn().Err(err).Int("failures", s.pollFails).Msg("Poll failed")
		if s.pollFails >= s.c.cfg.PollFailures {
			s.setHealthy(false)
		}
	} else {
		s.pollFails = 0
		s.setHealthy(true)
		sort.SliceStable(events, func(i, j int) bool { return events[i].TS.Before(events[j].TS) })
		for _, e := range events {
			if s.closed {
				return
			}
			s.deliver(e, s.c.poll.Name())
		}
	}
	s.pollTimer = s.c.sched.AfterFunc(s.c.cfg.PollInterval, s.pollOnce)
}

// deliver routes e to its handler once per subscription
func (s *Subscription) deliver(e Event, transport string) {
	if e.ID == "" {
		observability.RecordDeliveryEvent(transport, "invalid")
		return
	}
	if _, dup := s.seen[e.ID]; dup {
		observability.RecordDeliveryEvent(transport, "duplicate")
		return
	}
	s.seen[e.ID] = struct{}{}

	if !e.TS.IsZero() && e.TS.Before(s.start.Add(-s.c.cfg.StaleGrace)) {
		observability.RecordDeliveryEvent(transport, "stale")
		return
	}

	observability.RecordDeliveryEvent(transport, "delivered")
	if s.c.cfg.SelfID != "" && e.By == s.c.cfg.SelfID {
		e.Origin = OriginSelf
		if s.h.OnSelf != nil {
			s.h.OnSelf(e)
		}
		return
	}
	e.Origin = OriginRemote
	if s.h.OnRemote != nil {
		s.h.OnRemote(e)
	}
}
