package pool

import (
	"context"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/vovakirdan/wirebridge/internal/metrics"
)

// rejoinConcurrency bounds parallel channel joins after a reconnect.
const rejoinConcurrency = 4

type reconnectJob struct {
	session  *Session
	channels []string
}

func (p *Pool) handleDisconnected(s *Session, reason string) {
	p.mu.Lock()
	ns, ok := p.networks[s.Network]
	if !ok {
		p.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.status == StatusDead || s.status == StatusDisconnected {
		s.mu.Unlock()
		p.mu.Unlock()
		s.markDone()
		return
	}
	s.status = StatusDisconnected
	explicit := s.explicit
	channels := s.heldChannelsLocked()
	nick := s.nick
	if nick == "" {
		nick = s.desiredNick
	}
	s.mu.Unlock()
	s.markDone()

	registered := p.unregisterLocked(ns, s)
	log := p.log.With().
		Str("network", s.Network).
		Str("user_id", s.UserID).
		Str("session", s.ID).
		Str("reason", reason).
		Logger()

	if explicit || !registered || p.closed {
		p.mu.Unlock()
		log.Debug().Msg("session disconnected")
		return
	}
	if len(channels) == 0 {
		p.mu.Unlock()
		metrics.ReconnectsTotal.WithLabelValues(s.Network, "dropped").Inc()
		log.Info().Msg("session disconnected with no channels, dropping")
		return
	}

	// the last nick the user was seen under becomes the desired one
	replacement := p.newSessionLocked(ns, s.UserID, nick, s.IsBot)
	replacement.rejoin = make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		replacement.rejoin[ch] = struct{}{}
	}
	reconnects := ns.reconnects
	p.mu.Unlock()

	log.Info().Str("nick", nick).Int("channels", len(channels)).Msg("session disconnected, reconnecting")

	job := &reconnectJob{session: replacement, channels: channels}
	if reconnects == nil {
		go func() {
			_, _ = p.runReconnect(p.ctx, job)
		}()
		return
	}
	reconnects.Enqueue(replacement.ID, job)
	metrics.QueueWaitingItems.WithLabelValues("reconnect-" + s.Network).Set(float64(reconnects.WaitingItems()))
}

// runReconnect connects the replacement session and rejoins the channels of
// the session it replaces. A failed connect is not retried here.
func (p *Pool) runReconnect(ctx context.Context, job *reconnectJob) (struct{}, error) {
	s := job.session
	if err := s.client.Connect(ctx); err != nil {
		metrics.ReconnectsTotal.WithLabelValues(s.Network, "failure").Inc()
		p.failSession(s, err)
		return struct{}{}, err
	}
	metrics.ReconnectsTotal.WithLabelValues(s.Network, "success").Inc()

	rejoin := concpool.New().WithMaxGoroutines(rejoinConcurrency)
	for _, channel := range job.channels {
		rejoin.Go(func() {
			defer s.rejoinDone(channel)
			if err := s.Join(ctx, channel); err != nil {
				p.log.Warn().
					Err(err).
					Str("network", s.Network).
					Str("user_id", s.UserID).
					Str("channel", channel).
					Msg("rejoin after reconnect failed")
			}
		})
	}
	rejoin.Wait()

	p.log.Info().
		Str("network", s.Network).
		Str("user_id", s.UserID).
		Int("channels", len(job.channels)).
		Msg("session reconnected")
	return struct{}{}, nil
}
