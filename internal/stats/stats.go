package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// BotStats tracks cache population counters. Every value is kept both as
// an atomic (cheap reads for the status API and internal checks) and as a
// prometheus gauge on the given registry.
type BotStats struct {
	guildsPartial atomic.Int64
	guildsLoaded  atomic.Int64
	guildsOutage  atomic.Int64
	usersTotal    atomic.Int64
	usersUnique   atomic.Int64
	channels      atomic.Int64

	guildGauge   *prometheus.GaugeVec
	userGauge    *prometheus.GaugeVec
	channelGauge prometheus.Gauge
	eventCounter *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *BotStats {
	s := &BotStats{
		guildGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "guild_counts", Help: "Cached guilds by load state"},
			[]string{"state"},
		),
		userGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "user_counts", Help: "Cached users (total memberships, unique users)"},
			[]string{"kind"},
		),
		channelGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "channel_count", Help: "Cached guild channels"},
		),
		eventCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_events_total", Help: "Gateway events applied to the cache"},
			[]string{"type"},
		),
	}
	reg.MustRegister(s.guildGauge, s.userGauge, s.channelGauge, s.eventCounter)
	return s
}

func (s *BotStats) EventHandled(eventType string) {
	s.eventCounter.WithLabelValues(eventType).Inc()
}

func (s *BotStats) AddGuildsPartial(n int64) {
	s.guildGauge.WithLabelValues("partial").Add(float64(n))
	s.guildsPartial.Add(n)
}

func (s *BotStats) AddGuildsLoaded(n int64) {
	s.guildGauge.WithLabelValues("loaded").Add(float64(n))
	s.guildsLoaded.Add(n)
}

func (s *BotStats) AddGuildsOutage(n int64) {
	s.guildGauge.WithLabelValues("outage").Add(float64(n))
	s.guildsOutage.Add(n)
}

func (s *BotStats) AddUsersTotal(n int64) {
	s.userGauge.WithLabelValues("total").Add(float64(n))
	s.usersTotal.Add(n)
}

func (s *BotStats) AddUsersUnique(n int64) {
	s.userGauge.WithLabelValues("unique").Add(float64(n))
	s.usersUnique.Add(n)
}

func (s *BotStats) AddChannels(n int64) {
	s.channelGauge.Add(float64(n))
	s.channels.Add(n)
}

func (s *BotStats) GuildsPartial() int64 { return s.guildsPartial.Load() }
func (s *BotStats) GuildsLoaded() int64  { return s.guildsLoaded.Load() }
func (s *BotStats) GuildsOutage() int64  { return s.guildsOutage.Load() }
func (s *BotStats) UsersTotal() int64    { return s.usersTotal.Load() }
func (s *BotStats) UsersUnique() int64   { return s.usersUnique.Load() }
func (s *BotStats) Channels() int64      { return s.channels.Load() }
