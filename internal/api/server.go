package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Rivistaa/Bathbot/internal/cache"
	"github.com/Rivistaa/Bathbot/internal/stats"
)

// Server exposes cache introspection and prometheus metrics. It serves
// operators, not end users; command handling lives elsewhere.
type Server struct {
	log    *slog.Logger
	cache  *cache.Cache
	stats  *stats.BotStats
	router *gin.Engine
}

func NewServer(log *slog.Logger, c *cache.Cache, st *stats.BotStats) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		log:    log,
		cache:  c,
		stats:  st,
		router: gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/stats", s.handleStats)
	s.router.GET("/guilds/:id", s.handleGuild)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "ready": s.cache.IsReady()})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ready":          s.cache.IsReady(),
		"guilds":         s.cache.GuildCount(),
		"guilds_partial": s.stats.GuildsPartial(),
		"guilds_loaded":  s.stats.GuildsLoaded(),
		"guilds_outage":  s.stats.GuildsOutage(),
		"users_unique":   s.cache.UserCount(),
		"users_total":    s.stats.UsersTotal(),
		"channels":       s.stats.Channels(),
	})
}

func (s *Server) handleGuild(c *gin.Context) {
	guildID := c.Param("id")
	guild, ok := s.cache.GetGuild(guildID)
	if !ok {
		status := http.StatusNotFound
		if s.cache.IsUnavailable(guildID) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": "guild not cached"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           guild.ID,
		"name":         guild.Name,
		"owner_id":     guild.OwnerID,
		"complete":     guild.Complete(),
		"member_count": guild.MemberCount(),
		"members":      guild.Members(),
	})
}

func (s *Server) Run(addr string) error {
	s.log.Info("http_server_starting", "addr", addr)
	return s.router.Run(addr)
}
