package signalws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/croshq/meetpoint/internal/domain"
)

// RouterConfig is the slice of configuration the HTTP surface needs.
type RouterConfig struct {
	Mode   string
	Secret string
}

func SetupRouter(ctx context.Context, cfg RouterConfig, ctl *Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": ctl.Hub.Len()})
	})

	api := r.Group("/api")
	api.Use(AuthMiddleware(cfg.Secret))

	api.GET("/ws/signal", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})

	api.GET("/meeting/:id/participants", func(c *gin.Context) {
		meetingID := domain.MeetingID(c.Param("id"))
		roster, err := ctl.Deps.Registry.List(c.Request.Context(), meetingID)
		if err != nil {
			log.Error().Err(err).Str("module", "signalws.router").Str("meeting", string(meetingID)).Msg("roster read")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "roster unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"participants": roster})
	})

	api.GET("/meeting/:id/chats", func(c *gin.Context) {
		meetingID := domain.MeetingID(c.Param("id"))
		chats, err := ctl.Deps.Registry.Chats(c.Request.Context(), meetingID)
		if err != nil {
			log.Error().Err(err).Str("module", "signalws.router").Str("meeting", string(meetingID)).Msg("chat read")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "chats unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"chats": chats})
	})

	api.POST("/meeting/:id/complete", func(c *gin.Context) {
		meetingID := domain.MeetingID(c.Param("id"))
		var req struct {
			DurationSeconds int64 `json:"durationSeconds"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
			return
		}
		if ctl.Deps.History != nil {
			err := ctl.Deps.History.CompleteMeeting(c.Request.Context(), meetingID, time.Duration(req.DurationSeconds)*time.Second)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": string(domain.MeetingCompleted)})
	})

	log.Info().Str("module", "signalws.router").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
