package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pulse-server/internal/auth"
	serveHandler "pulse-server/internal/serve/handler"
	submissionsHandler "pulse-server/internal/submissions/handler"
	"pulse-server/internal/throttle"
)

type API struct {
	router             *gin.RouterGroup
	serveHandler       serveHandler.Handler
	submissionsHandler submissionsHandler.Handler
	authService        *auth.Service
}

func New(router *gin.RouterGroup, serveHandler serveHandler.Handler,
	submissionsHandler submissionsHandler.Handler, authService *auth.Service) API {
	return API{
		router:             router,
		serveHandler:       serveHandler,
		submissionsHandler: submissionsHandler,
		authService:        authService,
	}
}

func (a *API) RegisterRoutes() {
	a.Health()

	// Tag-facing routes. Crawlers get a flat 403 before any work happens.
	tagGroup := a.router.Group("/", throttle.BotFilter())
	{
		tagGroup.GET("/serve", a.serveHandler.HandleServe)
		tagGroup.GET("/direct_serve", a.serveHandler.HandleDirectServe)
		tagGroup.GET("/surveys/:id", a.serveHandler.HandleServeSurvey)
		tagGroup.GET("/surveys/:id/poll", a.serveHandler.HandlePoll)
		tagGroup.GET("/q/:question_id/a/:answer_id", a.serveHandler.HandleDirectSubmission)

		tagGroup.POST("/submissions/:udid/answer", a.submissionsHandler.HandleAnswer)
		tagGroup.GET("/submissions/:udid/answer", a.submissionsHandler.HandleAnswer)
		tagGroup.POST("/submissions/:udid/all_answers", a.submissionsHandler.HandleAllAnswers)
		tagGroup.POST("/submissions/:udid/close", a.submissionsHandler.HandleClose)
		tagGroup.GET("/submissions/:udid/close", a.submissionsHandler.HandleClose)
		tagGroup.POST("/submissions/:udid/viewed_at", a.submissionsHandler.HandleViewedAt)
		tagGroup.POST("/custom_content_link_click", a.submissionsHandler.HandleLinkClick)
		tagGroup.POST("/track_event", a.submissionsHandler.HandleTrackEvent)
		tagGroup.GET("/track_event", a.submissionsHandler.HandleTrackEvent)
	}

	adminGroup := a.router.Group("/admin", a.authService.Middleware())
	{
		adminGroup.DELETE("/submissions/:udid", a.submissionsHandler.HandleDestroy)
	}
}

func (a *API) Health() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
}
