package http

import (
	"github.com/gin-gonic/gin"

	"aichat/internal/bootstrap"
	"aichat/internal/transport/http/handler"
	"aichat/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)

	authHandler := handler.NewAuthHandler(app.AuthService)
	chatHandler := handler.NewChatHandler(app.ChatService)

	jwtSecret := app.Config.Auth.JWTSecret

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.POST("/refresh", middleware.AuthJWT(jwtSecret), authHandler.Refresh)
	authGroup.GET("/me", middleware.AuthJWT(jwtSecret), authHandler.Me)

	aiGroup := v1.Group("/ai")
	aiGroup.Use(middleware.AuthJWT(jwtSecret))
	aiGroup.POST("/chat", chatHandler.Chat)
	aiGroup.GET("/sessions", chatHandler.ListSessions)
	aiGroup.GET("/sessions/:id/messages", chatHandler.ListMessages)
	aiGroup.DELETE("/sessions/:id", chatHandler.DeleteSession)
	aiGroup.POST("/messages/:id/like", chatHandler.ToggleLike)
	aiGroup.POST("/messages/:id/regenerate", chatHandler.Regenerate)
	aiGroup.GET("/models", chatHandler.ListModels)

	return router
}
