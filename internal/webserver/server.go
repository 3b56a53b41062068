// Package webserver is the thin HTTP surface of the gateway: shared-secret
// authentication, parameter validation and translation of session manager
// outcomes to JSON responses. It never touches registry state directly.
package webserver

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/talkincode/wagate/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonSerializer plugs jsoniter into echo.
type jsonSerializer struct{}

func (jsonSerializer) Serialize(c echo.Context, i interface{}, indent string) error {
	enc := json.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (jsonSerializer) Deserialize(c echo.Context, i interface{}) error {
	return json.NewDecoder(c.Request().Body).Decode(i)
}

type Server struct {
	cfg     *config.AppConfig
	root    *echo.Echo
	svc     SessionService
	started time.Time
}

func NewServer(cfg *config.AppConfig, svc SessionService) *Server {
	s := &Server{
		cfg:     cfg,
		root:    echo.New(),
		svc:     svc,
		started: time.Now(),
	}
	s.root.HideBanner = true
	s.root.HidePort = true
	s.root.JSONSerializer = jsonSerializer{}
	s.root.Use(middleware.Recover())
	s.root.Use(s.requestLogger)
	s.registerRoutes()
	return s
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		zap.L().Debug("http request",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Int("status", c.Response().Status),
			zap.Duration("elapsed", time.Since(start)))
		return err
	}
}

// secretAuth guards all session-scoped routes with the shared secret from
// configuration, supplied as "Authorization: Bearer <secret>". The request
// never reaches the session manager on a mismatch.
func (s *Server) secretAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.Request().Header.Get(echo.HeaderAuthorization)
		token = strings.TrimPrefix(token, "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Web.Secret)) != 1 {
			return fail(c, http.StatusUnauthorized, "invalid or missing credentials")
		}
		return next(c)
	}
}

func (s *Server) registerRoutes() {
	s.root.GET("/health", s.getHealth)

	api := s.root.Group("/api", s.secretAuth)
	api.GET("/sessions", s.listSessions)
	api.POST("/:session/start-session", s.postStartSession)
	api.GET("/:session/qrcode", s.getQRCode)
	api.GET("/:session/status", s.getStatus)
	api.POST("/:session/logout", s.postLogout)
	api.POST("/:session/send-text", s.postSendText)
	api.POST("/:session/send-image", s.postSendImage)
	api.POST("/:session/send-file", s.postSendFile)
	api.POST("/:session/send-voice", s.postSendVoice)
	api.POST("/:session/send-video", s.postSendVideo)
	api.GET("/:session/messages/:target", s.getMessages)
	api.POST("/:session/webhook", s.postWebhook)
	api.DELETE("/:session/webhook", s.deleteWebhook)
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Web.Host, s.cfg.Web.Port)
	zap.L().Info("webserver: listening", zap.String("addr", addr))
	err := s.root.Start(addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting new connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.root.Shutdown(ctx)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.root
}
