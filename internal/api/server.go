// Package api 提供 HTTP 前端：命令、文本消息、通知拉取和运行状态
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/solbot/internal/bot"
	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/internal/notify"
	"github.com/betbot/solbot/internal/router"
	"github.com/betbot/solbot/pkg/logger"
)

// Dispatcher 命令处理（bot.Dispatcher 实现）
type Dispatcher interface {
	Handle(ctx context.Context, uid domain.UserID, cmd bot.Command) bot.Reply
	HandleText(ctx context.Context, uid domain.UserID, text string) bot.Reply
}

// Notifications 通知收件箱（notify.Outbox 实现）
type Notifications interface {
	Drain(uid domain.UserID) []notify.Message
}

// Status 运行状态
type Status struct {
	Feed          string               `json:"feed"`
	Reconnects    int64                `json:"reconnects"`
	ParseFailures int64                `json:"parse_failures"`
	Observed      []router.Observation `json:"observed"`
	ActiveDCA     int                  `json:"active_dca"`
	CopyLoops     int                  `json:"copy_loops"`
	Pending       int                  `json:"pending_actions"`
}

type Config struct {
	Listen    string
	JWTSecret string
	DevTokens bool
	TokenTTL  time.Duration
}

type Server struct {
	cfg    Config
	disp   Dispatcher
	notes  Notifications
	status func() Status
	log    *logrus.Entry
}

func New(cfg Config, disp Dispatcher, notes Notifications, status func() Status) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	return &Server{cfg: cfg, disp: disp, notes: notes, status: status, log: logger.Component("api")}, nil
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	r.GET("/api/status", s.wrap(s.handleStatus))
	if s.cfg.DevTokens {
		r.POST("/api/token", s.wrap(s.handleToken))
	}

	api := r.Group("/api", AuthMiddleware(s.cfg.JWTSecret))
	api.POST("/commands", s.wrap(s.handleCommand))
	api.POST("/messages", s.wrap(s.handleMessage))
	api.GET("/notifications", s.wrap(s.handleNotifications))
	return r
}

// Run 监听直到 ctx 结束
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Infof("HTTP 接口已启动: %s", s.cfg.Listen)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type ctxKey string

const uidKey ctxKey = "solbot_uid"

// wrap 把 net/http handler 适配为 gin，并把已认证的 uid 放入请求上下文
func (s *Server) wrap(h func(http.ResponseWriter, *http.Request)) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v, ok := c.Get(userContextKey); ok {
			c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), uidKey, v))
		}
		h(c.Writer, c.Request)
	}
}

func currentUser(r *http.Request) domain.UserID {
	uid, _ := r.Context().Value(uidKey).(domain.UserID)
	return uid
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
