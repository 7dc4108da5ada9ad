// Package fakesvc 提供脚本化的问答服务替身（离线联调、端到端测试与 mock-serve 子命令）。
// 端点与线上服务一致：流式正文为 text/plain 的 [[CTXJSON]] 头部行 + 答案，JSON 端点返回单个结果对象。
package fakesvc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"ragstream/internal/diag"
	"ragstream/pkg/contract"
	"ragstream/plugins/transport/mock"
)

// Options: 替身行为。
type Options struct {
	Script mock.Script
	// AbortAfterChunks: >0 时流式响应在写出该数量的分片后直接断开连接。
	AbortAfterChunks int
	// Status: 非 0 时问答端点一律以该状态码拒绝（例如 429、503）。
	Status int
	Logger *diag.Logger
}

// Request: 已收到的问答请求。
type Request struct {
	Path  string
	Query contract.Query
}

// Server: 基于 echo 的问答服务替身。
type Server struct {
	e    *echo.Echo
	opts Options

	mu        sync.Mutex
	requests  []Request
	feedbacks []contract.Feedback
}

// New 校验脚本并注册路由。
func New(opts Options) (*Server, error) {
	if err := opts.Script.Validate(); err != nil {
		return nil, err
	}
	if opts.AbortAfterChunks < 0 {
		return nil, fmt.Errorf("fakesvc: abort_after_chunks < 0: %w", contract.ErrInvalidInput)
	}
	// 与 mock 传输一致的默认脚本
	opts.Script = mock.NewWithScript(opts.Script).Script()

	s := &Server{opts: opts, e: echo.New()}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Use(middleware.Recover())
	s.e.Use(s.access)

	api := s.e.Group("/api")
	api.POST("/stream_query", s.stream(false))
	api.POST("/stream_multihop_query", s.stream(true))
	api.POST("/query", s.query(false))
	api.POST("/multihop_query", s.query(true))
	api.POST("/feedback", s.feedback)
	return s, nil
}

// Handler 返回 http.Handler（用于 httptest）。
func (s *Server) Handler() http.Handler { return s.e }

// Start 监听 addr，直至 Shutdown。
func (s *Server) Start(addr string) error {
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭。
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

// Requests 返回已收到的问答请求副本。
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Feedbacks 返回已收到的评价副本。
func (s *Server) Feedbacks() []contract.Feedback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contract.Feedback(nil), s.feedbacks...)
}

// access: 每个请求一条 start/finish 日志。
func (s *Server) access(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := c.Request().URL.Path
		t := s.opts.Logger.StartWithKV("fakesvc", "request", "", map[string]string{"path": path})
		err := next(c)
		status := c.Response().Status
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
		}
		t.FinishWithKV("request", 0, map[string]string{"path": path, "status": strconv.Itoa(status)})
		return err
	}
}

// bind 解析并校验请求；失败以 422 返回（与线上服务的请求模型校验一致）。
func (s *Server) bind(c echo.Context, multiHop bool) (contract.Query, error) {
	var q contract.Query
	if err := c.Bind(&q); err != nil {
		return q, echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	q.MultiHop = multiHop
	q = q.WithDefaults()
	if err := contract.ValidateQuery(q); err != nil {
		return q, echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	s.mu.Lock()
	s.requests = append(s.requests, Request{Path: c.Request().URL.Path, Query: q})
	s.mu.Unlock()
	if s.opts.Status != 0 {
		return q, echo.NewHTTPError(s.opts.Status, http.StatusText(s.opts.Status))
	}
	return q, nil
}

func (s *Server) stream(multiHop bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		q, err := s.bind(c, multiHop)
		if err != nil {
			return err
		}
		sc := s.opts.Script
		chunks := sc.Chunks(sc.Body(q))
		delay := time.Duration(sc.DelayMS) * time.Millisecond
		ctx := c.Request().Context()

		resp := c.Response()
		resp.Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
		resp.Header().Set(echo.HeaderCacheControl, "no-cache")
		resp.WriteHeader(http.StatusOK)
		resp.Flush()
		for i, chunk := range chunks {
			if s.opts.AbortAfterChunks > 0 && i == s.opts.AbortAfterChunks {
				return s.abort(c)
			}
			if i > 0 && delay > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(delay):
				}
			}
			if _, err := resp.Write([]byte(chunk)); err != nil {
				return nil
			}
			resp.Flush()
		}
		return nil
	}
}

// abort 直接断开底层连接，客户端表现为正文中途截断。
func (s *Server) abort(c echo.Context) error {
	conn, _, err := c.Response().Hijack()
	if err != nil {
		return err
	}
	s.opts.Logger.Warn("fakesvc", "stream aborted", "", map[string]string{"path": c.Request().URL.Path})
	return conn.Close()
}

func (s *Server) query(multiHop bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		q, err := s.bind(c, multiHop)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, s.opts.Script.Result(q))
	}
}

func (s *Server) feedback(c echo.Context) error {
	var fb contract.Feedback
	if err := c.Bind(&fb); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if fb.Score != 1 && fb.Score != -1 {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "score must be 1 or -1")
	}
	s.mu.Lock()
	s.feedbacks = append(s.feedbacks, fb)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
