// Package server 提供管理用 HTTP API
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/spikebot/gospike/internal/engine"
	"github.com/spikebot/gospike/internal/journal"
)

var log = logrus.WithField("module", "server")

// Server 管理 API 服务
type Server struct {
	eng  *engine.Engine
	jour *journal.Journal
	srv  *http.Server
}

// New 创建服务
func New(listen string, eng *engine.Engine, jour *journal.Journal) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{eng: eng, jour: jour}

	api := router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/trades", s.handleTrades)
		api.GET("/activities", s.handleActivities)
		api.POST("/close", s.handleClose)
		api.POST("/halt", s.handleHalt)
		api.POST("/resume", s.handleResume)
	}

	s.srv = &http.Server{
		Addr:    listen,
		Handler: router,
	}
	return s
}

// Start 启动监听（阻塞），正常关闭返回 nil
func (s *Server) Start() error {
	log.Infof("🌐 管理 API 启动: %s", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.Status())
}

func (s *Server) handleTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	trades, err := s.jour.RecentTrades(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleActivities(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	acts, err := s.jour.RecentActivities(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"activities": acts})
}

func (s *Server) handleClose(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := s.eng.Close(ctx); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "position closed"})
}

func (s *Server) handleHalt(c *gin.Context) {
	if err := s.eng.Halt(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "trading halted"})
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.eng.Resume(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "trading resumed"})
}
