// Package admin is the operator API: key management, upload inspection
// and presigned link minting, behind a bcrypt login and JWT.
package admin

import (
	"github.com/gin-gonic/gin"
	"github.com/orcastor/s3gw/admin/middleware"
	"github.com/orcastor/s3gw/auth"
	"github.com/orcastor/s3gw/core"
	"github.com/orcastor/s3gw/multipart"
)

type Server struct {
	cfg     core.AdminConfig
	keys    auth.KeyStore
	tracker *multipart.Tracker
	region  string
	maxAge  int
}

func NewServer(cfg *core.Config, keys auth.KeyStore, tracker *multipart.Tracker) *Server {
	return &Server{
		cfg:     cfg.Admin,
		keys:    keys,
		tracker: tracker,
		region:  cfg.Auth.Region,
		maxAge:  cfg.Multipart.MaxAgeSec,
	}
}

func (s *Server) Mount(r gin.IRouter) {
	api := r.Group("/_admin")
	api.Use(middleware.Metrics())
	api.Use(middleware.JWT(s.cfg.Secret))

	api.POST("/login", s.login)
	api.PUT("/keys/:id", s.putKey)
	api.DELETE("/keys/:id", s.deleteKey)
	api.GET("/uploads", s.listUploads)
	api.POST("/uploads/purge", s.purgeUploads)
	api.POST("/presign", s.presign)
}

func NewRouter(s *Server) *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery())
	s.Mount(e)
	return e
}
