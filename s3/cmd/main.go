package main

import (
	"context"

	"github.com/gotomicro/ego"
	"github.com/gotomicro/ego/core/elog"
	"github.com/gotomicro/ego/server/egin"

	"github.com/orcastor/s3gw/admin"
	"github.com/orcastor/s3gw/auth"
	"github.com/orcastor/s3gw/core"
	"github.com/orcastor/s3gw/multipart"
	"github.com/orcastor/s3gw/s3"
	"github.com/orcastor/s3gw/sigv4"
	"github.com/orcastor/s3gw/storage"
)

// EGO_DEBUG=true S3GW_PROVIDER=fs S3GW_ROOT=/opt/s3gw S3GW_REDIS_ADDR=127.0.0.1:6379 S3GW_SECRET=xxxxxxxx egoctl run --runargs --config=config.toml
// EGO_DEBUG=true S3GW_PROVIDER=fs S3GW_ROOT=/opt/s3gw S3GW_REDIS_ADDR=127.0.0.1:6379 S3GW_SECRET=xxxxxxxx go run ./... --config=config.toml
func main() {
	app := ego.New()

	cfg, err := core.LoadConfig("s3gw")
	if err != nil {
		elog.Panic("config", elog.FieldErr(err))
	}
	core.Init(cfg)

	backend, err := storage.Open(cfg.Storage)
	if err != nil {
		elog.Panic("storage", elog.String("provider", cfg.Storage.Provider), elog.FieldErr(err))
	}
	ctx := context.Background()
	tracker, err := multipart.NewTracker(ctx, backend)
	if err != nil {
		elog.Panic("multipart", elog.FieldErr(err))
	}
	if cfg.Multipart.Schedule != "" {
		janitor, err := multipart.NewJanitor(tracker, cfg.Multipart)
		if err != nil {
			elog.Panic("multipart janitor", elog.FieldErr(err))
		}
		janitor.Start(ctx)
		defer janitor.Stop()
	}

	keys := auth.New(cfg.Auth)
	verifier := sigv4.NewVerifier(keys, sigv4.WithClockSkew(cfg.Auth.Skew()))

	servers := []*egin.Component{func() *egin.Component {
		server := egin.Load("server.http").Build()
		s3.NewServer(backend, tracker, cfg.Auth.Region).Mount(server, verifier)
		return server
	}()}
	if cfg.Admin.Secret != "" {
		servers = append(servers, func() *egin.Component {
			server := egin.Load("server.admin").Build()
			admin.NewServer(cfg, keys, tracker).Mount(server)
			return server
		}())
	} else {
		elog.Warn("admin api disabled: no secret configured")
	}

	for _, server := range servers {
		app.Serve(server)
	}
	if err := app.Run(); err != nil {
		elog.Panic("startup", elog.Any("err", err))
	}
	if err := backend.Close(); err != nil {
		elog.Warn("close storage", elog.FieldErr(err))
	}
}
