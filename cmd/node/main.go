// Command node runs the Node Service (spec.md §4.8): a directory of
// per-app Engines, booted from a named runlist and served over gRPC.
package main

import (
	"context"
	"net/http"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"go.vicodyn.dev/core/authz"
	"go.vicodyn.dev/core/internal/rpcserver"
	"go.vicodyn.dev/core/metrics"
	"go.vicodyn.dev/core/node"
	"go.vicodyn.dev/core/protocol"
	"go.vicodyn.dev/core/spawner"
	"go.vicodyn.dev/core/storage"
)

// Config is the top-level flag/env surface for the node binary, grouped
// the way wordcountctl/main.go groups its own Config struct by concern.
var Config = new(struct {
	Node struct {
		Addr    string `long:"addr" env:"ADDR" default:":8420" description:"gRPC listen address"`
		Runlist string `long:"runlist" env:"RUNLIST" description:"Name of the runlist to boot; boot is skipped if empty"`
	} `group:"Node" namespace:"node" env-namespace:"NODE"`

	Storage struct {
		Backend       string `long:"backend" env:"BACKEND" default:"memory" choice:"memory" choice:"yaml" choice:"postgres" description:"Runlist/profile/manifest storage backend"`
		Dir           string `long:"dir" env:"DIR" description:"Root directory for the yaml backend"`
		DSN           string `long:"dsn" env:"DSN" description:"Postgres connection string for the postgres backend"`
		MigrationsDir string `long:"migrations-dir" env:"MIGRATIONS_DIR" description:"Directory of postgres schema migrations"`
	} `group:"Storage" namespace:"storage" env-namespace:"STORAGE"`

	Authz struct {
		JWTSecret string `long:"jwt-secret" env:"JWT_SECRET" description:"HMAC secret enabling bearer-token authorization; disabled (allow-all) if empty"`
	} `group:"Authz" namespace:"authz" env-namespace:"AUTHZ"`

	Metrics struct {
		Addr string `long:"addr" env:"ADDR" default:":8421" description:"Prometheus /metrics listen address"`
	} `group:"Metrics" namespace:"metrics" env-namespace:"METRICS"`

	Log struct {
		Level string `long:"level" env:"LEVEL" default:"info" description:"Logging level"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

func openStore() (storage.Store, error) {
	switch Config.Storage.Backend {
	case "memory":
		return storage.NewMemory(), nil
	case "yaml":
		if Config.Storage.Dir == "" {
			return nil, errors.New("storage.dir is required for the yaml backend")
		}
		return storage.NewYAMLFile(Config.Storage.Dir), nil
	case "postgres":
		if Config.Storage.DSN == "" {
			return nil, errors.New("storage.dsn is required for the postgres backend")
		}
		return storage.OpenPostgres(Config.Storage.DSN, Config.Storage.MigrationsDir)
	default:
		return nil, errors.Errorf("unknown storage backend %q", Config.Storage.Backend)
	}
}

func openAuthz() authz.Authorizer {
	if Config.Authz.JWTSecret == "" {
		return authz.AllowAll{}
	}
	return authz.NewJWTBearer([]byte(Config.Authz.JWTSecret))
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		log.WithField("err", err).Fatal("parsing arguments")
	}

	if level, err := log.ParseLevel(Config.Log.Level); err != nil {
		log.WithField("err", err).Fatal("parsing log level")
	} else {
		log.SetLevel(level)
	}

	store, err := openStore()
	if err != nil {
		log.WithField("err", err).Fatal("opening storage backend")
	}

	var ctx = context.Background()
	var registry = metrics.NewRegistry()
	var svc = node.New(spawner.NewLocal(), store, registry, openAuthz())

	if Config.Node.Runlist != "" {
		if err := svc.Boot(ctx, Config.Node.Runlist); err != nil {
			log.WithField("err", err).Fatal("booting runlist")
		}
	}

	srv, err := rpcserver.New(ctx, Config.Node.Addr)
	if err != nil {
		log.WithField("err", err).Fatal("binding gRPC listener")
	}
	srv.GRPCServer.RegisterService(&protocol.NodeServiceServiceDesc, svc.AsGRPCServer())

	go func() {
		log.WithField("addr", Config.Metrics.Addr).Info("serving metrics")
		var handler = promhttp.HandlerFor(registry.Gatherer(), promhttp.HandlerOpts{})
		if err := http.ListenAndServe(Config.Metrics.Addr, handler); err != nil {
			log.WithField("err", err).Warn("metrics server exited")
		}
	}()

	log.WithField("addr", srv.Addr().String()).Info("serving node")
	if err := srv.Serve(); err != nil {
		log.WithField("err", err).Fatal("serving gRPC")
	}
}
