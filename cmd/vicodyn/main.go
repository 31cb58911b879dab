// Command vicodyn runs the Proxy Dispatch (spec.md §4.10): a forwarding
// front door that routes client invocations to backends chosen from a
// Peer Pool (spec.md §4.11). Backends must serve the vicodyn.Vicodyn
// Invoke RPC; the Node Service does not serve it, so a Node cannot be
// used as a backend directly.
package main

import (
	"context"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"go.vicodyn.dev/core/app"
	"go.vicodyn.dev/core/authz"
	"go.vicodyn.dev/core/internal/rpcserver"
	"go.vicodyn.dev/core/protocol"
	"go.vicodyn.dev/core/vicodyn"
	"go.vicodyn.dev/core/vicodyn/peer"
)

// Config is the top-level flag/env surface for the vicodyn binary.
var Config = new(struct {
	Vicodyn struct {
		Addr       string `long:"addr" env:"ADDR" default:":8430" description:"gRPC listen address"`
		RetryLimit uint   `long:"retry-limit" env:"RETRY_LIMIT" default:"4" description:"Maximum retries against a new peer per invocation"`
	} `group:"Vicodyn" namespace:"vicodyn" env-namespace:"VICODYN"`

	Discovery struct {
		Endpoints []string `long:"etcd-endpoint" env:"ETCD_ENDPOINTS" env-delim:"," description:"etcd endpoints for peer discovery; discovery is disabled if empty"`
		Prefix    string   `long:"prefix" env:"PREFIX" default:"/vicodyn/peers/" description:"etcd key prefix under which peer records are written"`
	} `group:"Discovery" namespace:"discovery" env-namespace:"DISCOVERY"`

	Authz struct {
		JWTSecret string `long:"jwt-secret" env:"JWT_SECRET" description:"HMAC secret enabling bearer-token authorization; disabled (allow-all) if empty"`
	} `group:"Authz" namespace:"authz" env-namespace:"AUTHZ"`

	Log struct {
		Level string `long:"level" env:"LEVEL" default:"info" description:"Logging level"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

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

	var ctx = context.Background()
	var pool = peer.New(nil)

	if len(Config.Discovery.Endpoints) > 0 {
		etcdClient, err := clientv3.New(clientv3.Config{Endpoints: Config.Discovery.Endpoints})
		if err != nil {
			log.WithField("err", err).Fatal("dialing etcd")
		}
		var discovery = peer.NewDiscovery(etcdClient, Config.Discovery.Prefix, pool)
		go func() {
			if err := discovery.Run(ctx); err != nil && ctx.Err() == nil {
				log.WithField("err", err).Warn("peer discovery exited")
			}
		}()
	}

	var profile = app.DefaultVicodynProfile()
	profile.RetryLimit = Config.Vicodyn.RetryLimit
	var dispatch = vicodyn.New(pool, profile, openAuthz())

	srv, err := rpcserver.New(ctx, Config.Vicodyn.Addr)
	if err != nil {
		log.WithField("err", err).Fatal("binding gRPC listener")
	}
	srv.GRPCServer.RegisterService(&protocol.VicodynServiceDesc, dispatch)

	log.WithField("addr", srv.Addr().String()).Info("serving vicodyn")
	if err := srv.Serve(); err != nil {
		log.WithField("err", err).Fatal("serving gRPC")
	}
}
