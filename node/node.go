// Package node implements C8, the Node Service: a directory of Engines
// keyed by app name, with start/pause/list/info RPCs and parallel
// runlist boot (spec.md §4.8).
//
// Grounded on dwarri-gazette/consumer/service.go's Service type: a
// guarded map of live shards plus a boot sequence that loads state and
// starts workers in parallel via an errgroup, collecting failures rather
// than aborting.
package node

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	"go.vicodyn.dev/core/app"
	"go.vicodyn.dev/core/authz"
	"go.vicodyn.dev/core/engine"
	"go.vicodyn.dev/core/metrics"
	"go.vicodyn.dev/core/protocol"
	"go.vicodyn.dev/core/slave"
	"go.vicodyn.dev/core/spawner"
	"go.vicodyn.dev/core/storage"
)

type appEntry struct {
	engine   *engine.Engine
	manifest app.Manifest
	profile  app.Profile
}

// Service is the Node Service (C8): the process-wide directory of Engines.
type Service struct {
	spw     spawner.Spawner
	store   storage.Store
	metrics *metrics.Registry
	authz   authz.Authorizer

	mu   sync.RWMutex
	apps map[string]*appEntry
}

// New returns an empty Service. az may be nil, in which case every
// enqueue is allowed (authz.AllowAll).
func New(spw spawner.Spawner, store storage.Store, reg *metrics.Registry, az authz.Authorizer) *Service {
	if az == nil {
		az = authz.AllowAll{}
	}
	return &Service{spw: spw, store: store, metrics: reg, authz: az, apps: make(map[string]*appEntry)}
}

// Boot reads the named runlist from storage and starts every entry in
// parallel; per spec.md §4.8, failures are collected and reported but do
// not abort boot.
func (s *Service) Boot(ctx context.Context, runlist string) error {
	entries, err := s.store.Runlist(ctx, runlist)
	if err != nil {
		return errors.Wrap(err, "loading runlist")
	}

	// A plain errgroup.Group, not WithContext: one app's StartApp failure
	// must not cancel its siblings' in-flight spawns (spec.md §4.8).
	var g errgroup.Group
	var mu sync.Mutex
	var failures []error

	for _, entry := range entries {
		var e = entry
		g.Go(func() error {
			if _, err := s.StartApp(ctx, e.App, e.Profile); err != nil {
				mu.Lock()
				failures = append(failures, errors.Wrapf(err, "starting app %q", e.App))
				mu.Unlock()
				log.WithFields(log.Fields{"app": e.App, "err": err}).Warn("node: app failed to start at boot")
			}
			return nil
		})
	}
	_ = g.Wait() // never returns an error: failures are collected above, not propagated

	if len(failures) > 0 {
		var msg = "node: boot completed with failures"
		for _, f := range failures {
			log.WithField("err", f).Warn(msg)
		}
	}
	return nil
}

// StartApp creates an Engine for name using the named profile document
// and name's manifest document, both loaded from storage. It blocks
// until the first Slave reaches Active, or returns an error if the pool
// target is nonzero and every initial spawn attempt crashed.
func (s *Service) StartApp(ctx context.Context, name, profileName string) (*engine.Engine, error) {
	manifestDoc, err := s.store.Manifest(ctx, name)
	if err != nil {
		return nil, errors.Wrap(err, "loading manifest")
	}
	var man app.Manifest
	if err := yaml.Unmarshal(manifestDoc, &man); err != nil {
		return nil, errors.Wrap(err, "parsing manifest")
	}
	man.Name = name
	if err := man.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid manifest")
	}

	profileDoc, err := s.store.Profile(ctx, profileName)
	if err != nil {
		return nil, errors.Wrap(err, "loading profile")
	}
	var prof app.Profile
	if err := yaml.Unmarshal(profileDoc, &prof); err != nil {
		return nil, errors.Wrap(err, "parsing profile")
	}
	if err := prof.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid profile")
	}

	s.mu.Lock()
	if _, exists := s.apps[name]; exists {
		s.mu.Unlock()
		return nil, errors.Errorf("app %q already started", name)
	}
	s.mu.Unlock()

	var eng = engine.New(name, engine.Manifest{Path: man.Path, Args: man.Args, Env: man.Env}, engine.Config{
		Concurrency: int(prof.Concurrency),
		QueueLimit:  int(prof.QueueLimit),
		PoolTarget:  int(prof.Pool),
		Slave: slave.Config{
			SpawnTimeout:       prof.SpawnTimeout.Duration(),
			HeartbeatInterval:  prof.HeartbeatInterval.Duration(),
			HeartbeatGrace:     prof.HeartbeatGrace.Duration(),
			SealTimeout:        prof.SealTimeout.Duration(),
			TerminateGrace:     prof.TerminateGrace.Duration(),
			OutputRingCapacity: int(prof.OutputRingCapacity),
			MaxLineLength:      int(prof.MaxLineLength),
		},
	}, s.spw, s.metrics.ForApp(name))

	if prof.Pool > 0 {
		if err := waitForFirstActiveOrFail(eng, prof); err != nil {
			eng.Pause()
			return nil, err
		}
	}

	s.mu.Lock()
	s.apps[name] = &appEntry{engine: eng, manifest: man, profile: prof}
	s.mu.Unlock()
	return eng, nil
}

// waitForFirstActiveOrFail polls the Engine until at least one Slave is
// Active, or until it concludes every initial spawn has crashed (spawned
// count for the target has been attempted and none survived), bounded by
// a timeout derived from the profile's own spawn/handshake timeouts.
func waitForFirstActiveOrFail(eng *engine.Engine, prof app.Profile) error {
	var deadline = time.Now().Add(prof.SpawnTimeout.Duration() + prof.HeartbeatInterval.Duration() + prof.HeartbeatGrace.Duration() + time.Second)
	for time.Now().Before(deadline) {
		var infos = eng.SlaveInfos()
		for _, info := range infos {
			if info.State == slave.Active {
				return nil
			}
		}
		var stats = eng.Stats()
		if stats.PoolSize == 0 && stats.Rejected == 0 {
			// Every initial slave has already terminated (the pool
			// emptied without ever going through rejection); the
			// rebalancer will keep trying, but spec.md's "reject on
			// first failure" calls for surfacing this immediately.
			return errors.New("app failed to reach active: all initial slaves crashed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return errors.New("app failed to reach active: timed out")
}

// PauseApp drops name's Engine, draining its pool.
func (s *Service) PauseApp(name string) error {
	s.mu.Lock()
	var entry, ok = s.apps[name]
	if ok {
		delete(s.apps, name)
	}
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("no such app: %s", name)
	}
	entry.engine.Pause()
	return nil
}

// List returns every started app name, sorted.
func (s *Service) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names = make([]string, 0, len(s.apps))
	for name := range s.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) lookup(name string) (*appEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var e, ok = s.apps[name]
	return e, ok
}

// --- protocol.NodeServiceServer ---

func (s *Service) StartAppRPC(ctx context.Context, req *protocol.StartAppRequest) (*protocol.StartAppResponse, error) {
	if _, err := s.StartApp(ctx, req.Name, req.Profile); err != nil {
		return &protocol.StartAppResponse{OK: false, Error: err.Error()}, nil
	}
	return &protocol.StartAppResponse{OK: true}, nil
}

func (s *Service) PauseAppRPC(ctx context.Context, req *protocol.PauseAppRequest) (*protocol.PauseAppResponse, error) {
	if err := s.PauseApp(req.Name); err != nil {
		return &protocol.PauseAppResponse{OK: false, Error: err.Error()}, nil
	}
	return &protocol.PauseAppResponse{OK: true}, nil
}

func (s *Service) ListRPC(ctx context.Context, req *protocol.ListRequest) (*protocol.ListResponse, error) {
	return &protocol.ListResponse{Names: s.List()}, nil
}

func (s *Service) InfoRPC(ctx context.Context, req *protocol.InfoRequest) (*protocol.InfoResponse, error) {
	var entry, ok = s.lookup(req.Name)
	if !ok {
		return nil, status.Error(codes.NotFound, "no such app")
	}
	var stats = entry.engine.Stats()
	var resp = &protocol.InfoResponse{
		Name:     req.Name,
		Pool:     stats.PoolSize,
		Queued:   stats.QueueDepth,
		Accepted: stats.Accepted,
		Rejected: stats.Rejected,
	}
	if req.Flags.Verbose {
		for _, st := range entry.engine.SlaveInfos() {
			resp.Slaves = append(resp.Slaves, protocol.SlaveInfo{
				UUID:       st.UUID,
				State:      string(st.State),
				Load:       st.Load,
				LifetimeTx: st.Tx,
				LifetimeRx: st.Rx,
				AgeSeconds: st.Age.Seconds(),
			})
		}
	}
	return resp, nil
}

func (s *Service) Enqueue(stream protocol.NodeService_EnqueueServer) error {
	var appName, wantedSlave = routingMetadata(stream.Context())
	var entry, ok = s.lookup(appName)
	if !ok {
		return status.Error(codes.NotFound, "no such app")
	}

	frame, err := stream.Recv()
	if err != nil {
		return errors.Wrap(err, "enqueue: recv")
	}
	if frame.Invoke == nil {
		return status.Error(codes.InvalidArgument, "first frame must be an invoke")
	}

	if err := s.authz.Authorize(stream.Context(), appName, frame.Invoke.Event, frame.Headers); err != nil {
		return status.Error(codes.PermissionDenied, err.Error())
	}

	var ch, enqErr = entry.engine.Enqueue(stream.Context(), frame.Invoke.Event, frame.Headers, streamForward{stream}, streamBackward{stream}, wantedSlave)
	if enqErr != nil {
		return status.Error(codes.ResourceExhausted, enqErr.Error())
	}

	<-stream.Context().Done()
	ch.Cancel()
	return nil
}

func (s *Service) Handshake(stream protocol.NodeService_HandshakeServer) error {
	var appName, _ = routingMetadata(stream.Context())
	var entry, ok = s.lookup(appName)
	if !ok {
		return status.Error(codes.NotFound, "no such app")
	}
	return entry.engine.Prototype()(stream)
}

func (s *Service) Attach(stream protocol.NodeService_AttachServer) error {
	var md, _ = metadata.FromIncomingContext(stream.Context())
	var appName = first(md.Get("app"))
	var uuid = first(md.Get("uuid"))

	var entry, ok = s.lookup(appName)
	if !ok {
		return status.Error(codes.NotFound, "no such app")
	}
	m, ok := entry.engine.MachineByUUID(uuid)
	if !ok {
		return status.Error(codes.NotFound, "no such slave")
	}
	if err := m.AttachData(stream); err != nil {
		return err
	}
	<-stream.Context().Done()
	return nil
}

func routingMetadata(ctx context.Context) (appName, wantedSlave string) {
	var md, _ = metadata.FromIncomingContext(ctx)
	return first(md.Get("app")), first(md.Get("wanted-slave"))
}

func first(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

type streamForward struct {
	stream protocol.NodeService_EnqueueServer
}

func (f streamForward) Recv() (*protocol.DataFrame, error) { return f.stream.Recv() }

type streamBackward struct {
	stream protocol.NodeService_EnqueueServer
}

func (b streamBackward) Send(f *protocol.DataFrame) error { return b.stream.Send(f) }

var _ protocol.NodeServiceServer = (*serverAdapter)(nil)

// serverAdapter renames Service's RPC methods to the exact names
// protocol.NodeServiceServer requires (StartApp/PauseApp/List/Info),
// keeping Service's own Go API (StartApp returning *engine.Engine,
// PauseApp(name) error, List() []string) free of the RPC signature.
type serverAdapter struct{ *Service }

func (a *serverAdapter) StartApp(ctx context.Context, req *protocol.StartAppRequest) (*protocol.StartAppResponse, error) {
	return a.Service.StartAppRPC(ctx, req)
}
func (a *serverAdapter) PauseApp(ctx context.Context, req *protocol.PauseAppRequest) (*protocol.PauseAppResponse, error) {
	return a.Service.PauseAppRPC(ctx, req)
}
func (a *serverAdapter) List(ctx context.Context, req *protocol.ListRequest) (*protocol.ListResponse, error) {
	return a.Service.ListRPC(ctx, req)
}
func (a *serverAdapter) Info(ctx context.Context, req *protocol.InfoRequest) (*protocol.InfoResponse, error) {
	return a.Service.InfoRPC(ctx, req)
}

// AsGRPCServer returns an adapter implementing protocol.NodeServiceServer,
// suitable for registration with NodeServiceServiceDesc.
func (s *Service) AsGRPCServer() protocol.NodeServiceServer { return &serverAdapter{s} }
