// Package peer implements the Peer Pool (spec.md §4.11): a registry of
// remote runtimes keyed by UUID, a balancer-driven selection policy, and
// lazy gRPC connection management. It is the collaborator Proxy Dispatch
// (vicodyn package) asks for a backend each time it opens a forward
// session.
package peer

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.vicodyn.dev/core/protocol"
)

// ErrNoPeer is raised by Choose when no registered Peer advertises the
// requested service, matching spec.md §4.11's "service not available".
var ErrNoPeer = errors.New("service not available")

// Real is a registered backend: an identity advertising one or more
// service (app) names at a set of dial endpoints, driven by an external
// service-discovery callback (register_real/unregister_real, spec.md
// §4.11).
type Real struct {
	UUID      string
	Endpoints []string
	Local     bool
	Services  []string
}

// Peer is a connected-or-connectable backend. Connection is lazy: dialing
// happens on first use, not on registration, per spec.md §4.11.
type Peer struct {
	real Real

	mu     sync.Mutex
	cc     *grpc.ClientConn
	client protocol.VicodynClient
}

// Client returns a VicodynClient for p, dialing on first call. Concurrent
// callers share one dial attempt via the mutex; a failed dial is retried
// by the next caller rather than cached.
func (p *Peer) Client(ctx context.Context) (protocol.VicodynClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	if len(p.real.Endpoints) == 0 {
		return nil, errors.Errorf("peer %s advertises no endpoints", p.real.UUID)
	}
	cc, err := grpc.DialContext(ctx, p.real.Endpoints[0],
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("proto")))
	if err != nil {
		return nil, errors.Wrapf(err, "dialing peer %s", p.real.UUID)
	}
	p.cc = cc
	p.client = protocol.NewVicodynClient(cc)
	return p.client, nil
}

// UUID returns the Peer's registered identity.
func (p *Peer) UUID() string { return p.real.UUID }

// close tears down any established connection. Called when a Peer is
// unregistered or replaced by a new registration under the same UUID.
func (p *Peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cc != nil {
		if err := p.cc.Close(); err != nil {
			log.WithField("err", err).WithField("uuid", p.real.UUID).Warn("closing peer connection")
		}
		p.cc, p.client = nil, nil
	}
}

// Balancer selects one of a set of candidate Peers. round_robin is the
// only balancer spec.md §6 names as a default; the interface leaves room
// for others without committing the pool to one implementation.
type Balancer interface {
	// Pick returns the index into candidates to use next.
	Pick(candidates []*Peer) int
}

// RoundRobin cycles through candidates in the order the Pool presents
// them (sorted by UUID), independent of any one candidate's transient
// availability.
type RoundRobin struct {
	mu   sync.Mutex
	next uint64
}

func (b *RoundRobin) Pick(candidates []*Peer) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var i = int(b.next % uint64(len(candidates)))
	b.next++
	return i
}

// Pool is the Peer Pool of spec.md §4.11: a UUID-keyed registry of Reals,
// each lazily wrapped in a Peer, plus the balancer used by Choose.
type Pool struct {
	balancer Balancer

	mu    sync.RWMutex
	peers map[string]*Peer
}

// New returns an empty Pool using balancer for peer selection. A nil
// balancer defaults to RoundRobin, matching spec.md §6's stated default.
func New(balancer Balancer) *Pool {
	if balancer == nil {
		balancer = &RoundRobin{}
	}
	return &Pool{balancer: balancer, peers: make(map[string]*Peer)}
}

// RegisterReal adds or replaces the Real identified by real.UUID. Driven
// by an external service-discovery callback (spec.md §4.11).
func (p *Pool) RegisterReal(real Real) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.peers[real.UUID]; ok {
		existing.close()
	}
	p.peers[real.UUID] = &Peer{real: real}
}

// UnregisterReal removes and disconnects the Real identified by uuid, if
// present.
func (p *Pool) UnregisterReal(uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.peers[uuid]; ok {
		existing.close()
		delete(p.peers, uuid)
	}
}

// Choose returns a Peer advertising service, per the balancer's policy.
// headers is accepted for parity with spec.md §4.11's choose_peer
// signature; it is not passed to the Balancer, whose Pick sees only the
// candidates, so selection never depends on it.
func (p *Pool) Choose(service string, headers map[string]string) (*Peer, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var candidates []*Peer
	for _, peer := range p.peers {
		for _, s := range peer.real.Services {
			if s == service {
				candidates = append(candidates, peer)
				break
			}
		}
	}
	if len(candidates) == 0 {
		return nil, errors.Wrap(ErrNoPeer, service)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].real.UUID < candidates[j].real.UUID })
	return candidates[p.balancer.Pick(candidates)], nil
}

// ChooseExcluding is Choose, but excludes peer UUIDs in exclude. Used by
// Proxy Dispatch's retry path to avoid re-selecting a peer that just
// failed (spec.md §4.10's "choose a new Peer" on retry).
func (p *Pool) ChooseExcluding(service string, headers map[string]string, exclude map[string]bool) (*Peer, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var candidates []*Peer
	for uuid, peer := range p.peers {
		if exclude[uuid] {
			continue
		}
		for _, s := range peer.real.Services {
			if s == service {
				candidates = append(candidates, peer)
				break
			}
		}
	}
	if len(candidates) == 0 {
		return nil, errors.Wrap(ErrNoPeer, service)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].real.UUID < candidates[j].real.UUID })
	return candidates[p.balancer.Pick(candidates)], nil
}
