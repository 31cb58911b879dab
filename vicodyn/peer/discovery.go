package peer

import (
	"context"
	"encoding/json"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// realRecord is the JSON document stored at each discovery key, decoding
// into a Real registration (spec.md §4.11's register_real arguments).
type realRecord struct {
	UUID      string   `json:"uuid"`
	Endpoints []string `json:"endpoints"`
	Local     bool     `json:"local"`
	Services  []string `json:"services"`
}

// Discovery watches an etcd key prefix and drives RegisterReal/
// UnregisterReal on a Pool as peers come and go. This is advisory,
// best-effort membership: the pool's own state is always local, per the
// decision recorded against spec.md's Vicodyn peer-discovery consistency
// Open Question -- etcd is never a source of cross-host consensus here.
type Discovery struct {
	client *clientv3.Client
	prefix string
	pool   *Pool

	generation uint64 // incremented on Stop, guards stale watch callbacks
}

// NewDiscovery returns a Discovery bound to client, watching prefix and
// registering/unregistering Reals on pool.
func NewDiscovery(client *clientv3.Client, prefix string, pool *Pool) *Discovery {
	return &Discovery{client: client, prefix: prefix, pool: pool}
}

// Run loads the current key set under the prefix, then watches for
// changes until ctx is cancelled or the watch fails. Stop does not end
// Run: after Stop it keeps watching, but its events no longer touch the
// pool. Run is blocking and
// is meant to be launched from a supervised goroutine (internal/task).
func (d *Discovery) Run(ctx context.Context) error {
	var gen = atomic.LoadUint64(&d.generation)

	resp, err := d.client.Get(ctx, d.prefix, clientv3.WithPrefix())
	if err != nil {
		return err
	}
	for _, kv := range resp.Kvs {
		d.apply(gen, kv.Key, kv.Value)
	}

	var watch = d.client.Watch(ctx, d.prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for wresp := range watch {
		if wresp.Err() != nil {
			return wresp.Err()
		}
		for _, ev := range wresp.Events {
			if ev.Type == clientv3.EventTypeDelete {
				d.remove(gen, ev.Kv.Key)
			} else {
				d.apply(gen, ev.Kv.Key, ev.Kv.Value)
			}
		}
	}
	return ctx.Err()
}

// Stop invalidates any in-flight watch callbacks belonging to this
// Discovery's current generation, so a torn-down Discovery cannot mutate
// a Pool it no longer owns after a caller has moved on.
func (d *Discovery) Stop() {
	atomic.AddUint64(&d.generation, 1)
}

func (d *Discovery) apply(gen uint64, key, value []byte) {
	if atomic.LoadUint64(&d.generation) != gen {
		return
	}
	var rec realRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		log.WithField("err", err).WithField("key", string(key)).Warn("decoding peer discovery record")
		return
	}
	d.pool.RegisterReal(Real{
		UUID:      rec.UUID,
		Endpoints: rec.Endpoints,
		Local:     rec.Local,
		Services:  rec.Services,
	})
}

func (d *Discovery) remove(gen uint64, key []byte) {
	if atomic.LoadUint64(&d.generation) != gen {
		return
	}
	// The key's trailing path segment is the peer UUID by convention
	// (<prefix>/<uuid>); discovery records are written that way by
	// whatever external registrar owns this prefix.
	var k = string(key)
	var uuid = k
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == '/' {
			uuid = k[i+1:]
			break
		}
	}
	d.pool.UnregisterReal(uuid)
}
