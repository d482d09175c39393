// Package client implements the BFT2f request driver: it submits
// signed operations, collates replies into quorums, retransmits on
// silence, and raises a fork-* alarm when reply hash chains diverge.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"bft2f/cluster"
	"bft2f/hashchain"
	"bft2f/message"
	"bft2f/signing"
	"bft2f/transport"
)

// Kind classifies a submission outcome.
type Kind int

const (
	// KindResult is a linearizable result backed by a 2f+1 reply
	// quorum agreeing on (view, timestamp, result, hcv).
	KindResult Kind = iota
	// KindForkAlarm means f+1 replies agreed on the result but their
	// hash chains diverged: fork-* has manifested. The result, if
	// surfaced, is not linearizable.
	KindForkAlarm
	// KindTimeout means no quorum arrived before the deadline.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindResult:
		return "result"
	case KindForkAlarm:
		return "fork-alarm"
	case KindTimeout:
		return "timeout"
	}
	return "invalid"
}

// Outcome is the result of one Submit.
type Outcome struct {
	Kind   Kind
	Result []byte
	View   message.View
	HCV    hashchain.HCV

	// ConflictingHCVs holds the divergent chain values behind a fork
	// alarm.
	ConflictingHCVs []hashchain.HCV
}

// Driver drives requests for one client. It holds at most one
// outstanding request at a time.
type Driver struct {
	id     message.ClientID
	cfg    *cluster.Config
	ring   *signing.KeyRing
	auth   *signing.Authenticator
	tr     transport.Transport
	logger *zap.Logger

	mu   sync.Mutex
	ts   message.Timestamp
	view message.View
}

// New builds a driver. The transport must already be registered for
// this client's id; Start/Stop manage it.
func New(id message.ClientID, cfg *cluster.Config, ring *signing.KeyRing,
	auth *signing.Authenticator, tr transport.Transport, logger *zap.Logger) (*Driver, error) {
	if id < message.ClientIDFloor {
		return nil, errors.Errorf("client id %d below floor %d", id, message.ClientIDFloor)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		id:     id,
		cfg:    cfg,
		ring:   ring,
		auth:   auth,
		tr:     tr,
		logger: logger.With(zap.Uint64("client", uint64(id))),
	}, nil
}

// Start starts the underlying transport.
func (d *Driver) Start() error {
	return d.tr.Start()
}

// Stop stops the underlying transport.
func (d *Driver) Stop() error {
	return d.tr.Stop()
}

// Submit sends one operation and blocks until a quorum outcome, a
// fork alarm, or the context deadline. Timestamps are strictly
// increasing per client; the replicas use them for at-most-once
// execution.
func (d *Driver) Submit(ctx context.Context, op []byte) Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ts++
	req := &message.Request{Client: d.id, Timestamp: d.ts, Op: op}
	req.Sig = d.ring.Sign(req.SigningBytes())
	env := &message.Envelope{
		Tag:    message.TagRequest,
		View:   d.view,
		Sender: uint64(d.id),
		Body:   req,
	}
	data := d.seal(env)

	// First to the suspected primary; multicast after silence.
	d.tr.Send(uint64(d.cfg.Primary(d.view)), data)

	retransmit := time.NewTimer(d.cfg.RequestTimeout.Std())
	defer retransmit.Stop()

	replies := make(map[message.ReplicaID]*message.Reply)
	for {
		select {
		case <-ctx.Done():
			if out, ok := d.forkAlarm(replies); ok {
				return out
			}
			d.logger.Warn("request timed out",
				zap.Uint64("timestamp", uint64(d.ts)))
			return Outcome{Kind: KindTimeout}
		case <-retransmit.C:
			d.tr.Broadcast(data)
			retransmit.Reset(d.cfg.RequestTimeout.Std())
		case in, ok := <-d.tr.Receive():
			if !ok {
				return Outcome{Kind: KindTimeout}
			}
			reply := d.decodeReply(in.Data)
			if reply == nil || reply.Client != d.id || reply.Timestamp != d.ts {
				continue
			}
			replies[reply.Replica] = reply
			if reply.View > d.view {
				d.view = reply.View
			}
			if out, ok := d.quorum(replies); ok {
				return out
			}
			if out, ok := d.settledFork(replies); ok {
				return out
			}
		}
	}
}

func (d *Driver) seal(env *message.Envelope) []byte {
	env.Auth = nil
	bare := message.Marshal(env)
	authed := bare[:len(bare)-4]
	env.Auth = d.auth.Authenticate(authed, d.cfg.ReplicaIDs())
	return message.Marshal(env)
}

func (d *Driver) decodeReply(data []byte) *message.Reply {
	env, err := message.Unmarshal(data)
	if err != nil {
		return nil
	}
	authed, ok := message.AuthenticatedBytes(data)
	if !ok {
		return nil
	}
	if d.auth.Check(env.Sender, authed, env.Auth) != nil {
		return nil
	}
	reply, ok := env.Body.(*message.Reply)
	if !ok || uint64(reply.Replica) != env.Sender {
		return nil
	}
	return reply
}

type replyKey struct {
	view   message.View
	result string
	hcv    hashchain.HCV
}

// quorum accepts once 2f+1 replies agree on (view, timestamp, result,
// hcv). Timestamps already matched during collection.
func (d *Driver) quorum(replies map[message.ReplicaID]*message.Reply) (Outcome, bool) {
	counts := make(map[replyKey]int)
	for _, r := range replies {
		k := replyKey{view: r.View, result: string(r.Result), hcv: r.HCV}
		counts[k]++
		if counts[k] >= d.cfg.Quorum() {
			return Outcome{
				Kind:   KindResult,
				Result: r.Result,
				View:   r.View,
				HCV:    r.HCV,
			}, true
		}
	}
	return Outcome{}, false
}

// settledFork raises the alarm early once no chain value can still
// reach a full quorum, so a single bad replica cannot force one while
// honest agreement is still possible.
func (d *Driver) settledFork(replies map[message.ReplicaID]*message.Reply) (Outcome, bool) {
	remaining := d.cfg.N() - len(replies)
	best := 0
	counts := make(map[replyKey]int)
	for _, r := range replies {
		k := replyKey{view: r.View, result: string(r.Result), hcv: r.HCV}
		counts[k]++
		if counts[k] > best {
			best = counts[k]
		}
	}
	if best+remaining >= d.cfg.Quorum() {
		return Outcome{}, false
	}
	return d.forkAlarm(replies)
}

// forkAlarm checks whether f+1 replies agree on the result while
// their HCVs diverge.
func (d *Driver) forkAlarm(replies map[message.ReplicaID]*message.Reply) (Outcome, bool) {
	byResult := make(map[string][]*message.Reply)
	for _, r := range replies {
		byResult[string(r.Result)] = append(byResult[string(r.Result)], r)
	}
	for result, group := range byResult {
		if len(group) < d.cfg.F+1 {
			continue
		}
		hcvs := make(map[hashchain.HCV]bool)
		for _, r := range group {
			hcvs[r.HCV] = true
		}
		if len(hcvs) < 2 {
			continue
		}
		out := Outcome{Kind: KindForkAlarm, Result: []byte(result)}
		for h := range hcvs {
			out.ConflictingHCVs = append(out.ConflictingHCVs, h)
		}
		d.logger.Warn("fork-* divergence observed",
			zap.Int("conflicting_chains", len(out.ConflictingHCVs)))
		return out, true
	}
	return Outcome{}, false
}
