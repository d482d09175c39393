package client

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bft2f/cluster"
	"bft2f/hashchain"
	"bft2f/message"
	"bft2f/signing"
	"bft2f/transport"
)

const testSecret = "driver-test-secret"

const testClient = message.ClientIDFloor

func testConfig() *cluster.Config {
	cfg := cluster.Local(4, 1, testSecret)
	cfg.RequestTimeout = cluster.Duration(100 * time.Millisecond)
	return cfg
}

func testRing(self uint64, cfg *cluster.Config) *signing.KeyRing {
	publics := make(map[uint64]ed25519.PublicKey)
	for _, id := range cfg.ReplicaIDs() {
		publics[id] = signing.DeriveKeyPair([]byte(testSecret), id).Public
	}
	publics[uint64(testClient)] = signing.DeriveKeyPair([]byte(testSecret), uint64(testClient)).Public
	return signing.NewKeyRing(self, signing.DeriveKeyPair([]byte(testSecret), self).Private, publics)
}

func newTestDriver(t *testing.T, cfg *cluster.Config, bus *transport.Bus) *Driver {
	t.Helper()
	d, err := New(
		testClient,
		cfg,
		testRing(uint64(testClient), cfg),
		signing.NewAuthenticator(uint64(testClient), []byte(testSecret)),
		bus.Endpoint(uint64(testClient), cfg.ReplicaIDs()),
		zaptest.NewLogger(t),
	)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	return d
}

// respondent is a scripted replica that answers any request with a
// fixed reply.
type respondent struct {
	id     message.ReplicaID
	ep     *transport.Endpoint
	view   message.View
	result []byte
	hcv    hashchain.HCV
}

func startRespondent(t *testing.T, bus *transport.Bus, cfg *cluster.Config, r respondent) {
	t.Helper()
	r.ep = bus.Endpoint(uint64(r.id), cfg.ReplicaIDs())
	require.NoError(t, r.ep.Start())
	auth := signing.NewAuthenticator(uint64(r.id), []byte(testSecret))
	go func() {
		for in := range r.ep.Receive() {
			env, err := message.Unmarshal(in.Data)
			if err != nil {
				continue
			}
			req, ok := env.Body.(*message.Request)
			if !ok {
				continue
			}
			reply := &message.Reply{
				View:      r.view,
				Timestamp: req.Timestamp,
				Client:    req.Client,
				Replica:   r.id,
				Result:    r.result,
				HCV:       r.hcv,
			}
			out := &message.Envelope{
				Tag:    message.TagReply,
				View:   r.view,
				Sender: uint64(r.id),
				Body:   reply,
			}
			out.Auth = nil
			bare := message.Marshal(out)
			out.Auth = auth.Authenticate(bare[:len(bare)-4], []uint64{uint64(req.Client)})
			r.ep.Send(uint64(req.Client), message.Marshal(out))
		}
	}()
}

func chainValue(tag string) hashchain.HCV {
	var d [hashchain.Size]byte
	copy(d[:], tag)
	return hashchain.Extend(hashchain.Genesis, d, 1, 0)
}

func TestSubmitAcceptsMatchingQuorum(t *testing.T) {
	cfg := testConfig()
	bus := transport.NewBus()
	h := chainValue("agreed")
	for id := uint64(0); id < 4; id++ {
		startRespondent(t, bus, cfg, respondent{
			id: message.ReplicaID(id), result: []byte("ok"), hcv: h,
		})
	}

	d := newTestDriver(t, cfg, bus)
	defer d.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := d.Submit(ctx, []byte("set k v"))
	require.Equal(t, KindResult, out.Kind)
	assert.Equal(t, []byte("ok"), out.Result)
	assert.Equal(t, h, out.HCV)
}

func TestSubmitRetransmitsAfterSilence(t *testing.T) {
	cfg := testConfig()
	bus := transport.NewBus()
	h := chainValue("agreed")
	// The suspected primary (replica 0) is absent; only the multicast
	// after the first timeout reaches a quorum of responders.
	for id := uint64(1); id < 4; id++ {
		startRespondent(t, bus, cfg, respondent{
			id: message.ReplicaID(id), result: []byte("ok"), hcv: h,
		})
	}

	d := newTestDriver(t, cfg, bus)
	defer d.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := d.Submit(ctx, []byte("set k v"))
	require.Equal(t, KindResult, out.Kind)
}

func TestSubmitIgnoresMinorityDisagreement(t *testing.T) {
	cfg := testConfig()
	bus := transport.NewBus()
	h := chainValue("agreed")
	for id := uint64(0); id < 3; id++ {
		startRespondent(t, bus, cfg, respondent{
			id: message.ReplicaID(id), result: []byte("ok"), hcv: h,
		})
	}
	// One lying replica reports a different chain; the honest quorum
	// still wins and no alarm is raised.
	startRespondent(t, bus, cfg, respondent{
		id: 3, result: []byte("ok"), hcv: chainValue("forged"),
	})

	d := newTestDriver(t, cfg, bus)
	defer d.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := d.Submit(ctx, []byte("set k v"))
	require.Equal(t, KindResult, out.Kind)
	assert.Equal(t, h, out.HCV)
}

func TestSubmitRaisesForkAlarm(t *testing.T) {
	cfg := testConfig()
	bus := transport.NewBus()
	// f+1 replies agree on the result but publish diverging chains,
	// and no chain can reach a full quorum: fork-* has manifested.
	hA := chainValue("branch-a")
	hB := chainValue("branch-b")
	startRespondent(t, bus, cfg, respondent{id: 0, result: []byte("ok"), hcv: hA})
	startRespondent(t, bus, cfg, respondent{id: 1, result: []byte("ok"), hcv: hA})
	startRespondent(t, bus, cfg, respondent{id: 2, result: []byte("ok"), hcv: hB})
	startRespondent(t, bus, cfg, respondent{id: 3, result: []byte("ok"), hcv: hB})

	d := newTestDriver(t, cfg, bus)
	defer d.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := d.Submit(ctx, []byte("set k v"))
	require.Equal(t, KindForkAlarm, out.Kind)
	assert.ElementsMatch(t, []hashchain.HCV{hA, hB}, out.ConflictingHCVs)
}

func TestSubmitTimesOutWithoutQuorum(t *testing.T) {
	cfg := testConfig()
	bus := transport.NewBus()
	h := chainValue("agreed")
	// Two replies can never reach 2f+1.
	startRespondent(t, bus, cfg, respondent{id: 0, result: []byte("ok"), hcv: h})
	startRespondent(t, bus, cfg, respondent{id: 1, result: []byte("ok"), hcv: h})

	d := newTestDriver(t, cfg, bus)
	defer d.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 700*time.Millisecond)
	defer cancel()
	out := d.Submit(ctx, []byte("set k v"))
	assert.Equal(t, KindTimeout, out.Kind)
}

func TestSubmitRejectsBadMAC(t *testing.T) {
	cfg := testConfig()
	bus := transport.NewBus()

	// A forger without the pairwise secret cannot produce acceptable
	// replies, so the submission times out instead of accepting.
	forged := bus.Endpoint(9, cfg.ReplicaIDs())
	require.NoError(t, forged.Start())
	go func() {
		for range forged.Receive() {
		}
	}()

	d := newTestDriver(t, cfg, bus)
	defer d.Stop()

	reply := &message.Reply{
		View:      0,
		Timestamp: 1,
		Client:    testClient,
		Replica:   0,
		Result:    []byte("ok"),
		HCV:       chainValue("agreed"),
	}
	env := &message.Envelope{Tag: message.TagReply, View: 0, Sender: 0, Body: reply}
	env.Auth = []message.MACEntry{{Recipient: uint64(testClient), MAC: []byte("not a real mac")}}
	data := message.Marshal(env)

	done := make(chan Outcome, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 700*time.Millisecond)
	defer cancel()
	go func() {
		done <- d.Submit(ctx, []byte("set k v"))
	}()

	// Flood the client with forged quorums while it waits.
	for i := 0; i < 5; i++ {
		time.Sleep(50 * time.Millisecond)
		for j := 0; j < 4; j++ {
			forged.Send(uint64(testClient), data)
		}
	}

	out := <-done
	assert.Equal(t, KindTimeout, out.Kind)
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	cfg := testConfig()
	bus := transport.NewBus()

	seen := make(chan message.Timestamp, 8)
	ep := bus.Endpoint(0, cfg.ReplicaIDs())
	require.NoError(t, ep.Start())
	go func() {
		for in := range ep.Receive() {
			env, err := message.Unmarshal(in.Data)
			if err != nil {
				continue
			}
			if req, ok := env.Body.(*message.Request); ok {
				seen <- req.Timestamp
			}
		}
	}()

	d := newTestDriver(t, cfg, bus)
	defer d.Stop()

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
		d.Submit(ctx, []byte("op"))
		cancel()
	}

	first := <-seen
	var second message.Timestamp
	for second = range seen {
		if second != first {
			break
		}
	}
	assert.Greater(t, uint64(second), uint64(first))
}
