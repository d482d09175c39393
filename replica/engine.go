// Package replica implements the BFT2f protocol engine: three-phase
// agreement over a hash-chain-augmented log, checkpointing, and view
// changes. The engine is a single-threaded event loop; cryptographic
// verification runs on a worker pool whose results re-enter the loop.
package replica

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"bft2f/app"
	"bft2f/cluster"
	"bft2f/hashchain"
	"bft2f/message"
	"bft2f/signing"
	"bft2f/storage"
	"bft2f/transport"
)

// Status is the replica-level state.
type Status int

const (
	// StatusActive processes the full protocol.
	StatusActive Status = iota
	// StatusViewChanging accepts only checkpoint, view-change, and
	// new-view messages.
	StatusViewChanging
	// StatusRecovering is entered on restart until the replica has
	// reinstalled its stable checkpoint.
	StatusRecovering
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusViewChanging:
		return "view-changing"
	case StatusRecovering:
		return "recovering"
	}
	return "invalid"
}

// Config wires an engine to its collaborators.
type Config struct {
	ID      message.ReplicaID
	Cluster *cluster.Config
	Logger  *zap.Logger

	Transport transport.Transport
	App       app.StateMachine
	KeyRing   *signing.KeyRing
	Auth      *signing.Authenticator

	// Timer defaults to the runtime clock.
	Timer Timer

	// Store is optional; without it nothing is persisted.
	Store *storage.Store

	// VerifyWorkers sizes the crypto pool. Defaults to 4.
	VerifyWorkers int
}

type clientRecord struct {
	lastTimestamp message.Timestamp
	lastReplyRaw  []byte
}

type checkpointWitness struct {
	cp  *message.Checkpoint
	sig []byte
	raw []byte
}

type timerKind int

const (
	timerRequest timerKind = iota
	timerViewChange
)

type timerPurpose struct {
	kind   timerKind
	digest message.Digest
	view   message.View
}

// Engine is one replica's protocol engine. All state below is owned
// exclusively by the run loop.
type Engine struct {
	cfg    Config
	logger *zap.Logger
	f      int

	status       Status
	view         message.View
	log          map[message.SeqNo]*entry
	nextSeq      message.SeqNo
	assigned     map[message.Digest]message.SeqNo
	lastExecuted message.SeqNo
	hcv          hashchain.HCV
	projected    hashchain.HCV

	lastStable   message.SeqNo
	stableDigest message.Digest
	stableProof  []message.SignedCheckpoint
	checkpoints  map[message.SeqNo]map[message.ReplicaID]*checkpointWitness

	clients map[message.ClientID]*clientRecord

	votes     map[message.View]map[message.ReplicaID]*message.ViewChange
	vcTarget  message.View
	vcBackoff *backoff.ExponentialBackOff
	vcToken   uuid.UUID

	timer         Timer
	tokens        map[uuid.UUID]timerPurpose
	requestTimers map[message.Digest]uuid.UUID

	proofs    []Proof
	suspicion map[message.ReplicaID]uint64

	metrics Metrics
	halted  bool

	pool   *verifyPool
	eventC chan Event
	stopC  chan struct{}
	doneC  chan struct{}

	metricsReqC chan chan Metrics
}

// New builds an engine. Start must be called before it processes
// anything.
func New(cfg Config) (*Engine, error) {
	if cfg.Cluster == nil || cfg.Transport == nil || cfg.App == nil ||
		cfg.KeyRing == nil || cfg.Auth == nil {
		return nil, errors.New("incomplete engine config")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.VerifyWorkers == 0 {
		cfg.VerifyWorkers = 4
	}
	e := &Engine{
		cfg:           cfg,
		logger:        cfg.Logger.With(zap.Uint64("replica", uint64(cfg.ID))),
		f:             cfg.Cluster.F,
		status:        StatusActive,
		log:           make(map[message.SeqNo]*entry),
		assigned:      make(map[message.Digest]message.SeqNo),
		hcv:           hashchain.Genesis,
		projected:     hashchain.Genesis,
		checkpoints:   make(map[message.SeqNo]map[message.ReplicaID]*checkpointWitness),
		clients:       make(map[message.ClientID]*clientRecord),
		votes:         make(map[message.View]map[message.ReplicaID]*message.ViewChange),
		tokens:        make(map[uuid.UUID]timerPurpose),
		requestTimers: make(map[message.Digest]uuid.UUID),
		suspicion:     make(map[message.ReplicaID]uint64),
		eventC:        make(chan Event, 4096),
		stopC:         make(chan struct{}),
		doneC:         make(chan struct{}),
		metricsReqC:   make(chan chan Metrics),
	}
	e.vcBackoff = &backoff.ExponentialBackOff{
		InitialInterval:     cfg.Cluster.ViewChangeTimeout.Std(),
		Multiplier:          2,
		RandomizationFactor: 0,
		MaxInterval:         time.Minute,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
		Stop:                backoff.Stop,
	}
	e.vcBackoff.Reset()
	e.timer = cfg.Timer
	if e.timer == nil {
		e.timer = newWallTimer(e.Inject)
	}
	if cfg.Store != nil {
		if err := e.restore(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Start launches the event loop, the verification pool, and the
// transport pump.
func (e *Engine) Start() error {
	if err := e.cfg.Transport.Start(); err != nil {
		return errors.Wrap(err, "start transport")
	}
	e.pool = newVerifyPool(e.cfg.VerifyWorkers, e.cfg.Auth, e.cfg.KeyRing, e.Inject)
	go e.pump()
	go e.run()
	return nil
}

// Stop halts the loop and persists a final snapshot.
func (e *Engine) Stop() error {
	close(e.stopC)
	<-e.doneC
	e.pool.stop()
	if err := e.cfg.Transport.Stop(); err != nil {
		return err
	}
	if e.cfg.Store != nil {
		return e.persist()
	}
	return nil
}

// Inject delivers an event into the engine's input queue. It is safe
// from any goroutine; events are dropped once the engine stops.
func (e *Engine) Inject(ev Event) {
	select {
	case e.eventC <- ev:
	case <-e.doneC:
	}
}

// Metrics returns a counter snapshot, serialized through the loop.
func (e *Engine) Metrics() Metrics {
	respC := make(chan Metrics, 1)
	select {
	case e.metricsReqC <- respC:
		return <-respC
	case <-e.doneC:
		return e.metrics
	}
}

// View returns the engine's current view, serialized through the
// loop.
func (e *Engine) View() message.View {
	return message.View(e.Metrics().View)
}

func (e *Engine) pump() {
	for {
		select {
		case <-e.stopC:
			return
		case in, ok := <-e.cfg.Transport.Receive():
			if !ok {
				return
			}
			e.pool.submit(in.Data)
		}
	}
}

func (e *Engine) run() {
	defer close(e.doneC)
	for {
		select {
		case <-e.stopC:
			return
		case respC := <-e.metricsReqC:
			snap := e.metrics
			snap.View = uint64(e.view)
			snap.LastExecuted = uint64(e.lastExecuted)
			snap.HCV = e.hcv
			respC <- snap
		case ev := <-e.eventC:
			if e.halted {
				continue
			}
			e.dispatch(ev)
		}
	}
}

func (e *Engine) dispatch(ev Event) {
	switch ev := ev.(type) {
	case rejectedEvent:
		e.metrics.MalformedDropped++
	case MsgEvent:
		e.pool.submit(ev.Data)
	case TimerEvent:
		e.onTimer(ev.Token)
	case verifiedEvent:
		e.onVerified(ev.env)
	}
}

func (e *Engine) onVerified(env *message.Envelope) {
	if e.status != StatusActive {
		switch env.Tag {
		case message.TagCheckpoint, message.TagViewChange, message.TagNewView:
		case message.TagRequest, message.TagPrePrepare, message.TagPrepare,
			message.TagCommit, message.TagReply:
			e.metrics.StaleViewDropped++
			return
		}
	}

	if message.SeqBearing(env.Tag) && env.Tag != message.TagCheckpoint {
		n, _ := message.Seq(env.Body)
		if !e.inWatermarks(n) {
			e.metrics.OutOfRangeDropped++
			return
		}
	}

	switch m := env.Body.(type) {
	case *message.Request:
		e.onRequest(env, m)
	case *message.PrePrepare:
		e.onPrePrepare(env, m)
	case *message.Prepare:
		e.onPrepare(env, m)
	case *message.Commit:
		e.onCommit(env, m)
	case *message.Reply:
		// Replies are client-bound; a replica receiving one drops it.
		e.metrics.MalformedDropped++
	case *message.Checkpoint:
		e.onCheckpoint(env, m)
	case *message.ViewChange:
		e.onViewChange(env, m)
	case *message.NewView:
		e.onNewView(env, m)
	}
}

func (e *Engine) inWatermarks(n message.SeqNo) bool {
	low := e.lastStable
	high := low + message.SeqNo(e.cfg.Cluster.WatermarkWindow)
	return n > low && n <= high
}

func (e *Engine) primary() message.ReplicaID {
	return e.cfg.Cluster.Primary(e.view)
}

func (e *Engine) isPrimary() bool {
	return e.primary() == e.cfg.ID
}

// entryAt returns the log slot for n, creating it on first evidence.
func (e *Engine) entryAt(n message.SeqNo) *entry {
	ent, ok := e.log[n]
	if !ok {
		ent = newEntry(e.view, n)
		e.log[n] = ent
	}
	return ent
}

// seal attaches the MAC vector for the recipients and returns the wire
// form.
func (e *Engine) seal(env *message.Envelope, recipients []uint64) []byte {
	env.Auth = nil
	bare := message.Marshal(env)
	authed := bare[:len(bare)-4]
	env.Auth = e.cfg.Auth.Authenticate(authed, recipients)
	return message.Marshal(env)
}

func (e *Engine) otherReplicas() []uint64 {
	ids := e.cfg.Cluster.ReplicaIDs()
	out := ids[:0:0]
	for _, id := range ids {
		if id != uint64(e.cfg.ID) {
			out = append(out, id)
		}
	}
	return out
}

// broadcast seals an envelope for every other replica and multicasts
// it.
func (e *Engine) broadcast(env *message.Envelope) {
	e.cfg.Transport.Broadcast(e.seal(env, e.otherReplicas()))
}

func (e *Engine) send(dest uint64, env *message.Envelope) {
	e.cfg.Transport.Send(dest, e.seal(env, []uint64{dest}))
}

// halt stops processing after an internal invariant violation. The
// replica goes silent rather than risk contradicting its own chain.
func (e *Engine) halt(why string, fields ...zap.Field) {
	e.logger.Error("fatal invariant violation, halting", append(fields, zap.String("why", why))...)
	e.halted = true
}

// scheduleToken registers a purpose under a fresh token and arms the
// timer.
func (e *Engine) scheduleToken(d time.Duration, p timerPurpose) uuid.UUID {
	token := uuid.New()
	e.tokens[token] = p
	e.timer.Schedule(d, token)
	return token
}

func (e *Engine) cancelToken(token uuid.UUID) {
	delete(e.tokens, token)
	e.timer.Cancel(token)
}

func (e *Engine) onTimer(token uuid.UUID) {
	purpose, ok := e.tokens[token]
	if !ok {
		// Late fire of a cancelled timer.
		return
	}
	delete(e.tokens, token)
	switch purpose.kind {
	case timerRequest:
		delete(e.requestTimers, purpose.digest)
		if e.status == StatusActive && purpose.view == e.view {
			e.logger.Info("request timed out, starting view change",
				zap.Uint64("view", uint64(e.view)))
			e.startViewChange(e.view + 1)
		}
	case timerViewChange:
		if e.status == StatusViewChanging && e.vcTarget == purpose.view {
			e.logger.Info("view change timed out, escalating",
				zap.Uint64("target", uint64(purpose.view)))
			e.startViewChange(purpose.view + 1)
		}
	}
}

// restore reloads persisted state and re-enters as recovering; the
// stable checkpoint is already local, so recovery completes once the
// snapshot is reinstalled.
func (e *Engine) restore() error {
	snap, ok, err := e.cfg.Store.Load()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	e.status = StatusRecovering
	e.view = message.View(snap.View)
	e.lastExecuted = message.SeqNo(snap.LastExecuted)
	e.lastStable = message.SeqNo(snap.StableSeq)
	copy(e.stableDigest[:], snap.StableDigest)
	e.hcv = snap.CurrentHCV()
	e.projected = e.hcv
	e.nextSeq = e.lastExecuted
	for _, raw := range snap.CheckpointProof {
		env, err := message.Unmarshal(raw)
		if err != nil {
			continue
		}
		if cp, ok := env.Body.(*message.Checkpoint); ok {
			e.stableProof = append(e.stableProof, message.SignedCheckpoint{
				Checkpoint: *cp,
				Sig:        env.Sig,
			})
		}
	}
	for _, raw := range snap.LogSuffix {
		env, err := message.Unmarshal(raw)
		if err != nil {
			continue
		}
		if pp, ok := env.Body.(*message.PrePrepare); ok {
			ent := e.entryAt(pp.Seq)
			ent.view = pp.View
			ent.digest = pp.Digest
			ent.digestKnown = true
			ent.prePrepare = pp
			ent.prePrepareSig = env.Sig
			ent.prePrepareRaw = raw
			ent.request = &pp.Request
			if ent.status < entryPrePrepared {
				ent.status = entryPrePrepared
			}
		}
	}
	e.status = StatusActive
	e.logger.Info("restored from snapshot",
		zap.Uint64("view", snap.View),
		zap.Uint64("last_executed", snap.LastExecuted))
	return nil
}

// persist writes the snapshot: view, execution frontier, stable
// checkpoint proof, and the raw pre-prepares above the checkpoint.
func (e *Engine) persist() error {
	snap := &storage.Snapshot{
		View:         uint64(e.view),
		LastExecuted: uint64(e.lastExecuted),
		StableSeq:    uint64(e.lastStable),
		StableDigest: append([]byte(nil), e.stableDigest[:]...),
	}
	snap.SetHCV(e.hcv)
	for _, sc := range e.stableProof {
		cp := sc.Checkpoint
		env := &message.Envelope{
			Tag:    message.TagCheckpoint,
			View:   e.view,
			Sender: uint64(cp.Replica),
			Body:   &cp,
			Sig:    sc.Sig,
		}
		snap.CheckpointProof = append(snap.CheckpointProof, message.Marshal(env))
	}
	for n := e.lastStable + 1; ; n++ {
		ent, ok := e.log[n]
		if !ok {
			break
		}
		if ent.prePrepareRaw != nil {
			snap.LogSuffix = append(snap.LogSuffix, ent.prePrepareRaw)
		}
	}
	return e.cfg.Store.Save(snap)
}
