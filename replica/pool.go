package replica

import (
	"sync"

	"bft2f/message"
	"bft2f/signing"
)

// verifyPool decodes and authenticates inbound datagrams on worker
// goroutines, so signature checks never block the ordering point.
// Results re-enter the engine queue as events; the engine discards
// verified messages whose view has been abandoned in the meantime.
type verifyPool struct {
	auth   *signing.Authenticator
	ring   *signing.KeyRing
	inject func(Event)

	inC   chan []byte
	doneC chan struct{}
	wg    sync.WaitGroup
}

func newVerifyPool(workers int, auth *signing.Authenticator, ring *signing.KeyRing, inject func(Event)) *verifyPool {
	p := &verifyPool{
		auth:   auth,
		ring:   ring,
		inject: inject,
		inC:    make(chan []byte, 1024),
		doneC:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *verifyPool) submit(data []byte) {
	select {
	case p.inC <- data:
	case <-p.doneC:
	default:
		// Full queue: best-effort input drops like the transport.
		p.inject(rejectedEvent{})
	}
}

func (p *verifyPool) stop() {
	close(p.doneC)
	p.wg.Wait()
}

func (p *verifyPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.doneC:
			return
		case data := <-p.inC:
			env, err := p.verify(data)
			if err != nil {
				p.inject(rejectedEvent{})
				continue
			}
			env.Raw = data
			p.inject(verifiedEvent{env: env})
		}
	}
}

type verifyError string

func (e verifyError) Error() string { return string(e) }

// verify performs every check that needs no engine state: structural
// decoding, the per-hop MAC, sender consistency between envelope and
// payload, and the signatures required for this tag.
func (p *verifyPool) verify(data []byte) (*message.Envelope, error) {
	env, err := message.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	authed, ok := message.AuthenticatedBytes(data)
	if !ok {
		return nil, verifyError("unframeable envelope")
	}
	if err := p.auth.Check(env.Sender, authed, env.Auth); err != nil {
		return nil, err
	}

	switch m := env.Body.(type) {
	case *message.Request:
		// The envelope sender may be a forwarding backup; the request
		// itself must carry its client's signature.
		if err := p.verifyRequest(m); err != nil {
			return nil, err
		}
	case *message.PrePrepare:
		if err := p.ring.Verify(env.Sender, m.SigningBytes(), env.Sig); err != nil {
			return nil, err
		}
		if m.Digest != signing.RequestDigest(&m.Request) {
			return nil, verifyError("pre-prepare digest does not match request")
		}
		if err := p.verifyRequest(&m.Request); err != nil {
			return nil, err
		}
	case *message.Prepare:
		if uint64(m.Replica) != env.Sender {
			return nil, verifyError("prepare sender mismatch")
		}
		if err := p.ring.Verify(env.Sender, m.SigningBytes(), env.Sig); err != nil {
			return nil, err
		}
	case *message.Commit:
		if uint64(m.Replica) != env.Sender {
			return nil, verifyError("commit sender mismatch")
		}
	case *message.Reply:
		// Replicas do not consume replies; the client driver has its
		// own verification path.
	case *message.Checkpoint:
		if uint64(m.Replica) != env.Sender {
			return nil, verifyError("checkpoint sender mismatch")
		}
		if err := p.ring.Verify(env.Sender, m.SigningBytes(), env.Sig); err != nil {
			return nil, err
		}
	case *message.ViewChange:
		if uint64(m.Replica) != env.Sender {
			return nil, verifyError("view-change sender mismatch")
		}
		if err := p.ring.Verify(env.Sender, m.SigningBytes(), m.Sig); err != nil {
			return nil, err
		}
	case *message.NewView:
		if uint64(m.Replica) != env.Sender {
			return nil, verifyError("new-view sender mismatch")
		}
		if err := p.ring.Verify(env.Sender, m.SigningBytes(), m.Sig); err != nil {
			return nil, err
		}
	default:
		return nil, verifyError("unknown body")
	}
	return env, nil
}

func (p *verifyPool) verifyRequest(r *message.Request) error {
	if r.IsNoOp() {
		return nil
	}
	if r.Client < message.ClientIDFloor {
		return verifyError("client id below floor")
	}
	return p.ring.Verify(uint64(r.Client), r.SigningBytes(), r.Sig)
}
