package actor

import "github.com/playhouse/playhouse/internal/stage"

// Protocol names the gateway's connection handshake mode, per spec.md
// edge case S6: a "resume" session inherits the previously-authenticated
// identity instead of re-running OnAuthenticate.
type Protocol int

const (
	ProtocolConnect Protocol = iota
	ProtocolResume
)

// Session is the gateway's view of a client connection: enough to
// construct or rebind a stage.Actor, without internal/actor needing to
// know anything about the transport (TCP/TLS, WS/WSS) underneath it.
type Session struct {
	AccountID       string
	SessionEndpoint string
	SessionID       int64
	Protocol        Protocol
}

// Bind joins (or, for a reconnecting accountId, rejoins) sess onto stg.
// The returned Actor is pre-marked Authenticated when sess.Protocol is
// ProtocolResume, per S6 — OnAuthenticate is not re-invoked for a resumed
// session. Reconnection preemption of any prior session bound to the same
// accountId is handled entirely inside the stage's own mailbox (see
// stage.Stage's KindJoin handling), never here: this function only
// enqueues the Join and waits for its result, exactly like any other
// caller of stage.Stage.Join.
func Bind(stg *stage.Stage, sess Session, userInfo []byte) (stage.JoinResult, *stage.Actor, error) {
	act := &stage.Actor{
		AccountID:       sess.AccountID,
		SessionEndpoint: sess.SessionEndpoint,
		SessionID:       sess.SessionID,
		Connected:       true,
		Authenticated:   sess.Protocol == ProtocolResume,
	}
	res, err := stg.Join(act, userInfo)
	if err != nil {
		return stage.JoinResult{}, nil, err
	}
	return res, act, nil
}
