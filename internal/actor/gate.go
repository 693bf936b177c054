// Package actor implements Actor & Session Binding (C8): the
// authentication handshake gate that sits in front of every stage's
// OnDispatch, and the session-binding glue a gateway connection uses to
// join or rejoin a stage.
//
// Grounded on spec.md §4.7's handshake description (AuthenticateMessageId
// gating OnDispatch until OnAuthenticate succeeds) and, for the shape of
// gating ordinary traffic behind an authentication state before admitting
// it to user handlers, on other_examples' phuhao00-suigserver
// PlayerSessionActor (a protoactor-go actor that checks isAuthenticated()
// before routing ClientMessage to game logic) — generalized here from a
// dedicated actor-per-connection mailbox to a decorator over
// stage.IStage, so the gate participates in the same claim-flag
// serializability as every other stage handler instead of needing its
// own.
package actor

import (
	"context"
	"time"

	"github.com/playhouse/playhouse/internal/perr"
	"github.com/playhouse/playhouse/internal/stage"
)

// Authenticator is user code's hook for the authentication handshake.
// OnAuthenticate runs for each packet whose MsgID equals the configured
// AuthenticateMessageID while the actor is unauthenticated, until one call
// succeeds; OnPostAuthenticate
// runs immediately after a successful OnAuthenticate, per spec.md §4.7.
type Authenticator interface {
	OnAuthenticate(ctx context.Context, act *stage.Actor, packet stage.PacketPayload) (perr.Code, []byte)
	OnPostAuthenticate(ctx context.Context, act *stage.Actor)
}

// Replier lets the gate emit a reply frame for an authentication packet
// (success or failure) or a rejected pre-auth packet, without this
// package needing to own a socket — internal/dispatch wires the real
// implementation once it decodes which connection a stage packet came
// from.
type Replier interface {
	Reply(act *stage.Actor, msgSeq uint16, code perr.Code, payload []byte)
}

// ReplierFunc adapts a plain function to Replier.
type ReplierFunc func(act *stage.Actor, msgSeq uint16, code perr.Code, payload []byte)

func (f ReplierFunc) Reply(act *stage.Actor, msgSeq uint16, code perr.Code, payload []byte) {
	f(act, msgSeq, code, payload)
}

// Gate decorates a stage.IStage, enforcing spec.md §4.7: no non-system
// handler runs for an actor before OnAuthenticate returns Success. Every
// method but OnDispatch forwards straight to Inner; OnDispatch either
// intercepts the configured AuthenticateMessageID packet or rejects
// traffic from an unauthenticated actor with NotAuthenticated.
type Gate struct {
	Inner                 stage.IStage
	Authenticator         Authenticator
	AuthenticateMessageID string
	Reply                 Replier
}

var _ stage.IStage = (*Gate)(nil)

func (g *Gate) OnCreate(ctx context.Context, s *stage.Stage) perr.Code {
	return g.Inner.OnCreate(ctx, s)
}

func (g *Gate) OnPostCreate(ctx context.Context, s *stage.Stage) {
	g.Inner.OnPostCreate(ctx, s)
}

func (g *Gate) OnJoinRoom(ctx context.Context, act *stage.Actor, userInfo []byte) (perr.Code, []byte) {
	return g.Inner.OnJoinRoom(ctx, act, userInfo)
}

func (g *Gate) OnLeaveRoom(ctx context.Context, act *stage.Actor, reason stage.LeaveReason) {
	g.Inner.OnLeaveRoom(ctx, act, reason)
}

func (g *Gate) OnConnectionChanged(ctx context.Context, act *stage.Actor, isConnected bool, reason stage.DisconnectReason) {
	g.Inner.OnConnectionChanged(ctx, act, isConnected, reason)
}

func (g *Gate) OnTimer(ctx context.Context, timerID int64) {
	g.Inner.OnTimer(ctx, timerID)
}

func (g *Gate) OnGameLoopTick(ctx context.Context, dt time.Duration) {
	g.Inner.OnGameLoopTick(ctx, dt)
}

// OnDispatch is the gate. Every call here already runs on the stage's own
// claimed mailbox worker (Gate is just another stage.IStage), so reading
// and setting act.Authenticated needs no extra synchronization.
func (g *Gate) OnDispatch(ctx context.Context, act *stage.Actor, packet stage.PacketPayload) {
	if act.Authenticated {
		g.Inner.OnDispatch(ctx, act, packet)
		return
	}

	if packet.MsgID != g.AuthenticateMessageID {
		g.reject(act, packet, perr.NotAuthenticated)
		return
	}

	code, reply := g.Authenticator.OnAuthenticate(ctx, act, packet)
	if g.Reply != nil && packet.MsgSeq != 0 {
		g.Reply.Reply(act, packet.MsgSeq, code, reply)
	}
	if code != perr.Success {
		return
	}

	act.Authenticated = true
	g.Authenticator.OnPostAuthenticate(ctx, act)
}

func (g *Gate) reject(act *stage.Actor, packet stage.PacketPayload, code perr.Code) {
	if g.Reply != nil && packet.MsgSeq != 0 {
		g.Reply.Reply(act, packet.MsgSeq, code, nil)
	}
}
