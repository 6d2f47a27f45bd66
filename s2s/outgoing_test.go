/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package s2s

import (
	"context"
	"errors"
	"testing"

	"github.com/corvid-im/s2s/transport"
	"github.com/corvid-im/s2s/xml"
	"github.com/stretchr/testify/require"
)

type fakeDialer struct {
	tr  *fakeTransport
	err error
}

func (d *fakeDialer) Dial(ctx context.Context, remoteDomain string) (transport.Transport, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.tr, nil
}

func newTestStanza(t *testing.T, name, from, to string) xml.Stanza {
	t.Helper()
	st := xml.NewStanza(name, from, to, "", "")
	require.NotNil(t, st)
	return st
}

// scenario 11: stanzas queued while not yet authed are rewritten into
// remote-server-not-found bounces (skipping ones already type="error") on
// close, in enqueue order.
func TestOutgoing_QueueBounceOnClose(t *testing.T) {
	tr := newFakeTransport()
	var bounced []xml.Stanza
	out, err := NewOutgoingSession(context.Background(), &fakeDialer{tr: tr}, OutConfig{
		LocalDomain:  "local.example",
		RemoteDomain: "remote.example",
		OnBounce: func(b xml.Stanza) {
			bounced = append(bounced, b)
		},
	})
	require.NoError(t, err)
	flushOut(out)

	st1 := newTestStanza(t, "message", "a@local.example", "b@remote.example")
	st2 := newTestStanza(t, "presence", "a@local.example", "c@remote.example")
	errSt := xml.NewStanza("message", "a@local.example", "d@remote.example", "", "error")

	out.Send(st1)
	out.Send(st2)
	out.Send(errSt)
	flushOut(out)

	out.Close()
	flushOut(out)

	require.Len(t, bounced, 2)
	require.Equal(t, "b@remote.example", bounced[0].FromJID().String())
	require.Equal(t, "c@remote.example", bounced[1].FromJID().String())
	require.True(t, tr.isClosed())
}

// Queue drain order equals enqueue order once the session becomes online.
func TestOutgoing_QueueDrainsInFIFOOrder(t *testing.T) {
	tr := newFakeTransport()
	out, err := NewOutgoingSession(context.Background(), &fakeDialer{tr: tr}, OutConfig{
		LocalDomain:  "local.example",
		RemoteDomain: "remote.example",
	})
	require.NoError(t, err)
	flushOut(out)

	st1 := newTestStanza(t, "message", "a@local.example", "b@remote.example")
	st2 := newTestStanza(t, "message", "a@local.example", "c@remote.example")
	out.Send(st1)
	out.Send(st2)
	flushOut(out)

	before := len(tr.writes())
	out.actorCh <- func() { out.becomeOnline() }
	flushOut(out)

	writes := tr.writes()[before:]
	require.Len(t, writes, 2)
	require.Contains(t, writes[0], "b@remote.example")
	require.Contains(t, writes[1], "c@remote.example")
}

// dial failure is surfaced synchronously from NewOutgoingSession, never
// silently swallowed.
func TestOutgoing_DialFailurePropagates(t *testing.T) {
	_, err := NewOutgoingSession(context.Background(), &fakeDialer{err: errors.New("dial failed")}, OutConfig{
		LocalDomain:  "local.example",
		RemoteDomain: "remote.example",
	})
	require.Error(t, err)
}

// SASL EXTERNAL completion restarts the stream and becomes online on the
// very next stream open, without a fresh feature negotiation round trip.
func TestOutgoing_SASLExternal_RestartThenOnline(t *testing.T) {
	tr := newFakeTransport()
	onlineCh := make(chan struct{}, 1)
	out, err := NewOutgoingSession(context.Background(), &fakeDialer{tr: tr}, OutConfig{
		LocalDomain:  "local.example",
		RemoteDomain: "remote.example",
		OnOnline:     func(o *OutgoingSession) { onlineCh <- struct{}{} },
	})
	require.NoError(t, err)
	flushOut(out)

	open := xml.NewElementName("stream:stream")
	open.SetID("stream-1")
	out.HandleElement(open)
	flushOut(out)

	out.SendSASLExternal()
	flushOut(out)

	success := xml.NewElementNamespace("success", saslNamespace)
	out.HandleElement(success)
	flushOut(out)

	restart := xml.NewElementName("stream:stream")
	restart.SetID("stream-2")
	out.HandleElement(restart)
	flushOut(out)

	select {
	case <-onlineCh:
	default:
		t.Fatal("expected OnOnline to fire after SASL restart")
	}
	require.True(t, out.IsAuthed())
}

// A session carrying a suspended VerifyIncoming callback must fail it
// rather than hang the waiting IncomingSession forever if it closes
// before the authoritative reply arrives.
func TestOutgoing_Close_FailsPendingVerifyReply(t *testing.T) {
	tr := newFakeTransport()
	out, err := NewOutgoingSession(context.Background(), &fakeDialer{tr: tr}, OutConfig{
		LocalDomain:  "local.example",
		RemoteDomain: "remote.example",
	})
	require.NoError(t, err)
	flushOut(out)

	resultCh := make(chan bool, 1)
	out.onceVerifyReply(func(valid bool) { resultCh <- valid })
	flushOut(out)

	out.Close()
	flushOut(out)

	select {
	case valid := <-resultCh:
		require.False(t, valid)
	default:
		t.Fatal("expected onceVerifyReply callback to fire false on close")
	}
}

// A second onceVerifyReply on the same session resolves the first
// callback false instead of silently discarding it.
func TestOutgoing_OnceVerifyReply_SupersedesPrevious(t *testing.T) {
	tr := newFakeTransport()
	out, err := NewOutgoingSession(context.Background(), &fakeDialer{tr: tr}, OutConfig{
		LocalDomain:  "local.example",
		RemoteDomain: "remote.example",
	})
	require.NoError(t, err)
	flushOut(out)

	firstCh := make(chan bool, 1)
	out.onceVerifyReply(func(valid bool) { firstCh <- valid })
	flushOut(out)

	secondCh := make(chan bool, 1)
	out.onceVerifyReply(func(valid bool) { secondCh <- valid })
	flushOut(out)

	select {
	case valid := <-firstCh:
		require.False(t, valid)
	default:
		t.Fatal("expected the superseded callback to fire false")
	}
	select {
	case <-secondCh:
		t.Fatal("second callback must not fire until its own reply arrives")
	default:
	}
}
