/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package router

import (
	"testing"

	"github.com/corvid-im/s2s/s2s"
	"github.com/corvid-im/s2s/xml"
	"github.com/stretchr/testify/require"
)

func TestRouter_ContextLookupMissReturnsNil(t *testing.T) {
	r := New()
	require.Nil(t, r.Context("unhosted.example"))
}

func TestRouter_RegisterMakesDomainResolvable(t *testing.T) {
	r := New()
	ctx := s2s.NewDomainContext(s2s.DomainContextConfig{LocalDomain: "local.example"}, nil, nil)
	r.Register("local.example", ctx)
	require.Same(t, ctx, r.Context("local.example"))
}

func TestRouter_Send_PanicsWithoutFromJID(t *testing.T) {
	r := New()
	st := xml.NewStanza("message", "", "b@remote.example", "", "")
	require.Panics(t, func() {
		r.Send(st)
	})
}

func TestRouter_Send_PanicsForUnhostedDomain(t *testing.T) {
	r := New()
	st := xml.NewStanza("message", "a@unhosted.example", "b@remote.example", "", "")
	require.Panics(t, func() {
		r.Send(st)
	})
}
