package mllp

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/conduit/pkg/hl7"
	"github.com/carepath/conduit/pkg/host"
	"github.com/carepath/conduit/pkg/types"
)

// fakeRemote accepts one connection and replies to each frame it receives
// with the next code from codes (cycling on the last entry once exhausted).
func fakeRemote(t *testing.T, codes []hl7.AckCode) (port int, attempts *atomic.Int32, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	attempts = &atomic.Int32{}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		framer := hl7.NewFramer(conn)
		for {
			payload, err := framer.Next()
			if err != nil {
				return
			}
			msg, err := hl7.Parse(payload)
			if err != nil {
				return
			}
			n := int(attempts.Add(1)) - 1
			code := codes[len(codes)-1]
			if n < len(codes) {
				code = codes[n]
			}
			ack := hl7.BuildAck(msg, code, time.Now())
			conn.Write(hl7.Frame(ack))
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port, attempts, func() { ln.Close() }
}

func TestOutboundAdapter_SuccessfulAckIsSent(t *testing.T) {
	port, attempts, stop := fakeRemote(t, []hl7.AckCode{hl7.AckApplicationAccept})
	defer stop()

	a, err := NewOutboundAdapter(OutboundConfig{
		ItemName:   "adt-out",
		RemoteHost: "127.0.0.1",
		Port:       port,
	}, nil)
	require.NoError(t, err)
	defer a.Close(context.Background())

	env := &types.MessageEnvelope{MessageID: "m1", RawPayload: []byte(adtA01)}
	outcome := a.Deliver(context.Background(), env)

	assert.Equal(t, types.StatusSent, outcome.Status)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestOutboundAdapter_RemoteNakRetriesThenSucceeds(t *testing.T) {
	_ = strconv.Itoa // keep strconv import if unused in other builds
	port, attempts, stop := fakeRemote(t, []hl7.AckCode{hl7.AckApplicationError, hl7.AckApplicationAccept})
	defer stop()

	a, err := NewOutboundAdapter(OutboundConfig{
		ItemName:         "adt-out",
		RemoteHost:       "127.0.0.1",
		Port:             port,
		MaxRetries:       3,
		RetryInterval:    10 * time.Millisecond,
		ReplyCodeActions: "?E=R,*=S",
	}, nil)
	require.NoError(t, err)
	defer a.Close(context.Background())

	env := &types.MessageEnvelope{MessageID: "m2", RawPayload: []byte(adtA01)}
	outcome := a.Deliver(context.Background(), env)

	assert.Equal(t, types.StatusSent, outcome.Status)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestOutboundAdapter_RemoteRejectIsFatal(t *testing.T) {
	port, attempts, stop := fakeRemote(t, []hl7.AckCode{hl7.AckApplicationReject})
	defer stop()

	a, err := NewOutboundAdapter(OutboundConfig{
		ItemName:         "adt-out",
		RemoteHost:       "127.0.0.1",
		Port:             port,
		MaxRetries:       2,
		RetryInterval:    5 * time.Millisecond,
		ReplyCodeActions: "AR=F,*=S",
	}, nil)
	require.NoError(t, err)
	defer a.Close(context.Background())

	env := &types.MessageEnvelope{MessageID: "m3", RawPayload: []byte(adtA01)}
	outcome := a.Deliver(context.Background(), env)

	require.Error(t, outcome.Err)
	var fatal *host.FatalError
	assert.ErrorAs(t, outcome.Err, &fatal)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestOutboundAdapter_ExhaustsRetriesOnPersistentNak(t *testing.T) {
	port, attempts, stop := fakeRemote(t, []hl7.AckCode{hl7.AckApplicationError})
	defer stop()

	a, err := NewOutboundAdapter(OutboundConfig{
		ItemName:         "adt-out",
		RemoteHost:       "127.0.0.1",
		Port:             port,
		MaxRetries:       2,
		RetryInterval:    5 * time.Millisecond,
		ReplyCodeActions: "?E=R,*=S",
	}, nil)
	require.NoError(t, err)
	defer a.Close(context.Background())

	env := &types.MessageEnvelope{MessageID: "m4", RawPayload: []byte(adtA01)}
	outcome := a.Deliver(context.Background(), env)

	require.Error(t, outcome.Err)
	var fatal *host.FatalError
	assert.ErrorAs(t, outcome.Err, &fatal)
	assert.Equal(t, int32(3), attempts.Load()) // initial attempt + 2 retries
}

func TestParseReplyCodeActions_WildcardOrderingMatters(t *testing.T) {
	rules, err := ParseReplyCodeActions(":?E=R,:*=S")
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, ActionRetry, MatchAction(string(hl7.AckApplicationError), rules))
	assert.Equal(t, ActionSuccess, MatchAction(string(hl7.AckApplicationAccept), rules))
	assert.Equal(t, ActionSuccess, MatchAction(string(hl7.AckApplicationReject), rules))
}

func TestParseReplyCodeActions_RejectsUnknownAction(t *testing.T) {
	_, err := ParseReplyCodeActions("AA=Q")
	require.Error(t, err)
}
