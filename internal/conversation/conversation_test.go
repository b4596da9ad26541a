package conversation_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/babblemesh/babbler/internal/conversation"
	"github.com/babblemesh/babbler/internal/wire"
)

// stubOwner is a minimal conversation.Owner for tests that don't need a
// real Babblemouth.
type stubOwner struct {
	dispatched chan wire.Frame
	hosts      []string
	ports      []int
}

func newStubOwner() *stubOwner {
	return &stubOwner{dispatched: make(chan wire.Frame, 16)}
}

func (s *stubOwner) Dispatch(conv *conversation.Conversation, frameType string, payload []byte) {
	s.dispatched <- wire.Frame{Type: frameType, Payload: payload}
}

func (s *stubOwner) MembershipJSON() ([]byte, error) {
	return []byte(`{"self":{"hosts":["h"],"ports":[1]}}`), nil
}

func (s *stubOwner) ResolveEndpoints(id string) ([]string, []int, bool) {
	if s.hosts == nil {
		return nil, nil, false
	}
	return s.hosts, s.ports, true
}

func TestConversationStartRequiresSocket(t *testing.T) {
	owner := newStubOwner()
	conv := conversation.New(owner, nil)
	require.Error(t, conv.Start())
}

func TestConversationAnnouncesMetaOnStart(t *testing.T) {
	owner := newStubOwner()
	owner.hosts = []string{"peer-host"}
	owner.ports = []int{9999}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	conv := conversation.New(owner, nil)
	conv.SetAccepted(serverConn, nil, "peer-1")
	require.NoError(t, conv.Start())
	require.Equal(t, conversation.GoingOn, conv.State())

	frame, err := wire.Decode(wire.NewReader(clientConn))
	require.NoError(t, err)
	require.Equal(t, wire.TypeMeta, frame.Type)
	require.Contains(t, string(frame.Payload), "self")

	conv.End()
}

func TestConversationDispatchesReceivedFrames(t *testing.T) {
	owner := newStubOwner()
	owner.hosts = []string{"peer-host"}
	owner.ports = []int{9999}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	conv := conversation.New(owner, nil)
	conv.SetAccepted(serverConn, nil, "peer-1")
	require.NoError(t, conv.Start())

	// Drain the initial META announcement before sending our own frame.
	_, err := wire.Decode(wire.NewReader(clientConn))
	require.NoError(t, err)

	require.NoError(t, wire.Encode(clientConn, wire.TypeSReq, 1, []byte("ping")))

	select {
	case frame := <-owner.dispatched:
		require.Equal(t, wire.TypeSReq, frame.Type)
		require.Equal(t, []byte("ping"), frame.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	conv.End()
}

func TestConversationEndClearsQueueAndStopsSending(t *testing.T) {
	owner := newStubOwner()
	owner.hosts = []string{"peer-host"}
	owner.ports = []int{9999}

	_, serverConn := net.Pipe()

	conv := conversation.New(owner, nil)
	conv.SetAccepted(serverConn, nil, "peer-1")
	require.NoError(t, conv.Start())

	conv.End()
	require.Eventually(t, func() bool {
		return conv.State() == conversation.Ended
	}, 2*time.Second, 10*time.Millisecond)

	// Sends after teardown are no-ops; nothing should panic or block.
	conv.Send(wire.TypeHrtb, nil)
}

func TestBuildSSLRequiresResolvableEndpoints(t *testing.T) {
	owner := newStubOwner() // no hosts configured
	conv := conversation.New(owner, nil)

	err := conv.BuildSSL(context.Background(), "unknown-peer", nil)
	require.Error(t, err)
}
