package p8

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type sessionTester struct {
	packets []*Packet
	gone    []Rid
}

func (st *sessionTester) SessionWrite(s *ZhttpSession, p *Packet) error {
	st.packets = append(st.packets, p)
	return nil
}

func (st *sessionTester) SessionGone(rid Rid) {
	st.gone = append(st.gone, rid)
}

func (st *sessionTester) Instance() string { return "test-instance" }

func TestSessionSeqStamping(t *testing.T) {
	st := &sessionTester{}
	s := NewSessionWith(st, Rid{Sender: "test-instance", ID: "7"})

	assert.NoError(t, s.SendPacket(&Packet{Type: Data, Body: []byte("a"), More: true}))
	assert.NoError(t, s.SendPacket(&Packet{Type: Data, Body: []byte("b"), More: true}))
	assert.NoError(t, s.SendPacket(&Packet{Type: Credit, Credits: 100}))

	assert.Len(t, st.packets, 3)
	for i, p := range st.packets {
		assert.Equal(t, i, p.Seq)
		assert.True(t, p.HaveSeq)
		assert.Equal(t, "7", p.ID)
		assert.Equal(t, "test-instance", p.From)
	}
}

func TestSessionAdoptedSkipSeq(t *testing.T) {
	st := &sessionTester{}
	s := NewSessionWith(st, Rid{Sender: "edge", ID: "9"})
	s.SkipSeq = true

	assert.NoError(t, s.SendPacket(&Packet{Type: Data, Body: []byte("x"), More: true}))
	assert.Equal(t, -1, st.packets[0].Seq)
	assert.True(t, st.packets[0].HaveSeq)
}

func TestSessionFinish(t *testing.T) {
	st := &sessionTester{}
	s := NewSessionWith(st, Rid{Sender: "test-instance", ID: "3"})

	s.Finish()
	assert.True(t, s.Finished)
	assert.Equal(t, []Rid{{Sender: "test-instance", ID: "3"}}, st.gone)

	err := s.SendPacket(&Packet{Type: Data})
	assert.Error(t, err)
	assert.Equal(t, ErrSessionGone{}, errors.Cause(err))

	// finishing again is a no-op
	s.Finish()
	assert.Len(t, st.gone, 1)
}

func TestSessionCancel(t *testing.T) {
	st := &sessionTester{}
	s := NewSessionWith(st, Rid{Sender: "test-instance", ID: "4"})

	s.Cancel()
	assert.Len(t, st.packets, 1)
	assert.Equal(t, Cancel, st.packets[0].Type)
	assert.True(t, s.Finished)

	// cancel is idempotent
	s.Cancel()
	assert.Len(t, st.packets, 1)
}

func TestPacketTerminates(t *testing.T) {
	assert.True(t, packetTerminates(&Packet{Type: Data}))
	assert.False(t, packetTerminates(&Packet{Type: Data, More: true}))
	assert.True(t, packetTerminates(&Packet{Type: Error}))
	assert.True(t, packetTerminates(&Packet{Type: Cancel}))
	assert.False(t, packetTerminates(&Packet{Type: Credit}))
	assert.False(t, packetTerminates(&Packet{Type: KeepAlive}))
}

func TestPubPrefix(t *testing.T) {
	out := PubPrefix("edge-1", []byte("Tdata"))
	assert.Equal(t, "edge-1 Tdata", string(out))
}

func TestParseAddressed(t *testing.T) {
	addr, payload, err := ParseAddressed([][]byte{[]byte("peer"), nil, []byte("body")})
	assert.NoError(t, err)
	assert.Equal(t, "peer", addr)
	assert.Equal(t, []byte("body"), payload)

	_, _, err = ParseAddressed([][]byte{[]byte("peer")})
	assert.Error(t, err)
}
