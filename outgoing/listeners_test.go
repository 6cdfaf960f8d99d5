package outgoing

import (
	"testing"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"

	"github.com/nimbuswallet/nimbusd/mpp"
)

// recordingListener counts deliveries and can remove itself mid-callback.
type recordingListener struct {
	set *ListenerSet

	senderData     int
	remoteFulfills int
	removeOnEvent  bool
}

func (l *recordingListener) OnSenderData(*SenderData) {
	l.senderData++
	if l.removeOnEvent {
		l.set.RemoveListener(l)
	}
}

func (l *recordingListener) OnRemoteFulfill(*RemoteFulfill) {
	l.remoteFulfills++
}

// TestListenerSetDelivery checks fan-out and removal semantics.
func TestListenerSetDelivery(t *testing.T) {
	t.Parallel()

	set := NewListenerSet()
	first := &recordingListener{set: set}
	second := &recordingListener{set: set}

	set.AddListener(first)
	set.AddListener(second)

	data := &SenderData{Tag: mpp.FullPaymentTag{}}
	set.NotifySenderData(data)
	require.Equal(t, 1, first.senderData)
	require.Equal(t, 1, second.senderData)

	set.RemoveListener(second)
	set.NotifyRemoteFulfill(&RemoteFulfill{
		Preimage: lntypes.Preimage{1},
	})
	require.Equal(t, 1, first.remoteFulfills)
	require.Zero(t, second.remoteFulfills)
}

// TestListenerSetRemoveDuringCallback checks that a listener unhooking
// itself from within a callback neither deadlocks nor breaks delivery.
func TestListenerSetRemoveDuringCallback(t *testing.T) {
	t.Parallel()

	set := NewListenerSet()
	listener := &recordingListener{set: set, removeOnEvent: true}
	set.AddListener(listener)

	set.NotifySenderData(&SenderData{})
	require.Equal(t, 1, listener.senderData)

	set.NotifySenderData(&SenderData{})
	require.Equal(t, 1, listener.senderData)
}

// TestSendMultiPartOnionTlvs checks the trampoline onion TLV attachment.
func TestSendMultiPartOnionTlvs(t *testing.T) {
	t.Parallel()

	cmd := &SendMultiPart{}
	require.Nil(t, cmd.OnionTlvs())

	cmd.TrampolineOnion = []byte{0x01, 0x02, 0x03}
	records := cmd.OnionTlvs()
	require.Len(t, records, 1)
}

// TestSendMultiPartMPPRecord checks the final-payload MPP record.
func TestSendMultiPartMPPRecord(t *testing.T) {
	t.Parallel()

	cmd := &SendMultiPart{
		OnionTotal:    123_456,
		PaymentSecret: mpp.Secret{7},
	}

	mppRecord := cmd.MPPRecord()
	require.EqualValues(t, 123_456, mppRecord.TotalMsat())
	require.EqualValues(t, [32]byte{7}, mppRecord.PaymentAddr())
}
