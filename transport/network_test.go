package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AvishayYanay/concord-bft/types"
)

type inbox struct {
	mu   sync.Mutex
	msgs []types.Message
}

func (b *inbox) receive(msg types.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func makeNetwork(t *testing.T, n int, opts ...Option) (*Network, []*Endpoint, []*inbox) {
	t.Helper()
	net := NewNetwork(opts...)
	t.Cleanup(net.Close)

	eps := make([]*Endpoint, n)
	boxes := make([]*inbox, n)
	for i := 0; i < n; i++ {
		ep, err := net.Register(types.ReplicaID(i))
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		boxes[i] = &inbox{}
		ep.SetReceiver(boxes[i].receive)
		eps[i] = ep
	}
	return net, eps, boxes
}

func testVote(seq types.SeqNum) *types.Vote {
	return &types.Vote{
		Kind:      types.VotePrepare,
		View:      1,
		Seq:       seq,
		Digest:    types.HashBytes([]byte("d")),
		Replica:   0,
		Signature: []byte{1, 2, 3},
	}
}

func TestSendAndBroadcast(t *testing.T) {
	_, eps, boxes := makeNetwork(t, 4)

	vote := testVote(1)
	if err := eps[0].Send(2, vote); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if boxes[2].len() != 1 || boxes[1].len() != 0 {
		t.Fatal("unicast delivered to the wrong inbox")
	}
	got := boxes[2].msgs[0].(*types.Vote)
	if got == vote || !got.SameVote(vote) {
		t.Error("receiver should get an equal decoded copy")
	}

	if err := eps[0].Broadcast(testVote(2)); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if boxes[0].len() != 0 {
		t.Error("broadcast should skip the sender")
	}
	for i := 1; i < 4; i++ {
		if boxes[i].len() == 0 {
			t.Errorf("replica %d missed the broadcast", i)
		}
	}

	if err := eps[0].Send(9, vote); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestRegisterTwice(t *testing.T) {
	net := NewNetwork()
	defer net.Close()
	if _, err := net.Register(1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := net.Register(1); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestPartition(t *testing.T) {
	net, eps, boxes := makeNetwork(t, 4)

	net.Partition([]types.ReplicaID{0, 1}, []types.ReplicaID{2, 3})
	eps[0].Broadcast(testVote(1))
	if boxes[1].len() != 1 || boxes[2].len() != 0 || boxes[3].len() != 0 {
		t.Error("partition not enforced")
	}

	net.Isolate(3)
	eps[0].Broadcast(testVote(2))
	if boxes[2].len() != 1 || boxes[3].len() != 0 {
		t.Error("isolation not enforced")
	}

	net.Heal()
	eps[0].Send(3, testVote(3))
	if boxes[3].len() != 1 {
		t.Error("heal should restore delivery")
	}
}

func TestFilterAndLoss(t *testing.T) {
	net, eps, boxes := makeNetwork(t, 3, WithSeed(7))

	net.SetFilter(func(from, to types.ReplicaID, msg types.Message) bool {
		return msg.Type() != types.MsgTypePrepare
	})
	eps[0].Broadcast(testVote(1))
	if boxes[1].len() != 0 {
		t.Error("filtered message delivered")
	}
	net.SetFilter(nil)

	net.SetLoss(1)
	eps[0].Broadcast(testVote(2))
	if boxes[1].len() != 0 {
		t.Error("lost message delivered")
	}
	if net.Stats().Dropped < 4 {
		t.Errorf("expected dropped messages to be counted, got %+v", net.Stats())
	}
}

func TestDuplicationAndDelay(t *testing.T) {
	net, eps, boxes := makeNetwork(t, 2, WithSeed(1), WithDuplication(1), WithDelay(5*time.Millisecond))

	for i := 1; i <= 10; i++ {
		eps[0].Send(1, testVote(types.SeqNum(i)))
	}
	deadline := time.Now().Add(2 * time.Second)
	for boxes[1].len() < 20 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if boxes[1].len() != 20 {
		t.Fatalf("expected 20 deliveries, got %d", boxes[1].len())
	}
	if net.Stats().Duplicated != 10 {
		t.Errorf("expected 10 duplicated, got %d", net.Stats().Duplicated)
	}
}

func TestClosedNetwork(t *testing.T) {
	net, eps, _ := makeNetwork(t, 2)
	net.Close()
	if err := eps[0].Broadcast(testVote(1)); !errors.Is(err, ErrNetworkClosed) {
		t.Errorf("expected ErrNetworkClosed, got %v", err)
	}
}
