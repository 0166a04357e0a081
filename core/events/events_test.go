package events

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestTokenRebasedEvent(t *testing.T) {
	evt := TokenRebased{
		ReportTimestamp:    86400,
		TimeElapsed:        86400,
		PreTotalShares:     uint256.NewInt(100),
		PreTotalValue:      uint256.NewInt(100),
		PostTotalShares:    uint256.NewInt(101),
		PostTotalValue:     uint256.NewInt(110),
		SharesMintedAsFees: uint256.NewInt(1),
	}.Event()
	if evt == nil {
		t.Fatalf("expected event")
	}
	if evt.Type != TypeTokenRebased {
		t.Fatalf("unexpected type: %s", evt.Type)
	}
	if evt.Attributes["postTotalValue"] == "" {
		t.Fatalf("missing post value: %+v", evt.Attributes)
	}
}

func TestTransferSharesEventOmitsEmptyReason(t *testing.T) {
	evt := TransferShares{From: common.Address{}, To: common.HexToAddress("0x01"), Shares: nil}.Event()
	if evt.Attributes["shares"] != "0" {
		t.Fatalf("nil shares rendered as %q", evt.Attributes["shares"])
	}
	if _, ok := evt.Attributes["reason"]; ok {
		t.Fatalf("empty reason rendered")
	}
}

func transfer(n uint64) TransferShares {
	return TransferShares{To: common.HexToAddress("0x01"), Shares: uint256.NewInt(n)}
}

type plainEvent struct{}

func (plainEvent) EventType() string { return "plain" }

func TestBroadcasterReplaysAndStreams(t *testing.T) {
	b := NewBroadcaster(2)
	b.Emit(transfer(1))
	b.Emit(plainEvent{})
	b.Emit(transfer(2))
	b.Emit(transfer(3))
	if b.Sequence() != 3 {
		t.Fatalf("sequence = %d, want 3", b.Sequence())
	}

	updates, cancel, backlog := b.Subscribe(0)
	defer cancel()
	if len(backlog) != 2 || backlog[0].Sequence != 2 || backlog[1].Attributes["shares"] != "3" {
		t.Fatalf("unexpected backlog %+v", backlog)
	}

	_, cancelLate, none := b.Subscribe(3)
	cancelLate()
	cancelLate()
	if len(none) != 0 {
		t.Fatalf("expected empty replay, got %+v", none)
	}

	b.Emit(transfer(4))
	env := <-updates
	if env.Sequence != 4 || env.Type != TypeTransferShares {
		t.Fatalf("unexpected update %+v", env)
	}
}

func TestBroadcasterDropsSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(0)
	updates, cancel, _ := b.Subscribe(0)
	defer cancel()
	for i := uint64(0); i <= uint64(b.buffer); i++ {
		b.Emit(transfer(i))
	}
	count := 0
	for range updates {
		count++
	}
	if count != b.buffer {
		t.Fatalf("received %d updates before close, want %d", count, b.buffer)
	}
}

func TestFanoutSkipsNil(t *testing.T) {
	rec := &Recorder{}
	Fanout{nil, rec, NoopEmitter{}}.Emit(transfer(1))
	if len(rec.OfType(TypeTransferShares)) != 1 {
		t.Fatalf("recorder missed event")
	}
	rec.Reset()
	if len(rec.Events()) != 0 {
		t.Fatalf("reset kept events")
	}
}
