package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"custodia/core/types"
)

type stubEvent struct {
	payload *types.Event
}

func (s stubEvent) EventType() string {
	if s.payload != nil {
		return s.payload.Type
	}
	return "stub"
}

func (s stubEvent) Event() *types.Event { return s.payload }

func TestBufferCapturesPayloads(t *testing.T) {
	buffer := NewBuffer(8)
	buffer.Emit(stubEvent{payload: &types.Event{
		Type:       "payment.authorized",
		Attributes: map[string]string{"hash": "0x01"},
	}})

	entries := buffer.List("", 0)
	require.Len(t, entries, 1)
	require.Equal(t, "payment.authorized", entries[0].Type)
	require.Equal(t, "0x01", entries[0].Attributes["hash"])
	require.Equal(t, uint64(1), entries[0].Sequence)
	require.NotEmpty(t, entries[0].ID)
}

func TestBufferFilterAndLimit(t *testing.T) {
	buffer := NewBuffer(16)
	for i := 0; i < 3; i++ {
		buffer.Emit(stubEvent{payload: &types.Event{Type: fmt.Sprintf("payment.step%d", i)}})
	}
	buffer.Emit(stubEvent{payload: &types.Event{Type: "fees.distributed"}})

	payments := buffer.List("payment.", 0)
	require.Len(t, payments, 3)

	// A positive limit keeps the newest matches.
	last := buffer.List("payment.", 2)
	require.Len(t, last, 2)
	require.Equal(t, "payment.step1", last[0].Type)
	require.Equal(t, "payment.step2", last[1].Type)

	all := buffer.List("", 0)
	require.Len(t, all, 4)
	require.Equal(t, uint64(4), all[3].Sequence)
}

func TestBufferEvictsOldest(t *testing.T) {
	buffer := NewBuffer(2)
	for i := 0; i < 5; i++ {
		buffer.Emit(stubEvent{payload: &types.Event{Type: fmt.Sprintf("evt%d", i)}})
	}
	entries := buffer.List("", 0)
	require.Len(t, entries, 2)
	require.Equal(t, "evt3", entries[0].Type)
	require.Equal(t, "evt4", entries[1].Type)
	require.Equal(t, uint64(5), entries[1].Sequence)
}

func TestBufferIgnoresNil(t *testing.T) {
	var buffer *Buffer
	buffer.Emit(stubEvent{})
	require.Nil(t, buffer.List("", 0))

	active := NewBuffer(4)
	active.Emit(nil)
	require.Empty(t, active.List("", 0))
}
