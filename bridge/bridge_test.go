package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForSent(t *testing.T, port *MemoryPort, count int) []Message {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sent := port.Sent(); len(sent) >= count {
			return sent
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d sent messages, got %d", count, len(port.Sent()))
	return nil
}

func TestLatestPerTypeRetention(t *testing.T) {
	port := NewMemoryPort()
	b := New(port)
	defer b.Close()

	port.Inject(Message{Type: TypeProductImagesResponse, Payload: json.RawMessage(`{"images":["a.jpg"]}`)})
	port.Inject(Message{Type: TypeProductImagesResponse, Payload: json.RawMessage(`{"images":["b.jpg"]}`)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := b.AwaitType(ctx, TypeProductImagesResponse)
	require.NoError(t, err)

	// only the newest message of a type survives
	deadline := time.Now().Add(time.Second)
	for {
		msg, ok := b.Latest(TypeProductImagesResponse)
		if ok && string(msg.Payload) == `{"images":["b.jpg"]}` {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("latest message was not replaced: %s", msg.Payload)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAwaitTypeSatisfiedByRetainedMessage(t *testing.T) {
	port := NewMemoryPort()
	b := New(port)
	defer b.Close()

	port.Inject(Message{Type: TypeStoreIdentityResponse, Payload: json.RawMessage(`{"domain":"shop.myshopify.com"}`)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := b.AwaitType(ctx, TypeStoreIdentityResponse)
	require.NoError(t, err)

	var payload struct {
		Domain string `json:"domain"`
	}
	require.NoError(t, msg.UnmarshalPayload(&payload))
	assert.Equal(t, "shop.myshopify.com", payload.Domain)
}

func TestAwaitTypeTimesOut(t *testing.T) {
	port := NewMemoryPort()
	b := New(port)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.AwaitType(ctx, TypeProductImagesResponse)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatchActionAcknowledged(t *testing.T) {
	port := NewMemoryPort()
	b := New(port)
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		done <- b.DispatchAction(context.Background(), ActionAddToCart, map[string]any{"variant_id": 42})
	}()

	sent := waitForSent(t, port, 1)
	assert.Equal(t, TypeActionRequest, sent[0].Type)
	assert.Equal(t, ActionAddToCart, sent[0].Action)

	port.Inject(Message{Type: TypeActionSuccess, Action: ActionAddToCart})
	assert.NoError(t, <-done)
}

func TestDispatchActionRejected(t *testing.T) {
	port := NewMemoryPort()
	b := New(port)
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		done <- b.DispatchAction(context.Background(), ActionBuyNow, nil)
	}()
	waitForSent(t, port, 1)

	port.Inject(Message{Type: TypeActionError, Action: ActionBuyNow, Error: "Variant is out of stock"})
	err := <-done
	var rejected *ActionRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "Variant is out of stock", rejected.Message)
}

func TestDispatchActionTimesOutAndLateAckIsIgnored(t *testing.T) {
	port := NewMemoryPort()
	b := New(port, WithAckTimeout(50*time.Millisecond))
	defer b.Close()

	err := b.DispatchAction(context.Background(), ActionAddToCart, nil)
	var timeout *AckTimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, ActionAddToCart, timeout.Action)

	// the ack arrives after the window closed: dropped entirely, not retained
	port.Inject(Message{Type: TypeActionSuccess, Action: ActionAddToCart})
	time.Sleep(50 * time.Millisecond)
	_, ok := b.Latest(TypeActionSuccess)
	assert.False(t, ok)

	// and the bridge is usable again for the same action
	done := make(chan error, 1)
	go func() {
		done <- b.DispatchAction(context.Background(), ActionAddToCart, nil)
	}()
	waitForSent(t, port, 2)
	port.Inject(Message{Type: TypeActionSuccess, Action: ActionAddToCart})
	assert.NoError(t, <-done)
}

func TestDispatchActionConcurrentSameActionConflicts(t *testing.T) {
	port := NewMemoryPort()
	b := New(port)
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		done <- b.DispatchAction(context.Background(), ActionAddToCart, nil)
	}()
	waitForSent(t, port, 1)

	err := b.DispatchAction(context.Background(), ActionAddToCart, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already awaiting confirmation")

	port.Inject(Message{Type: TypeActionSuccess, Action: ActionAddToCart})
	assert.NoError(t, <-done)
}

func TestOneShotRequestsEmitExpectedTypes(t *testing.T) {
	port := NewMemoryPort()
	b := New(port)
	defer b.Close()

	require.NoError(t, b.RequestProductImages())
	require.NoError(t, b.RequestStoreIdentity())
	require.NoError(t, b.AnnounceClose())

	sent := port.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, TypeProductImagesRequest, sent[0].Type)
	assert.Equal(t, TypeStoreIdentityRequest, sent[1].Type)
	assert.Equal(t, TypeWidgetClose, sent[2].Type)
}

func TestWaitersUnblockWhenPortDies(t *testing.T) {
	port := NewMemoryPort()
	b := New(port)

	waiting := make(chan error, 1)
	go func() {
		_, err := b.AwaitType(context.Background(), TypeWidgetClose)
		waiting <- err
	}()
	dispatching := make(chan error, 1)
	go func() {
		dispatching <- b.DispatchAction(context.Background(), ActionAddToCart, nil)
	}()
	waitForSent(t, port, 1)

	// the host tab closed without announcing anything
	require.NoError(t, port.Close())

	select {
	case err := <-waiting:
		assert.ErrorIs(t, err, ErrPortClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter still blocked after the port died")
	}
	select {
	case err := <-dispatching:
		assert.ErrorIs(t, err, ErrPortClosed)
	case <-time.After(time.Second):
		t.Fatal("dispatcher still blocked after the port died")
	}

	assert.ErrorIs(t, b.RequestProductImages(), ErrPortClosed)
}

func TestCloseIsIdempotentAndRejectsFurtherUse(t *testing.T) {
	port := NewMemoryPort()
	b := New(port)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.RequestProductImages(), ErrPortClosed)
	assert.ErrorIs(t, b.DispatchAction(context.Background(), ActionBuyNow, nil), ErrPortClosed)
}
