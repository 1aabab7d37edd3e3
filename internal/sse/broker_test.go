package sse_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmem-sh/cmem/internal/sse"
)

func localRequest() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

func addLocalClient(t *testing.T, b *sse.Broker) (*sse.Client, *httptest.ResponseRecorder) {
	t.Helper()
	rec := localRequest()
	req := httptest.NewRequest("GET", "/stream", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	c, err := b.AddClient(rec, req)
	require.NoError(t, err)
	return c, rec
}

// =============================================================================
// ADMISSION
// =============================================================================

func TestIsLocalAddr(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:1234", true},
		{"127.0.0.1", true},
		{"[::1]:9999", true},
		{"::1", true},
		{"localhost:80", true},
		{"[::ffff:127.0.0.1]:443", true},
		{"10.0.0.5:1234", false},
		{"192.168.1.2", false},
		{"example.com:80", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sse.IsLocalAddr(tt.addr), tt.addr)
	}
}

func TestAddClient_RejectsRemoteAddr(t *testing.T) {
	b := sse.NewBroker()
	defer b.Stop()

	req := httptest.NewRequest("GET", "/stream", nil)
	req.RemoteAddr = "10.1.2.3:4000"
	_, err := b.AddClient(httptest.NewRecorder(), req)
	assert.Error(t, err)
	assert.Zero(t, b.SubscriberCount())
}

func TestAddClient_AfterStop(t *testing.T) {
	b := sse.NewBroker()
	b.Stop()

	req := httptest.NewRequest("GET", "/stream", nil)
	req.RemoteAddr = "127.0.0.1:4000"
	_, err := b.AddClient(httptest.NewRecorder(), req)
	assert.Error(t, err)
}

// =============================================================================
// BROADCAST
// =============================================================================

func TestBroadcast_WritesWireFrames(t *testing.T) {
	b := sse.NewBroker()
	defer b.Stop()
	_, rec := addLocalClient(t, b)

	b.ObservationCreated(7, 3, "p1", "Bash")

	body := rec.Body.String()
	assert.Contains(t, body, "event: observation-created\n")
	assert.Contains(t, body, `"queueId":7`)
	assert.Contains(t, body, `"toolName":"Bash"`)
	assert.True(t, strings.HasPrefix(body, "id: "))
	assert.True(t, strings.HasSuffix(body, "\n\n"))
}

func TestBroadcast_AllSubscribersSeeSameOrder(t *testing.T) {
	b := sse.NewBroker()
	defer b.Stop()
	_, rec1 := addLocalClient(t, b)
	_, rec2 := addLocalClient(t, b)

	b.ItemFailed(1, 1, "first")
	b.ItemStuck(2, 1, "second")

	for _, rec := range []*httptest.ResponseRecorder{rec1, rec2} {
		body := rec.Body.String()
		failedIdx := strings.Index(body, "event: item-failed")
		stuckIdx := strings.Index(body, "event: item-stuck")
		require.True(t, failedIdx >= 0 && stuckIdx >= 0)
		assert.Less(t, failedIdx, stuckIdx)
	}
}

func TestRemoveClient_UnblocksDone(t *testing.T) {
	b := sse.NewBroker()
	defer b.Stop()
	c, _ := addLocalClient(t, b)

	b.RemoveClient(c.ID)
	select {
	case <-c.Done():
	default:
		t.Fatal("Done channel still open after removal")
	}
	assert.Zero(t, b.SubscriberCount())
}

func TestStop_ClosesClients(t *testing.T) {
	b := sse.NewBroker()
	c, _ := addLocalClient(t, b)
	b.Stop()

	select {
	case <-c.Done():
	default:
		t.Fatal("Done channel still open after Stop")
	}
	// Stop is idempotent.
	b.Stop()
}

// =============================================================================
// CHANNEL TAPS
// =============================================================================

func TestSubscribe_ReceivesFrames(t *testing.T) {
	b := sse.NewBroker()
	defer b.Stop()

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	b.SummaryCreated(11, 3, "p1", "add retries")

	select {
	case f := <-ch:
		assert.Equal(t, sse.EventSummaryCreated, f.Event)
		assert.Contains(t, string(f.Data), `"summaryId":11`)
		assert.NotEmpty(t, f.ID)
	default:
		t.Fatal("no frame on tap channel")
	}
}

func TestSubscribe_SlowTapDropsInsteadOfBlocking(t *testing.T) {
	b := sse.NewBroker()
	defer b.Stop()

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	// Overfill the 64-slot buffer; the broadcast must not block.
	for i := 0; i < 200; i++ {
		b.ItemFailed(int64(i), 1, "x")
	}
	assert.Len(t, ch, 64)
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := sse.NewBroker()
	defer b.Stop()

	id, ch := b.Subscribe()
	b.Unsubscribe(id)

	_, open := <-ch
	assert.False(t, open)
}
