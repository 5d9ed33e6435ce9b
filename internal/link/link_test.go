package link

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Token
// =============================================================================

func TestToken_CompletesOnce(t *testing.T) {
	tok := NewToken()
	if tok.IsComplete() {
		t.Fatal("IsComplete() = true for new token")
	}
	if tok.Err() != nil {
		t.Errorf("Err() = %v on pending token, want nil", tok.Err())
	}

	first := errors.New("first")
	if !tok.Complete(first) {
		t.Error("first Complete() = false, want true")
	}
	if tok.Complete(errors.New("second")) {
		t.Error("second Complete() = true, want false")
	}
	if !errors.Is(tok.Err(), first) {
		t.Errorf("Err() = %v, want %v", tok.Err(), first)
	}
}

func TestToken_ConcurrentComplete(t *testing.T) {
	tok := NewToken()

	var wg sync.WaitGroup
	wins := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- tok.Complete(nil)
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for w := range wins {
		if w {
			count++
		}
	}
	if count != 1 {
		t.Errorf("winning Complete() calls = %d, want 1", count)
	}
}

func TestToken_Wait(t *testing.T) {
	tok := NewToken()
	go func() {
		time.Sleep(10 * time.Millisecond)
		tok.Complete(nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tok.Wait(ctx); err != nil {
		t.Errorf("Wait() error = %v", err)
	}

	pending := NewToken()
	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	if err := pending.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() on pending token error = %v, want DeadlineExceeded", err)
	}
}

func TestCompleted(t *testing.T) {
	boom := errors.New("boom")
	tok := Completed(boom)
	if !tok.IsComplete() {
		t.Fatal("Completed() token not complete")
	}
	if !errors.Is(tok.Err(), boom) {
		t.Errorf("Err() = %v, want %v", tok.Err(), boom)
	}
}

// =============================================================================
// Kind
// =============================================================================

func TestParseKind(t *testing.T) {
	tests := []struct {
		input   string
		want    Kind
		wantErr bool
	}{
		{"mqtt", BrokerProtocol, false},
		{"", BrokerProtocol, false},
		{"websocket", SocketChannel, false},
		{"amqp", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseKind(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKind(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseKind(%q) = %v, want %v", tt.input, got, tt.want)
			}
			if tt.wantErr && !errors.Is(err, ErrUnknownTransport) {
				t.Errorf("ParseKind(%q) error = %v, want ErrUnknownTransport", tt.input, err)
			}
		})
	}

	if BrokerProtocol.String() != "mqtt" || SocketChannel.String() != "websocket" {
		t.Errorf("String() = %q/%q, want mqtt/websocket", BrokerProtocol, SocketChannel)
	}
}

// =============================================================================
// OfflineQueue
// =============================================================================

func TestOfflineQueue_Capacity(t *testing.T) {
	q := NewOfflineQueue(2)

	for i := 0; i < 2; i++ {
		if err := q.Push("t", Message{Payload: []byte{byte(i)}}, NewToken()); err != nil {
			t.Fatalf("Push(%d) error = %v", i, err)
		}
	}
	if err := q.Push("t", Message{}, NewToken()); !errors.Is(err, ErrBufferFull) {
		t.Errorf("Push() over capacity error = %v, want ErrBufferFull", err)
	}
	if q.BufferedCount() != 2 {
		t.Errorf("BufferedCount() = %d, want 2", q.BufferedCount())
	}
}

func TestOfflineQueue_DrainOrder(t *testing.T) {
	q := NewOfflineQueue(0)
	for _, topic := range []string{"a", "b", "c"} {
		if err := q.Push(topic, Message{}, NewToken()); err != nil {
			t.Fatalf("Push(%q) error = %v", topic, err)
		}
	}

	items := q.Drain()
	if len(items) != 3 {
		t.Fatalf("len(Drain()) = %d, want 3", len(items))
	}
	for i, want := range []string{"a", "b", "c"} {
		if items[i].Topic != want {
			t.Errorf("items[%d].Topic = %q, want %q", i, items[i].Topic, want)
		}
	}
	if q.BufferedCount() != 0 {
		t.Errorf("BufferedCount() after Drain = %d, want 0", q.BufferedCount())
	}
}

func TestOfflineQueue_DeleteAndFail(t *testing.T) {
	q := NewOfflineQueue(0)
	deleted, kept := NewToken(), NewToken()
	_ = q.Push("a", Message{}, deleted)
	_ = q.Push("b", Message{}, kept)

	if !q.DeleteBufferedMessage(0) {
		t.Fatal("DeleteBufferedMessage(0) = false, want true")
	}
	if !errors.Is(deleted.Err(), ErrBufferedMessageDeleted) {
		t.Errorf("deleted token Err() = %v, want ErrBufferedMessageDeleted", deleted.Err())
	}
	if q.DeleteBufferedMessage(5) {
		t.Error("DeleteBufferedMessage(5) = true, want false")
	}

	topic, _, ok := q.BufferedMessage(0)
	if !ok || topic != "b" {
		t.Errorf("BufferedMessage(0) = %q, %v, want b, true", topic, ok)
	}

	closed := errors.New("closed")
	q.Fail(closed)
	if !errors.Is(kept.Err(), closed) {
		t.Errorf("kept token Err() = %v, want %v", kept.Err(), closed)
	}
	if q.BufferedCount() != 0 {
		t.Errorf("BufferedCount() after Fail = %d, want 0", q.BufferedCount())
	}
}
