package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/splax/morphlink/internal/domain"
)

var errGone = errors.New("link gone")

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeRecorder struct {
	mu     sync.Mutex
	clicks []domain.Click
	done   chan struct{}
	want   int
}

func (f *fakeRecorder) RecordClick(_ context.Context, click domain.Click) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, click)
	if len(f.clicks) == f.want {
		close(f.done)
	}
	switch click.ShortCode {
	case "gone":
		return errGone
	case "flaky":
		return errors.New("timeout")
	}
	return nil
}

func message(t *testing.T, offset int64, code string) kafka.Message {
	t.Helper()
	value, err := json.Marshal(domain.Click{ShortCode: code, ClickedAt: time.Now()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{Offset: offset, Value: value}
}

func TestConsumerCommitsHandledMessages(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		message(t, 1, "abc"),
		{Offset: 2, Value: []byte("not json")},
		message(t, 3, "gone"),
		message(t, 4, "flaky"),
		message(t, 5, "def"),
	}}
	recorder := &fakeRecorder{done: make(chan struct{}), want: 4}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	consumer := newConsumer(reader, recorder, func(err error) bool { return errors.Is(err, errGone) }, logger)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- consumer.Run(ctx) }()

	select {
	case <-recorder.done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not process messages")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}

	reader.mu.Lock()
	defer reader.mu.Unlock()
	want := []int64{1, 2, 3, 5}
	if len(reader.committed) != len(want) {
		t.Fatalf("expected commits %v, got %v", want, reader.committed)
	}
	for i, off := range want {
		if reader.committed[i] != off {
			t.Fatalf("expected commits %v, got %v", want, reader.committed)
		}
	}
}
