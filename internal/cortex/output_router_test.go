package cortex

import (
	"context"
	"testing"

	"github.com/basket/cortexd/internal/channels"
	"github.com/basket/cortexd/internal/persistence"
)

type fakeAdapter struct {
	name      string
	available bool
	sent      []channels.OutputTarget
}

func (f *fakeAdapter) Name() string      { return f.name }
func (f *fakeAdapter) IsAvailable() bool { return f.available }
func (f *fakeAdapter) Send(_ context.Context, target channels.OutputTarget) error {
	f.sent = append(f.sent, target)
	return nil
}

func newDispatchLoop(t *testing.T) (*Loop, *fakeAdapter, *persistence.Store) {
	t.Helper()
	store := newTestStore(t)
	adapter := &fakeAdapter{name: "webchat", available: true}
	reg := channels.NewRegistry(nil)
	reg.Register(adapter)
	l := New(store, nil, reg, nil, nil, nil, nil, nil, nil, Config{}, nil)
	return l, adapter, store
}

func TestDispatch_SilentSentinelProducesNoSend(t *testing.T) {
	l, adapter, _ := newDispatchLoop(t)
	env := &persistence.Envelope{ID: "e1", Channel: "webchat"}

	silent, text := l.dispatch(context.Background(), env, "webchat", Response{Text: "NO_REPLY"})
	if !silent {
		t.Fatal("expected silent turn")
	}
	if text != silenceMarker {
		t.Fatalf("text = %q", text)
	}
	if len(adapter.sent) != 0 {
		t.Fatalf("expected no sends, got %+v", adapter.sent)
	}
}

func TestDispatch_DefaultTargetIsForegroundChannel(t *testing.T) {
	l, adapter, _ := newDispatchLoop(t)
	env := &persistence.Envelope{ID: "e1", Channel: "webchat"}

	silent, text := l.dispatch(context.Background(), env, "webchat", Response{Text: "here you go"})
	if silent {
		t.Fatal("expected non-silent turn")
	}
	if text != "here you go" {
		t.Fatalf("text = %q", text)
	}
	if len(adapter.sent) != 1 || adapter.sent[0].Channel != "webchat" {
		t.Fatalf("sent = %+v", adapter.sent)
	}
}

func TestDispatch_ReplyContextOverridesDefaultTarget(t *testing.T) {
	l, adapter, _ := newDispatchLoop(t)
	env := &persistence.Envelope{ID: "e1", Channel: "router", Reply: &persistence.ReplyContext{Channel: "webchat"}}

	silent, _ := l.dispatch(context.Background(), env, "webchat", Response{Text: "the weather is sunny"})
	if silent {
		t.Fatal("expected non-silent turn")
	}
	if len(adapter.sent) != 1 || adapter.sent[0].Channel != "webchat" {
		t.Fatalf("sent = %+v", adapter.sent)
	}
}
