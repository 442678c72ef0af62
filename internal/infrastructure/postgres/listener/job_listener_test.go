package listener

import (
	"testing"

	"go.uber.org/zap"
)

func TestJobListener_SignalCollapses(t *testing.T) {
	l := NewJobListener("", "finsync_jobs", zap.NewNop())
	ch := l.Wakeup("item-sync")

	l.Signal("item-sync")
	l.Signal("item-sync")

	select {
	case <-ch:
	default:
		t.Fatal("expected a wakeup")
	}
	select {
	case <-ch:
		t.Fatal("signals should collapse into one wakeup")
	default:
	}
}

func TestJobListener_SignalIsPerQueue(t *testing.T) {
	l := NewJobListener("", "finsync_jobs", zap.NewNop())
	webhooks := l.Wakeup("webhooks")
	sync := l.Wakeup("item-sync")

	l.Signal("webhooks")

	select {
	case <-sync:
		t.Fatal("item-sync should not be woken")
	default:
	}
	select {
	case <-webhooks:
	default:
		t.Fatal("expected webhooks wakeup")
	}
}

func TestJobListener_SignalAll(t *testing.T) {
	l := NewJobListener("", "finsync_jobs", zap.NewNop())
	a := l.Wakeup("a")
	b := l.Wakeup("b")

	l.signalAll()

	for name, ch := range map[string]<-chan struct{}{"a": a, "b": b} {
		select {
		case <-ch:
		default:
			t.Fatalf("queue %s not woken", name)
		}
	}
}
