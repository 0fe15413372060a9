package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) handle(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) indexes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Index
	}
	return out
}

func event(index int) models.Event {
	ev := models.NewEvent(models.Message{Step: models.Step{Content: "step"}})
	ev.Index = index
	return ev
}

func TestBroker_FanOutPreservesOrder(t *testing.T) {
	b := New(16, nil)
	defer b.Close()

	var r1, r2 recorder
	unsub1 := b.Subscribe(1, r1.handle)
	defer unsub1()
	unsub2 := b.Subscribe(1, r2.handle)
	defer unsub2()

	for i := 0; i < 10; i++ {
		b.Publish(1, event(i))
	}

	want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	require.Eventually(t, func() bool { return len(r1.indexes()) == 10 && len(r2.indexes()) == 10 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, want, r1.indexes())
	assert.Equal(t, want, r2.indexes())
}

func TestBroker_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(16, nil)
	defer b.Close()

	var stay, leave recorder
	unsubStay := b.Subscribe(1, stay.handle)
	defer unsubStay()
	unsubLeave := b.Subscribe(1, leave.handle)

	b.Publish(1, event(0))
	require.Eventually(t, func() bool { return len(leave.indexes()) == 1 && len(stay.indexes()) == 1 },
		time.Second, 5*time.Millisecond)

	unsubLeave()
	unsubLeave()

	b.Publish(1, event(1))
	require.Eventually(t, func() bool { return len(stay.indexes()) == 2 }, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []int{0}, leave.indexes())
	assert.Equal(t, 1, b.SubscriberCount(1))
}

func TestBroker_PublishWithoutSubscribers(t *testing.T) {
	b := New(1, nil)
	defer b.Close()

	assert.NotPanics(t, func() { b.Publish(42, event(0)) })
	assert.Equal(t, 0, b.SubscriberCount(42))
}

func TestBroker_TasksAreIsolated(t *testing.T) {
	b := New(16, nil)
	defer b.Close()

	var r1, r2 recorder
	defer b.Subscribe(1, r1.handle)()
	defer b.Subscribe(2, r2.handle)()

	b.Publish(1, event(0))
	b.Publish(2, event(5))

	require.Eventually(t, func() bool { return len(r1.indexes()) == 1 && len(r2.indexes()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0}, r1.indexes())
	assert.Equal(t, []int{5}, r2.indexes())
}

func TestBroker_PanickingSubscriberIsIsolated(t *testing.T) {
	b := New(16, nil)
	defer b.Close()

	var healthy recorder
	defer b.Subscribe(1, func(models.Event) { panic("bad subscriber") })()
	defer b.Subscribe(1, healthy.handle)()

	b.Publish(1, event(0))
	b.Publish(1, event(1))

	require.Eventually(t, func() bool { return len(healthy.indexes()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestBroker_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := New(1, nil)
	defer b.Close()

	release := make(chan struct{})
	defer close(release)
	defer b.Subscribe(1, func(models.Event) { <-release })()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(1, event(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestBroker_CloseIsIdempotentWithUnsubscribe(t *testing.T) {
	b := New(4, nil)
	unsub := b.Subscribe(1, func(models.Event) {})

	b.Close()
	assert.NotPanics(t, unsub)
	assert.Equal(t, 0, b.SubscriberCount(1))

	late := b.Subscribe(1, func(models.Event) {})
	assert.NotPanics(t, late)
	assert.Equal(t, 0, b.SubscriberCount(1))
}
