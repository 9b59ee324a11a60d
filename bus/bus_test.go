package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscriptionOrder(t *testing.T) {
	b := New()

	var got []string
	b.Subscribe("x", func(data interface{}) { got = append(got, "first:"+data.(string)) })
	b.SubscribeOnce("x", func(data interface{}) { got = append(got, "once:"+data.(string)) })
	b.Subscribe("x", func(data interface{}) { got = append(got, "third:"+data.(string)) })

	b.Publish("x", "a")
	b.Publish("x", "b")

	assert.Equal(t, []string{"first:a", "once:a", "third:a", "first:b", "third:b"}, got)
}

func TestPanicIsolation(t *testing.T) {
	b := New()

	second := 0
	b.Subscribe("boom", func(interface{}) { panic("listener failure") })
	b.Subscribe("boom", func(interface{}) { second++ })

	assert.NotPanics(t, func() { b.Publish("boom", nil) })
	assert.Equal(t, 1, second)
}

func TestOnceReentrant(t *testing.T) {
	b := New()

	calls := 0
	b.SubscribeOnce("again", func(interface{}) {
		calls++
		b.Publish("again", nil)
	})

	b.Publish("again", nil)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.Count("again"))
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	calls := 0
	unsub := b.Subscribe("x", func(interface{}) { calls++ })
	unsubOnce := b.SubscribeOnce("x", func(interface{}) { calls += 10 })

	unsubOnce()
	b.Publish("x", nil)
	unsub()
	unsub()
	b.Publish("x", nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.Count("x"))
}

func TestUnsubscribeAll(t *testing.T) {
	b := New()

	for _, name := range []string{"a", "b", "c"} {
		b.Subscribe(name, func(interface{}) {})
	}

	b.UnsubscribeAll("a")
	assert.Equal(t, 0, b.Count("a"))
	assert.Equal(t, 1, b.Count("b"))

	b.UnsubscribeAll()
	assert.Equal(t, 0, b.Count("b"))
	assert.Equal(t, 0, b.Count("c"))
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := New()

	var got []int
	var unsub2 func()
	b.Subscribe("x", func(interface{}) {
		got = append(got, 1)
		unsub2()
	})
	unsub2 = b.Subscribe("x", func(interface{}) { got = append(got, 2) })

	// the snapshot taken at publish time still includes the second handler
	b.Publish("x", nil)
	b.Publish("x", nil)

	assert.Equal(t, []int{1, 2, 1}, got)
}

func TestConcurrentPublish(t *testing.T) {
	b := New()

	var mu sync.Mutex
	total := 0
	b.Subscribe("n", func(data interface{}) {
		mu.Lock()
		total += data.(int)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish("n", 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, total)
}

func TestNames(t *testing.T) {
	b := New()
	assert.Empty(t, b.Names())

	unsub := b.Subscribe("room:selected", func(interface{}) {})
	b.Subscribe("auth:logout", func(interface{}) {})
	b.SubscribeOnce("sync:error", func(interface{}) {})

	assert.Equal(t, []string{"auth:logout", "room:selected", "sync:error"}, b.Names())

	unsub()
	b.Publish("sync:error", nil)
	assert.Equal(t, []string{"auth:logout"}, b.Names())
}
