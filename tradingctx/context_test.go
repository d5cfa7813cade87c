package tradingctx

import "testing"

func TestSetActiveTracksPrevious(t *testing.T) {
	c := New()

	c.SetActive("AAPL")
	if c.Active() != "AAPL" || c.Previous() != "" {
		t.Fatalf("active=%q previous=%q after first set", c.Active(), c.Previous())
	}

	c.SetActive("MSFT")
	if c.Active() != "MSFT" || c.Previous() != "AAPL" {
		t.Fatalf("active=%q previous=%q after second set", c.Active(), c.Previous())
	}
}

func TestSetActiveSameValueNotifiesNobody(t *testing.T) {
	c := New()
	calls := 0
	c.Subscribe(func(active, previous string) { calls++ })

	c.SetActive("AAPL")
	c.SetActive("AAPL")

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if c.Previous() != "" {
		t.Fatalf("previous = %q, no-op set must not shift history", c.Previous())
	}
}

func TestSubscribersRunInRegistrationOrder(t *testing.T) {
	c := New()
	var order []string
	c.Subscribe(func(active, previous string) { order = append(order, "first:"+active) })
	c.Subscribe(func(active, previous string) { order = append(order, "second:"+previous) })

	c.SetActive("AAPL")
	c.SetActive("MSFT")

	want := []string{"first:AAPL", "second:", "first:MSFT", "second:AAPL"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestPanickingSubscriberDoesNotStopOthers(t *testing.T) {
	c := New()
	var reached bool
	c.Subscribe(func(active, previous string) { panic("boom") })
	c.Subscribe(func(active, previous string) { reached = true })

	c.SetActive("AAPL")

	if !reached {
		t.Fatal("subscriber after panicking one was not invoked")
	}
	if c.Active() != "AAPL" {
		t.Fatalf("active = %q, state must survive subscriber panic", c.Active())
	}
}
