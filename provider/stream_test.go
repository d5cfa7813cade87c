package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "ignitionflow/config"
	"ignitionflow/models"
)

// streamServer upgrades incoming connections and counts every valid
// subscribe frame it reads.
type streamServer struct {
	srv    *httptest.Server
	frames atomic.Int64
	bad    atomic.Int64
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()
	s := &streamServer{}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var op streamOp
			if err := json.Unmarshal(msg, &op); err != nil || op.Action == "" {
				s.bad.Add(1)
				continue
			}
			s.frames.Add(1)
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *streamServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func streamTestConfig(url string) *appconfig.Config {
	cfg := appconfig.Default()
	cfg.Provider.BaseURL = "http://localhost"
	cfg.Provider.StreamURL = url
	return cfg
}

func waitForStream(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func (s *StreamClient) connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

func TestConcurrentSubscribeWrites(t *testing.T) {
	server := newStreamServer(t)
	out := make(chan models.Tick, 16)
	client := NewStreamClient(streamTestConfig(server.url()), out)

	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer client.Stop()
	defer cancel()
	waitForStream(t, client.connected, "client never connected")

	// Many goroutines hammer the subscribe path at once; every frame
	// must arrive intact on the single connection.
	const workers, opsPerWorker = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ticker := string(rune('A' + w))
			for i := 0; i < opsPerWorker; i++ {
				if err := client.Subscribe(models.ChannelTrades, []string{ticker}); err != nil {
					t.Errorf("subscribe: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	waitForStream(t, func() bool { return server.frames.Load() == workers*opsPerWorker }, "frames lost or corrupted in flight")
	if bad := server.bad.Load(); bad != 0 {
		t.Fatalf("server received %d unparseable frames", bad)
	}
}

func TestSubscribeBeforeConnectReplaysOnDial(t *testing.T) {
	server := newStreamServer(t)
	out := make(chan models.Tick, 16)
	client := NewStreamClient(streamTestConfig(server.url()), out)

	// Desired set accumulated while disconnected.
	if err := client.Subscribe(models.ChannelTrades, []string{"AAPL", "MSFT"}); err != nil {
		t.Fatalf("offline subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer client.Stop()
	defer cancel()

	waitForStream(t, func() bool { return server.frames.Load() >= 1 }, "desired set not replayed after dial")
}
