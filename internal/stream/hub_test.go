package stream

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"arbengine/internal/models"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestHubBroadcastsOpportunityToClient(t *testing.T) {
	hub := New(testLog())
	stop := make(chan struct{})
	defer close(stop)
	go hub.Run(stop)

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	time.Sleep(20 * time.Millisecond) // let the register message land

	opp := models.ArbitrageOpportunity{ID: "SPOT_test", Strategy: models.StrategySpot}
	hub.PublishOpportunity(opp)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected to receive a broadcast message: %v", err)
	}

	var got models.ArbitrageOpportunity
	if err := json.Unmarshal(message, &got); err != nil {
		t.Fatalf("failed to unmarshal broadcast message: %v", err)
	}
	if got.ID != "SPOT_test" {
		t.Fatalf("expected opportunity ID SPOT_test, got %s", got.ID)
	}
}
