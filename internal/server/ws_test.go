package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/forge3d/uerelay/internal/protocol"
	"github.com/forge3d/uerelay/pkg/api"
)

func dialWS(t *testing.T, httpURL, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func identify(t *testing.T, conn *websocket.Conn, projectID string) {
	t.Helper()
	frame, err := protocol.NewFrame(protocol.FrameIdentify, protocol.IdentifyPayload{
		ProjectID:   projectID,
		ProjectName: "Demo",
	})
	if err != nil {
		t.Fatalf("build identify frame: %v", err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("send identify: %v", err)
	}
}

// A connected engine channel gets commands pushed instead of queued, and its
// response frames resolve the blocked HTTP send.
func TestEngineWebSocketPushRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialWS(t, ts.URL, "/ws/engine")
	identify(t, conn, "proj-ws")

	// Give AttachChannel a moment before submitting.
	waitForTransport(t, ts.URL, "proj-ws", "push")

	done := make(chan api.SendCommandResponse, 1)
	go func() {
		req := api.SendCommandRequest{ProjectID: "proj-ws", TimeoutSeconds: 5}
		req.Command.Action = "describe_viewport"
		var resp api.SendCommandResponse
		postJSON(t, ts.URL+"/send_command_to_ue5", req, &resp)
		done <- resp
	}()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame protocol.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read pushed frame: %v", err)
	}
	if frame.Type != protocol.FrameCommand {
		t.Fatalf("frame type = %s", frame.Type)
	}
	var cmd protocol.Command
	if err := frame.Decode(&cmd); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if cmd.Action != "describe_viewport" {
		t.Fatalf("pushed action = %q", cmd.Action)
	}

	data, _ := json.Marshal(map[string]string{"map": "ThirdPersonMap"})
	out, err := protocol.NewFrame(protocol.FrameResponse, protocol.Response{
		RequestID: cmd.RequestID,
		Success:   true,
		Data:      data,
	})
	if err != nil {
		t.Fatalf("build response frame: %v", err)
	}
	if err := conn.WriteJSON(out); err != nil {
		t.Fatalf("send response: %v", err)
	}

	select {
	case resp := <-done:
		if !resp.Success {
			t.Fatalf("send failed: %s", resp.Error)
		}
		var payload map[string]string
		if err := json.Unmarshal(resp.Data, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["map"] != "ThirdPersonMap" {
			t.Fatalf("payload = %v", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("send never resolved")
	}
}

// Closing the engine socket falls the project back to the poll transport;
// commands land in the backlog instead of erroring.
func TestEngineWebSocketDisconnectFallsBackToPoll(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialWS(t, ts.URL, "/ws/engine")
	identify(t, conn, "proj-ws")
	waitForTransport(t, ts.URL, "proj-ws", "push")

	conn.Close()
	waitForTransport(t, ts.URL, "proj-ws", "none")

	go func() {
		req := api.SendCommandRequest{ProjectID: "proj-ws", TimeoutSeconds: 5}
		req.Command.Action = "list_actors"
		postJSON(t, ts.URL+"/send_command_to_ue5", req, nil)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("command never reached the backlog after disconnect")
		}
		var poll api.PollResponse
		postJSON(t, ts.URL+"/api/ue5/poll", api.PollRequest{ProjectID: "proj-ws"}, &poll)
		if len(poll.Commands) == 1 && poll.Commands[0].Action == "list_actors" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDashboardWebSocketReceivesEvents(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialWS(t, ts.URL, "/ws/dashboard")

	// Subscription races the register below, so retry it once the socket
	// is up.
	time.Sleep(50 * time.Millisecond)
	registerProject(t, ts.URL, "proj-evt")

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var event protocol.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != protocol.EventProjectConnected {
		t.Fatalf("event type = %q", event.Type)
	}
	if event.Payload["project_id"] != "proj-evt" {
		t.Fatalf("event payload = %v", event.Payload)
	}
}

func TestEngineWebSocketRejectsMissingIdentify(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialWS(t, ts.URL, "/ws/engine")

	frame, _ := protocol.NewFrame(protocol.FrameHeartbeat, nil)
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("server should close sockets that skip the identify frame")
	}
}

// SafeSend can lose a race with close between the closed check and the
// channel send; it must absorb that as a false return, never a panic, so a
// fanout broadcast or push enqueue racing a disconnect degrades to its
// fallback path instead of a 500.
func TestSafeSendRacingClose(t *testing.T) {
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	for i := 0; i < 100; i++ {
		peer, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		client := newWSClient(<-serverConns, zerolog.Nop())

		start := make(chan struct{})
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 50; j++ {
					client.SafeSend([]byte("x"))
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			client.close()
		}()
		close(start)
		wg.Wait()

		if client.SafeSend([]byte("x")) {
			t.Fatal("SafeSend reported success on a closed client")
		}
		peer.Close()
	}
}

func waitForTransport(t *testing.T, baseURL, projectID, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(baseURL + "/api/projects/" + projectID)
		if err == nil {
			var info api.ProjectInfo
			dec := json.NewDecoder(resp.Body)
			decErr := dec.Decode(&info)
			resp.Body.Close()
			if decErr == nil && resp.StatusCode == http.StatusOK && info.Transport == want {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("project %s never reached transport %q", projectID, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
