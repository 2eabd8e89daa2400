package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, body string, check func(r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(events *[]StreamEvent) StreamCallback {
	return func(ev StreamEvent) { *events = append(*events, ev) }
}

func TestGenerate_Done(t *testing.T) {
	body := "data:{\"d\":\"\"}\n\n" +
		"data:{\"d\":\"Hello\"}\n\n" +
		": heartbeat\n\n" +
		"data: {\"d\":\" world\"}\r\n\r\n" +
		"event:done\ndata:\n\n" +
		"data:{\"d\":\"after done\"}\n\n"

	srv := sseServer(t, body, func(r *http.Request) {
		assert.Equal(t, "/app/chat/gen/code", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("appId"))
		assert.Equal(t, "做一个网页", r.URL.Query().Get("message"))
		assert.Equal(t, "run-1", r.URL.Query().Get("runId"))
		assert.Equal(t, "fast", r.URL.Query().Get("modelKey"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "SESSION=abc", r.Header.Get("Cookie"))
	})

	var events []StreamEvent
	c := NewClient(srv.URL+"/", "SESSION=abc")
	err := c.Generate(context.Background(), GenerateRequest{AppID: "42", Message: "做一个网页", RunID: "run-1", ModelKey: "fast"}, collect(&events))
	require.NoError(t, err)

	require.Len(t, events, 5)
	assert.Equal(t, EventOpen, events[0].Type)
	assert.Equal(t, StreamEvent{Type: EventMessage, Data: `{"d":""}`}, events[1])
	assert.Equal(t, `{"d":" world"}`, events[3].Data)
	assert.Equal(t, StreamEvent{Type: EventDone}, events[4])
}

func TestGenerate_Interrupted(t *testing.T) {
	srv := sseServer(t, "data:{\"d\":\"x\"}\n\nevent:interrupted\ndata:\n\n", nil)

	var events []StreamEvent
	err := NewClient(srv.URL, "").Generate(context.Background(), GenerateRequest{AppID: "1", Message: "m"}, collect(&events))
	require.NoError(t, err)
	assert.Equal(t, EventInterrupted, events[len(events)-1].Type)
}

func TestGenerate_MultiLineData(t *testing.T) {
	srv := sseServer(t, "data:a\ndata:b\n\nevent:done\ndata:\n\n", nil)

	var events []StreamEvent
	require.NoError(t, NewClient(srv.URL, "").Generate(context.Background(), GenerateRequest{}, collect(&events)))
	assert.Equal(t, "a\nb", events[1].Data)
}

func TestGenerate_ClosedWithoutTerminalEvent(t *testing.T) {
	srv := sseServer(t, "data:{\"d\":\"partial\"}\n\n", nil)

	var events []StreamEvent
	err := NewClient(srv.URL, "").Generate(context.Background(), GenerateRequest{}, collect(&events))
	assert.ErrorIs(t, err, ErrStreamError)
	assert.Len(t, events, 2)
}

func TestGenerate_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"code":42900,"message":"请求过于频繁"}`)
	}))
	defer srv.Close()

	var events []StreamEvent
	err := NewClient(srv.URL, "").Generate(context.Background(), GenerateRequest{}, collect(&events))
	require.ErrorIs(t, err, ErrRequestFailed)
	assert.Contains(t, err.Error(), "请求过于频繁")
	assert.Empty(t, events, "no open event for a failed request")
}

func TestGenerate_NotEventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"code":40100,"message":"未登录"}`)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "").Generate(context.Background(), GenerateRequest{}, func(StreamEvent) {})
	require.ErrorIs(t, err, ErrRequestFailed)
	assert.Contains(t, err.Error(), "未登录")
}

func TestGenerate_Cancelled(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data:{\"d\":\"x\"}\n\n")
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- NewClient(srv.URL, "").Generate(ctx, GenerateRequest{}, func(StreamEvent) {})
	}()
	<-started
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestDecodeChunk(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{"chunk", `{"d":"<html>"}`, "<html>", false},
		{"escaped", `{"d":"a\nb \"c\""}`, "a\nb \"c\"", false},
		{"keepalive", `{"d":""}`, "", false},
		{"empty data", "", "", false},
		{"no field", `{"x":1}`, "", false},
		{"malformed", `{"d":`, "", true},
		{"wrong type", `{"d":5}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeChunk(tt.data)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrStreamError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStop(t *testing.T) {
	var got StopRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/app/chat/stop", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"code":0,"data":true}`)
	}))
	defer srv.Close()

	require.NoError(t, NewClient(srv.URL, "").Stop(context.Background(), "run-9"))
	assert.Equal(t, "run-9", got.RunID)
}

func TestStop_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":40400,"message":"运行不存在或已结束"}`)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "").Stop(context.Background(), "gone")
	require.ErrorIs(t, err, ErrRequestFailed)
	assert.True(t, strings.Contains(err.Error(), "运行不存在或已结束"))

	assert.NoError(t, NewClient(srv.URL, "").Stop(context.Background(), ""), "empty run id is a no-op")
}
