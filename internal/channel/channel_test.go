package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/luadbg/protocol"
)

// failingConn fails the first `failures` writes.
type failingConn struct {
	mu       sync.Mutex
	failures int
	writes   int
	written  []byte
}

func (f *failingConn) Read(p []byte) (int, error)        { return 0, io.EOF }
func (f *failingConn) Close() error                      { return nil }
func (f *failingConn) SetReadDeadline(t time.Time) error { return nil }

func (f *failingConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.writes <= f.failures {
		return 0, errors.New("broken pipe")
	}
	f.written = append(f.written, p...)
	return len(p), nil
}

// partialConn writes half of the first buffer, then fails once.
type partialConn struct {
	failingConn
	first bool
}

func (p *partialConn) Write(b []byte) (int, error) {
	if !p.first {
		p.first = true
		half := len(b) / 2
		p.written = append(p.written, b[:half]...)
		return half, errors.New("short write")
	}
	p.written = append(p.written, b...)
	return len(b), nil
}

func pipe(t *testing.T, opts Options) (*Channel, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	if opts.OnDisconnect == nil {
		opts.OnDisconnect = func(error) {}
	}
	ch := New(a, opts)
	t.Cleanup(func() {
		ch.Close()
		b.Close()
	})
	return ch, b
}

func writeAsync(conn net.Conn, data string) {
	go conn.Write([]byte(data))
}

// TestSendRetriesExactlyMaxTries verifies persistent failures surface after MaxTries attempts
func TestSendRetriesExactlyMaxTries(t *testing.T) {
	conn := &failingConn{failures: 100}
	ch := New(conn, Options{MaxTries: 3, OnDisconnect: func(error) {}})

	err := ch.Send(protocol.MethodStdout, "p1", protocol.TextParams{Text: "x"})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, te.Attempts)
	assert.Equal(t, 3, conn.writes)
}

func TestSendRecoversAfterTransientFailure(t *testing.T) {
	conn := &failingConn{failures: 2}
	ch := New(conn, Options{OnDisconnect: func(error) {}})

	require.NoError(t, ch.Send(protocol.MethodStdout, "p1", protocol.TextParams{Text: "x"}))
	assert.Equal(t, 3, conn.writes)

	env, err := protocol.ParseEnvelope(conn.written)
	require.NoError(t, err)
	assert.Equal(t, protocol.MethodStdout, env.Method)
}

// TestPartialWriteResumes verifies a retried line is not duplicated
func TestPartialWriteResumes(t *testing.T) {
	conn := &partialConn{}
	ch := New(conn, Options{OnDisconnect: func(error) {}})

	line, err := protocol.Encode(protocol.MethodStderr, "p1", protocol.TextParams{Text: "hello"})
	require.NoError(t, err)
	require.NoError(t, ch.SendRaw(line))
	assert.Equal(t, string(line), string(conn.written))
}

func TestReceiveExpected(t *testing.T) {
	ch, peer := pipe(t, Options{})
	writeAsync(peer, `{"jsonrpc":"2.0","method":"CONTINUE","procId":"p1","params":{"special":true}}`+"\n")

	params, err := ch.Receive(protocol.MethodContinue, time.Second)
	require.NoError(t, err)
	var cp protocol.ContinueParams
	require.NoError(t, json.Unmarshal(params, &cp))
	assert.True(t, cp.Special)
}

// TestReceiveMismatchConsumesOneLine verifies a mismatch leaves the next message intact
func TestReceiveMismatchConsumesOneLine(t *testing.T) {
	ch, peer := pipe(t, Options{})
	writeAsync(peer,
		`{"jsonrpc":"2.0","method":"STEP","procId":"p1","params":{}}`+"\n"+
			`{"jsonrpc":"2.0","method":"CONTINUE","procId":"p1","params":{}}`+"\n")

	_, err := ch.Receive(protocol.MethodContinue, time.Second)
	var pm *ProtocolMismatchError
	require.ErrorAs(t, err, &pm)
	assert.Equal(t, protocol.MethodContinue, pm.Expected)
	assert.Equal(t, protocol.MethodStep, pm.Actual)

	_, err = ch.Receive(protocol.MethodContinue, time.Second)
	assert.NoError(t, err)
}

// TestTimeoutPreservesPartialLine verifies bytes read before a timeout are not lost
func TestTimeoutPreservesPartialLine(t *testing.T) {
	ch, peer := pipe(t, Options{})
	msg := `{"jsonrpc":"2.0","method":"CONTINUE","procId":"p1","params":{}}` + "\n"

	done := make(chan struct{})
	go func() {
		peer.Write([]byte(msg[:20]))
		close(done)
	}()
	_, err := ch.Receive(protocol.MethodContinue, 50*time.Millisecond)
	assert.True(t, IsTimeout(err), "expected timeout, got %v", err)
	<-done

	writeAsync(peer, msg[20:])
	_, err = ch.Receive(protocol.MethodContinue, time.Second)
	assert.NoError(t, err)
}

func TestPollWithoutData(t *testing.T) {
	ch, _ := pipe(t, Options{})
	_, _, err := ch.ReceiveAny(0)
	assert.True(t, IsTimeout(err))
}

func TestReceiveDecodeError(t *testing.T) {
	ch, peer := pipe(t, Options{})
	writeAsync(peer, "not json\n")

	_, err := ch.Receive(protocol.MethodContinue, time.Second)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "not json\n", string(de.Raw))
}

// TestDisconnectRunsHook verifies the controller-gone policy is invoked
func TestDisconnectRunsHook(t *testing.T) {
	var hookErr error
	ch, peer := pipe(t, Options{OnDisconnect: func(err error) { hookErr = err }})
	peer.Close()

	_, err := ch.Receive(protocol.MethodContinue, time.Second)
	assert.True(t, IsTransport(err))
	assert.Error(t, hookErr)
}

func TestCloseIsIdempotent(t *testing.T) {
	ch, _ := pipe(t, Options{})
	require.NoError(t, ch.Close())
	assert.NoError(t, ch.Close())
	assert.True(t, ch.Closed())

	err := ch.Send(protocol.MethodStdout, "p1", nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = ch.Receive(protocol.MethodContinue, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSendProducesOneLine(t *testing.T) {
	ch, peer := pipe(t, Options{})
	go ch.Send(protocol.MethodStdout, "p1", protocol.TextParams{Text: "multi\nline\n"})

	line, err := bufio.NewReader(peer).ReadString('\n')
	require.NoError(t, err)
	env, err := protocol.ParseEnvelope([]byte(line))
	require.NoError(t, err)
	var tp protocol.TextParams
	require.NoError(t, env.Decode(&tp))
	assert.Equal(t, "multi\nline\n", tp.Text)
}

// TestWebSocketTransport verifies lines travel as websocket text messages
func TestWebSocketTransport(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		received <- string(msg)
		ws.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"CONTINUE","procId":"p1","params":{}}`))
		ws.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ch, err := DialWebSocket(context.Background(), url, Options{OnDisconnect: func(error) {}})
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(protocol.MethodLine, "p1", protocol.LineParams{}))
	msg := <-received
	assert.False(t, strings.HasSuffix(msg, "\n"))
	env, err := protocol.ParseEnvelope([]byte(msg))
	require.NoError(t, err)
	assert.Equal(t, protocol.MethodLine, env.Method)

	_, err = ch.Receive(protocol.MethodContinue, 2*time.Second)
	assert.NoError(t, err)

	_, _, err = ch.ReceiveAny(20 * time.Millisecond)
	assert.True(t, IsTimeout(err))
}

// TestConcurrentSendsDoNotInterleave verifies each concurrent send arrives
// as one intact line
func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	ch, peer := pipe(t, Options{})
	const senders = 8
	payload := strings.Repeat("x", 64*1024)

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := fmt.Sprintf("%d:%s", i, payload)
			if i%2 == 0 {
				assert.NoError(t, ch.Send(protocol.MethodStdout, "p1", protocol.TextParams{Text: text}))
				return
			}
			line, err := protocol.Encode(protocol.MethodStderr, "p1", protocol.TextParams{Text: text})
			if assert.NoError(t, err) {
				assert.NoError(t, ch.SendRaw(line))
			}
		}(i)
	}

	reader := bufio.NewReaderSize(peer, 1024)
	seen := make(map[string]bool)
	for i := 0; i < senders; i++ {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		env, err := protocol.ParseEnvelope([]byte(line))
		require.NoError(t, err)
		var tp protocol.TextParams
		require.NoError(t, env.Decode(&tp))
		prefix, rest, ok := strings.Cut(tp.Text, ":")
		require.True(t, ok)
		assert.Equal(t, payload, rest)
		seen[prefix] = true
	}
	wg.Wait()
	assert.Len(t, seen, senders)
}

// TestWebSocketCloseReleasesReadPump verifies Close stops a pump whose
// queue is full
func TestWebSocketCloseReleasesReadPump(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for i := 0; i < 200; i++ {
			if ws.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"STEP","procId":"p1","params":{}}`)) != nil {
				return
			}
		}
		ws.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	conn := NewWebSocketConn(ws)
	require.Eventually(t, func() bool { return len(conn.messages) == cap(conn.messages) }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	select {
	case <-conn.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("read pump still blocked after Close")
	}
	_, err = conn.Read(make([]byte, 16))
	assert.Error(t, err)
}
