// Package testinfra runs end-to-end tests against a real Mattermost and
// Synapse pair with a chatrelay process in between, configured with
// source.type=mattermost and sink.type=matrix.
//
// The relay must watch MM_CHANNEL_ID, deliver to MATRIX_ROOM_ID with a
// max_chunk_length of RELAY_CHUNK_LENGTH, and run with this filter:
//
//	message_filter:
//	    enabled: true
//	    patterns:
//	        - text: Wallet Extensions
//	          format: "🧩 {sender} in {stream}/{topic}: {content}"
//	        - text: wallet
//	          format: "💼 {sender} posted in {stream}/{topic}: {content}"
package testinfra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

// ────────────────────────────────────────────────────────────────────
// Shared state
// ────────────────────────────────────────────────────────────────────

var (
	synapseURL   string
	matrixToken  string // token of a user joined to the destination room
	matrixRoomID string

	mmURL         string
	mmPosterToken string // a regular user, not the relay's own account
	mmRelayToken  string // the relay's account, used for echo checks
	mmChannelID   string

	relayMetricsURL string
	chunkLength     int
)

func TestMain(m *testing.M) {
	synapseURL = envOr("SYNAPSE_URL", "http://localhost:18008")
	mmURL = envOr("MM_URL", "http://localhost:18065")
	matrixToken = os.Getenv("MATRIX_TOKEN")
	matrixRoomID = os.Getenv("MATRIX_ROOM_ID")
	mmPosterToken = os.Getenv("MM_POSTER_TOKEN")
	mmRelayToken = os.Getenv("MM_RELAY_TOKEN")
	mmChannelID = os.Getenv("MM_CHANNEL_ID")
	relayMetricsURL = os.Getenv("RELAY_METRICS_URL")

	if matrixToken == "" || matrixRoomID == "" || mmPosterToken == "" || mmChannelID == "" {
		fmt.Println("SKIP: MATRIX_TOKEN, MATRIX_ROOM_ID, MM_POSTER_TOKEN and MM_CHANNEL_ID required")
		os.Exit(0)
	}

	var err error
	chunkLength, err = strconv.Atoi(envOr("RELAY_CHUNK_LENGTH", "1000"))
	if err != nil {
		fmt.Printf("FAIL: RELAY_CHUNK_LENGTH: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ────────────────────────────────────────────────────────────────────
// HTTP helpers
// ────────────────────────────────────────────────────────────────────

func doJSON(t testing.TB, method, url string, body any, token string) (int, map[string]any) {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("HTTP %s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result) //nolint:errcheck
	return resp.StatusCode, result
}

// ────────────────────────────────────────────────────────────────────
// Matrix helpers
// ────────────────────────────────────────────────────────────────────

// getMatrixBodies returns the bodies of the latest m.room.message events,
// newest first.
func getMatrixBodies(t *testing.T, limit int) []string {
	t.Helper()
	code, resp := doJSON(t, "GET",
		fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/messages?dir=b&limit=%d",
			synapseURL, url.PathEscape(matrixRoomID), limit),
		nil, matrixToken)
	if code != 200 {
		t.Fatalf("messages %s: %d %v", matrixRoomID, code, resp)
	}
	chunk, _ := resp["chunk"].([]any)
	var bodies []string
	for _, c := range chunk {
		evt, _ := c.(map[string]any)
		if evt["type"] != "m.room.message" {
			continue
		}
		content, _ := evt["content"].(map[string]any)
		if body, ok := content["body"].(string); ok {
			bodies = append(bodies, body)
		}
	}
	return bodies
}

func pollMatrixForBody(t *testing.T, match func(string) bool, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, body := range getMatrixBodies(t, 50) {
			if match(body) {
				return body
			}
		}
		time.Sleep(2 * time.Second)
	}
	t.Fatalf("message not found in Matrix room %s within %v", matrixRoomID, timeout)
	return ""
}

// ────────────────────────────────────────────────────────────────────
// Mattermost helpers
// ────────────────────────────────────────────────────────────────────

func postToMM(t *testing.T, token, message, rootID string) string {
	t.Helper()
	body := map[string]string{"channel_id": mmChannelID, "message": message}
	if rootID != "" {
		body["root_id"] = rootID
	}
	code, resp := doJSON(t, "POST", mmURL+"/api/v4/posts", body, token)
	if code != 201 {
		t.Fatalf("MM post: %d %v", code, resp)
	}
	return resp["id"].(string)
}

func marker(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// ════════════════════════════════════════════════════════════════════
// TESTS: Health checks
// ════════════════════════════════════════════════════════════════════

func TestSynapseHealthy(t *testing.T) {
	code, _ := doJSON(t, "GET", synapseURL+"/health", nil, "")
	if code != 200 {
		t.Fatalf("Synapse /health: %d", code)
	}
}

func TestMattermostHealthy(t *testing.T) {
	code, _ := doJSON(t, "GET", mmURL+"/api/v4/system/ping", nil, "")
	if code != 200 {
		t.Fatalf("Mattermost /ping: %d", code)
	}
}

// ════════════════════════════════════════════════════════════════════
// TESTS: Filtering and rendering
// ════════════════════════════════════════════════════════════════════

func TestMatchingPostIsRelayed(t *testing.T) {
	m := marker("match")
	postToMM(t, mmPosterToken, "Wallet Extensions "+m, "")

	body := pollMatrixForBody(t, func(b string) bool { return strings.Contains(b, m) }, 30*time.Second)
	if !strings.HasPrefix(body, "🧩 ") {
		t.Errorf("relayed body should use the first pattern's format: %q", body)
	}
}

func TestFirstMatchingPatternWins(t *testing.T) {
	m := marker("order")
	postToMM(t, mmPosterToken, "new wallet build "+m, "")

	body := pollMatrixForBody(t, func(b string) bool { return strings.Contains(b, m) }, 30*time.Second)
	if !strings.HasPrefix(body, "💼 ") {
		t.Errorf("lowercase wallet should only match the second pattern: %q", body)
	}
}

func TestNonMatchingPostIsDropped(t *testing.T) {
	dropped := marker("dropped")
	sentinel := marker("sentinel")
	postToMM(t, mmPosterToken, "lunch at noon "+dropped, "")
	postToMM(t, mmPosterToken, "Wallet Extensions "+sentinel, "")

	// Posts are relayed in order, so once the sentinel arrives the dropped
	// post has been processed.
	pollMatrixForBody(t, func(b string) bool { return strings.Contains(b, sentinel) }, 30*time.Second)
	for _, b := range getMatrixBodies(t, 50) {
		if strings.Contains(b, dropped) {
			t.Fatalf("non-matching post was relayed: %q", b)
		}
	}
}

func TestThreadReplyCarriesTopic(t *testing.T) {
	rootID := postToMM(t, mmPosterToken, "thread root "+marker("root"), "")
	m := marker("reply")
	postToMM(t, mmPosterToken, "Wallet Extensions "+m, rootID)

	body := pollMatrixForBody(t, func(b string) bool { return strings.Contains(b, m) }, 30*time.Second)
	if !strings.Contains(body, "/"+rootID+":") {
		t.Errorf("reply should render its root post as the topic: %q", body)
	}
}

func TestRelayAccountPostsIgnored(t *testing.T) {
	if mmRelayToken == "" {
		t.Skip("MM_RELAY_TOKEN not set")
	}
	echo := marker("echo")
	sentinel := marker("sentinel")
	postToMM(t, mmRelayToken, "Wallet Extensions "+echo, "")
	postToMM(t, mmPosterToken, "Wallet Extensions "+sentinel, "")

	pollMatrixForBody(t, func(b string) bool { return strings.Contains(b, sentinel) }, 30*time.Second)
	for _, b := range getMatrixBodies(t, 50) {
		if strings.Contains(b, echo) {
			t.Fatalf("relay's own post was relayed: %q", b)
		}
	}
}

// ════════════════════════════════════════════════════════════════════
// TESTS: Chunking
// ════════════════════════════════════════════════════════════════════

func TestLongPostIsChunked(t *testing.T) {
	m := marker("long")
	long := "Wallet Extensions " + m + " " + strings.Repeat("Test paragraph for chunked delivery. ", chunkLength/10)
	postToMM(t, mmPosterToken, long, "")

	first := pollMatrixForBody(t, func(b string) bool { return strings.Contains(b, m) }, 45*time.Second)
	if !strings.HasPrefix(first, "Part 1/") {
		t.Fatalf("first chunk should carry a part header: %.80q", first)
	}
	total := strings.TrimPrefix(strings.SplitN(first, "\n", 2)[0], "Part 1/")
	n, err := strconv.Atoi(total)
	if err != nil || n < 2 {
		t.Fatalf("bad part header %q", first[:min(len(first), 20)])
	}
	last := fmt.Sprintf("Part %d/%d\n\n", n, n)
	pollMatrixForBody(t, func(b string) bool { return strings.HasPrefix(b, last) }, 45*time.Second)

	for _, b := range getMatrixBodies(t, 50) {
		if strings.HasPrefix(b, "Part ") && len([]rune(b)) > chunkLength {
			t.Errorf("chunk exceeds %d characters: %d", chunkLength, len([]rune(b)))
		}
	}
}

// ════════════════════════════════════════════════════════════════════
// TESTS: Metrics
// ════════════════════════════════════════════════════════════════════

func TestMetricsEndpoint(t *testing.T) {
	if relayMetricsURL == "" {
		t.Skip("RELAY_METRICS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", relayMetricsURL+"/metrics", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("metrics unreachable: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"chatrelay_events_total", "chatrelay_chunks_sent_total"} {
		if !bytes.Contains(data, []byte(want)) {
			t.Errorf("metrics missing %s", want)
		}
	}
}
