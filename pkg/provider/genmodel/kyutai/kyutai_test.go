package kyutai_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kestrelvoice/kestrel/pkg/provider/codec"
	"github.com/kestrelvoice/kestrel/pkg/provider/genmodel"
	"github.com/kestrelvoice/kestrel/pkg/provider/genmodel/kyutai"
	"github.com/kestrelvoice/kestrel/pkg/provider/kyutaiwire"
)

const (
	testAPIKey    = "test-key"
	testDim       = 8
	testDelay     = 2
	testCodebooks = 8

	// poisonToken makes the fake server answer with a wire error.
	poisonToken = int32(-99)
)

// fakeServer mimics a Kyutai inference deployment: model metadata and
// tokenisation over HTTP, stepping over a binary msgpack WebSocket.
type fakeServer struct {
	ts *httptest.Server

	mu         sync.Mutex
	stateQuery map[string]string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/model-info", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("kyutai-api-key") != testAPIKey {
			http.Error(w, "bad key", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]int{
			"embedding_dim":  testDim,
			"acoustic_delay": testDelay,
			"codebooks":      testCodebooks,
		})
	})
	mux.HandleFunc("/api/tokenize", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// One token per whitespace-separated word, numbered from 100.
		tokens := []int32{}
		for i := range strings.Fields(req.Text) {
			tokens = append(tokens, int32(100+i))
		}
		json.NewEncoder(w).Encode(map[string][]int32{"tokens": tokens})
	})
	mux.HandleFunc("/api/moshi-step", f.handleState)

	f.ts = httptest.NewServer(mux)
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fakeServer) handleState(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.stateQuery = map[string]string{
		"voice":       r.URL.Query().Get("voice"),
		"temperature": r.URL.Query().Get("temperature"),
	}
	f.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := r.Context()

	write := func(msg kyutaiwire.Message) bool {
		payload, err := kyutaiwire.Marshal(nil, msg)
		if err != nil {
			return false
		}
		return conn.Write(ctx, websocket.MessageBinary, payload) == nil
	}
	if !write(kyutaiwire.Ready{}) {
		return
	}

	step := 0
	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			return
		}
		msg, err := kyutaiwire.Unmarshal(payload)
		if err != nil {
			return
		}
		in, ok := msg.(kyutaiwire.Step)
		if !ok {
			return
		}
		if in.HasForced && in.Forced == poisonToken {
			write(kyutaiwire.Error{Message: "model fell over"})
			return
		}
		out := kyutaiwire.StepOut{Token: int32(step), Text: "t"}
		if in.HasForced {
			out.Token = in.Forced
		}
		// Codes appear only once the acoustic delay has elapsed, echoing
		// the input frame.
		if step >= testDelay {
			out.Codes = in.Codes
		}
		if !write(out) {
			return
		}
		step++
	}
}

func (f *fakeServer) query(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateQuery[key]
}

func newModel(t *testing.T, f *fakeServer) *kyutai.Model {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := kyutai.New(ctx, kyutai.Config{URL: f.ts.URL, APIKey: testAPIKey})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func openState(t *testing.T, m *kyutai.Model, cfg genmodel.StateConfig) genmodel.StateHandle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := m.OpenState(ctx, cfg)
	if err != nil {
		t.Fatalf("OpenState: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestNew_FetchesModelInfo(t *testing.T) {
	m := newModel(t, newFakeServer(t))
	if got := m.EmbeddingDim(); got != testDim {
		t.Errorf("EmbeddingDim = %d, want %d", got, testDim)
	}
	if got := m.AcousticDelay(); got != testDelay {
		t.Errorf("AcousticDelay = %d, want %d", got, testDelay)
	}
}

func TestNew_RejectsBadAPIKey(t *testing.T) {
	f := newFakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := kyutai.New(ctx, kyutai.Config{URL: f.ts.URL, APIKey: "wrong"}); err == nil {
		t.Error("bad API key accepted")
	}
}

func TestNew_RejectsImplausibleInfo(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int{"embedding_dim": 0, "acoustic_delay": 2})
	}))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := kyutai.New(ctx, kyutai.Config{URL: ts.URL}); err == nil {
		t.Error("zero embedding dim accepted")
	}
}

func TestTokenize(t *testing.T) {
	m := newModel(t, newFakeServer(t))
	tokens, err := m.Tokenize(context.Background(), "hello there caller")
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 3 || tokens[0] != 100 || tokens[2] != 102 {
		t.Errorf("tokens = %v", tokens)
	}
}

func TestState_StepSequence(t *testing.T) {
	f := newFakeServer(t)
	m := newModel(t, f)
	st := openState(t, m, genmodel.StateConfig{Voice: "ears", Temperature: 0.7})

	if got := f.query("voice"); got != "ears" {
		t.Errorf("voice query = %q", got)
	}
	if got := f.query("temperature"); got != "0.7" {
		t.Errorf("temperature query = %q", got)
	}

	ctx := context.Background()
	codes := codec.CodeFrame{Codes: []uint32{1, 2, 3, 4, 5, 6, 7, 8}}

	// The first steps fall inside the acoustic delay and carry no audio.
	for i := 0; i < testDelay; i++ {
		res, err := st.Step(ctx, genmodel.StepRequest{Codes: codes})
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if res.Token != int32(i) {
			t.Errorf("step %d token = %d", i, res.Token)
		}
		if res.Audio != nil {
			t.Errorf("step %d produced audio inside the delay", i)
		}
	}

	res, err := st.Step(ctx, genmodel.StepRequest{Codes: codes})
	if err != nil {
		t.Fatal(err)
	}
	if res.Audio == nil || len(res.Audio.Codes) != len(codes.Codes) {
		t.Fatalf("post-delay step audio = %+v", res.Audio)
	}

	forced := int32(77)
	res, err = st.Step(ctx, genmodel.StepRequest{Codes: codes, ForcedToken: &forced})
	if err != nil {
		t.Fatal(err)
	}
	if res.Token != forced {
		t.Errorf("forced token = %d, want %d", res.Token, forced)
	}
}

func TestState_RejectsForcedTokenWithBias(t *testing.T) {
	st := openState(t, newModel(t, newFakeServer(t)), genmodel.StateConfig{})
	forced := int32(1)
	_, err := st.Step(context.Background(), genmodel.StepRequest{
		ForcedToken: &forced,
		Bias:        make([]float32, testDim),
	})
	if err == nil {
		t.Error("forced token with bias accepted")
	}
}

func TestState_RejectsWrongBiasDimension(t *testing.T) {
	st := openState(t, newModel(t, newFakeServer(t)), genmodel.StateConfig{})
	_, err := st.Step(context.Background(), genmodel.StepRequest{
		Bias: make([]float32, testDim+1),
	})
	if err == nil {
		t.Error("mismatched bias dimension accepted")
	}
}

func TestState_ServerErrorSurfaced(t *testing.T) {
	st := openState(t, newModel(t, newFakeServer(t)), genmodel.StateConfig{})
	forced := poisonToken
	_, err := st.Step(context.Background(), genmodel.StepRequest{ForcedToken: &forced})
	if err == nil || !strings.Contains(err.Error(), "model fell over") {
		t.Errorf("step error = %v, want server message", err)
	}
}

func TestState_StepAfterClose(t *testing.T) {
	st := openState(t, newModel(t, newFakeServer(t)), genmodel.StateConfig{})
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Step(context.Background(), genmodel.StepRequest{}); !errors.Is(err, genmodel.ErrStateClosed) {
		t.Errorf("step after close = %v, want ErrStateClosed", err)
	}
}
