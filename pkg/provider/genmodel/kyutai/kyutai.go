// Package kyutai implements the genmodel.Model interface against a
// Kyutai-style streaming inference server.
//
// Model metadata (embedding dimensionality, acoustic delay) is fetched once
// over HTTP when the client is created; tokenisation is a plain HTTP call;
// each session's generation state is one WebSocket stream carrying
// MessagePack step requests and results.
package kyutai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kestrelvoice/kestrel/pkg/provider/codec"
	"github.com/kestrelvoice/kestrel/pkg/provider/genmodel"
	"github.com/kestrelvoice/kestrel/pkg/provider/kyutaiwire"
)

// Config holds the connection parameters for the generation server.
type Config struct {
	// URL is the base server URL. The scheme is http(s) for metadata and
	// tokenise calls; ws(s) is derived from it for state streams.
	URL string

	// APIKey is sent as the kyutai-api-key header.
	APIKey string

	// HTTPClient overrides the client used for metadata and tokenise calls.
	// Nil means a default client with a 30s timeout.
	HTTPClient *http.Client
}

const (
	infoPath     = "/api/model-info"
	tokenizePath = "/api/tokenize"
	statePath    = "/api/moshi-step"
)

// Model is a live connection to one generation server deployment.
type Model struct {
	cfg  Config
	base *url.URL
	http *http.Client

	embeddingDim  int
	acousticDelay int
	codebooks     int
}

var _ genmodel.Model = (*Model)(nil)

// New connects to the server and fetches its model metadata.
func New(ctx context.Context, cfg Config) (*Model, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("kyutai genmodel: parse URL: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	m := &Model{cfg: cfg, base: base, http: hc}

	var info struct {
		EmbeddingDim  int `json:"embedding_dim"`
		AcousticDelay int `json:"acoustic_delay"`
		Codebooks     int `json:"codebooks"`
	}
	if err := m.getJSON(ctx, infoPath, &info); err != nil {
		return nil, fmt.Errorf("kyutai genmodel: fetch model info: %w", err)
	}
	if info.EmbeddingDim <= 0 || info.AcousticDelay < 0 {
		return nil, fmt.Errorf("kyutai genmodel: implausible model info (dim=%d, delay=%d)", info.EmbeddingDim, info.AcousticDelay)
	}
	m.embeddingDim = info.EmbeddingDim
	m.acousticDelay = info.AcousticDelay
	m.codebooks = info.Codebooks
	return m, nil
}

func (m *Model) EmbeddingDim() int { return m.embeddingDim }

func (m *Model) AcousticDelay() int { return m.acousticDelay }

// Tokenize converts text to model token IDs via the server's tokeniser.
func (m *Model) Tokenize(ctx context.Context, text string) ([]int32, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("kyutai genmodel: marshal tokenize request: %w", err)
	}
	u := *m.base
	u.Path = path.Join(u.Path, tokenizePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("kyutai genmodel: build tokenize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("kyutai-api-key", m.cfg.APIKey)

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kyutai genmodel: tokenize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("kyutai genmodel: tokenize: status %d: %s", resp.StatusCode, msg)
	}
	var out struct {
		Tokens []int32 `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("kyutai genmodel: decode tokenize response: %w", err)
	}
	return out.Tokens, nil
}

// OpenState opens one generation stream. The stream carries exactly one
// StepOut per Step sent, in order.
func (m *Model) OpenState(ctx context.Context, cfg genmodel.StateConfig) (genmodel.StateHandle, error) {
	u := *m.base
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = path.Join(u.Path, statePath)
	q := u.Query()
	if cfg.Voice != "" {
		q.Set("voice", cfg.Voice)
	}
	if cfg.Temperature > 0 {
		q.Set("temperature", strconv.FormatFloat(cfg.Temperature, 'f', -1, 64))
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"kyutai-api-key": []string{m.cfg.APIKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("kyutai genmodel: dial state stream: %w", err)
	}

	st := &state{conn: conn, model: m}
	if err := st.awaitReady(ctx); err != nil {
		conn.Close(websocket.StatusProtocolError, "")
		return nil, err
	}
	return st, nil
}

// Close releases the model. The HTTP client holds no persistent resources, so
// this only exists to satisfy the interface lifecycle.
func (m *Model) Close() error { return nil }

func (m *Model) getJSON(ctx context.Context, apiPath string, out any) error {
	u := *m.base
	u.Path = path.Join(u.Path, apiPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("kyutai-api-key", m.cfg.APIKey)
	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// state is one session's generation stream. Step calls are strictly
// sequential by contract, so no reader goroutine is needed: each Step writes
// one request and reads one result.
type state struct {
	conn  *websocket.Conn
	model *Model

	mu     sync.Mutex
	closed bool
}

var _ genmodel.StateHandle = (*state)(nil)

func (s *state) awaitReady(ctx context.Context) error {
	msg, err := s.read(ctx)
	if err != nil {
		return fmt.Errorf("kyutai genmodel: await ready: %w", err)
	}
	if msg.WireType() != kyutaiwire.TypeReady {
		return fmt.Errorf("kyutai genmodel: expected ready handshake, got %q", msg.WireType())
	}
	return nil
}

func (s *state) Step(ctx context.Context, req genmodel.StepRequest) (genmodel.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return genmodel.StepResult{}, genmodel.ErrStateClosed
	}
	if req.ForcedToken != nil && len(req.Bias) > 0 {
		return genmodel.StepResult{}, fmt.Errorf("kyutai genmodel: forced token and bias are mutually exclusive")
	}
	if len(req.Bias) > 0 && len(req.Bias) != s.model.embeddingDim {
		return genmodel.StepResult{}, fmt.Errorf("kyutai genmodel: bias has dimension %d, model wants %d", len(req.Bias), s.model.embeddingDim)
	}

	wire := kyutaiwire.Step{Codes: req.Codes.Codes, Bias: req.Bias}
	if req.ForcedToken != nil {
		wire.Forced = *req.ForcedToken
		wire.HasForced = true
	}
	payload, err := kyutaiwire.Marshal(nil, wire)
	if err != nil {
		return genmodel.StepResult{}, fmt.Errorf("kyutai genmodel: marshal step: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
		return genmodel.StepResult{}, fmt.Errorf("kyutai genmodel: write step: %w", err)
	}

	msg, err := s.read(ctx)
	if err != nil {
		return genmodel.StepResult{}, fmt.Errorf("kyutai genmodel: read step result: %w", err)
	}
	out, ok := msg.(kyutaiwire.StepOut)
	if !ok {
		return genmodel.StepResult{}, fmt.Errorf("kyutai genmodel: unexpected %q message", msg.WireType())
	}

	res := genmodel.StepResult{Token: out.Token, Text: out.Text}
	if len(out.Codes) > 0 {
		res.Audio = &codec.CodeFrame{Codes: out.Codes}
	}
	return res, nil
}

func (s *state) read(ctx context.Context) (kyutaiwire.Message, error) {
	msgType, payload, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if msgType != websocket.MessageBinary {
		return nil, fmt.Errorf("unexpected websocket message type %d", msgType)
	}
	msg, err := kyutaiwire.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	if e, ok := msg.(kyutaiwire.Error); ok {
		return nil, fmt.Errorf("server error: %s", e.Message)
	}
	return msg, nil
}

func (s *state) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return err
}
