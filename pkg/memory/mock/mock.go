// Package mock provides an in-memory test double for the memory interfaces.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/kestrelvoice/kestrel/pkg/memory"
)

var _ memory.Retriever = (*Retriever)(nil)

// RetrieveCall records one invocation of Retrieve.
type RetrieveCall struct {
	CallerID string
	Query    string
}

// Retriever is a mock memory.Retriever. Facts are served per caller; when
// MatchQuery is set, only facts sharing a word with the query are returned.
type Retriever struct {
	// Facts maps caller ID to that caller's stored fact texts.
	Facts map[string][]string

	// Err, if non-nil, is returned by every Retrieve call.
	Err error

	// MatchQuery enables naive word-overlap filtering against the query.
	MatchQuery bool

	mu    sync.Mutex
	calls []RetrieveCall
}

func (r *Retriever) Retrieve(ctx context.Context, callerID, query string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.calls = append(r.calls, RetrieveCall{CallerID: callerID, Query: query})
	r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}

	facts := r.Facts[callerID]
	if !r.MatchQuery {
		return append([]string(nil), facts...), nil
	}

	words := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(query)) {
		words[w] = true
	}
	var out []string
	for _, f := range facts {
		for _, w := range strings.Fields(strings.ToLower(f)) {
			if words[w] {
				out = append(out, f)
				break
			}
		}
	}
	return out, nil
}

// Calls returns every Retrieve invocation so far.
func (r *Retriever) Calls() []RetrieveCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RetrieveCall, len(r.calls))
	copy(out, r.calls)
	return out
}
