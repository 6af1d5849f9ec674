package health

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ModelBackend probes the generation backend's info endpoint. A backend that
// answers it can open sessions.
func ModelBackend(baseURL string, client *http.Client) Checker {
	if client == nil {
		client = http.DefaultClient
	}
	url := baseURL + "/api/model-info"
	return Checker{
		Name: "model",
		Check: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("model backend returned %s", resp.Status)
			}
			return nil
		},
	}
}

// Memory pings the caller-memory database pool.
func Memory(pool *pgxpool.Pool) Checker {
	return Checker{
		Name: "memory",
		Check: func(ctx context.Context) error {
			return pool.Ping(ctx)
		},
	}
}
