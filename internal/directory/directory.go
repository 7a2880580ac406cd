// Package directory fetches the employee roster that audiences are resolved
// against. The roster is owned by an external HR system, campaigns only ever
// read a point-in-time snapshot of it.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	easymail "github.com/ratons127/easy-mail-campaining"
)

type Provider interface {
	// Snapshot returns the full employee roster. Resolution is deterministic
	// over one snapshot, callers must not mix snapshots within an expansion.
	Snapshot(ctx context.Context) ([]easymail.Employee, error)
}

type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

func NewHTTP(baseURL string) (*HTTPProvider, error) {
	_, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("bad directory url, %w", err)
	}
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (p *HTTPProvider) Snapshot(ctx context.Context) ([]easymail.Employee, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/employees", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch employee roster, %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	var employees []easymail.Employee
	err = json.NewDecoder(resp.Body).Decode(&employees)
	if err != nil {
		return nil, fmt.Errorf("failed to decode employee roster, %w", err)
	}
	return employees, nil
}

// Static serves a fixed roster, used in tests and local development.
type Static struct {
	Employees []easymail.Employee
	Err       error
}

func (s *Static) Snapshot(_ context.Context) ([]easymail.Employee, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]easymail.Employee, len(s.Employees))
	copy(out, s.Employees)
	return out, nil
}
