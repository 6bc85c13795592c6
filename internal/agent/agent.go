// Package agent implements the pl-agent mapping sync client: a downstream
// consumer of the service-facing API that keeps a local JSON snapshot of
// current assignments for provisioning tooling to read.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"peerlab/internal/shared"
)

type Agent struct {
	Cfg    *shared.AgentConfig
	Client *http.Client
}

func New(configPath string) (*Agent, error) {
	cfg, err := shared.LoadAgentConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.AgentKey == "" {
		return nil, errors.New("missing agent_key in config")
	}
	return &Agent{
		Cfg:    cfg,
		Client: &http.Client{Timeout: 20 * time.Second},
	}, nil
}

func (a *Agent) get(ctx context.Context, path string) ([]byte, error) {
	url := strings.TrimRight(a.Cfg.ServerURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.Cfg.AgentKey)

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode != http.StatusOK {
		var eb shared.ErrorBody
		if json.Unmarshal(b, &eb) == nil && eb.Message != "" {
			return nil, fmt.Errorf("%s: %s (%d)", path, eb.Message, resp.StatusCode)
		}
		return nil, fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	return b, nil
}

// FetchMappings pulls every current assignment from the server.
func (a *Agent) FetchMappings(ctx context.Context) (*shared.MappingsResponse, error) {
	b, err := a.get(ctx, "/service/mappings")
	if err != nil {
		return nil, err
	}
	var mr shared.MappingsResponse
	if err := json.Unmarshal(b, &mr); err != nil {
		return nil, fmt.Errorf("decode mappings: %w", err)
	}
	return &mr, nil
}

// FetchUserMapping looks up a single user by raw external id; the handle
// is derived locally so the raw id never goes over the wire.
func (a *Agent) FetchUserMapping(ctx context.Context, externalUserID string) (*shared.UserMapping, error) {
	handle := shared.HashSubject(externalUserID)
	b, err := a.get(ctx, "/service/mappings/"+handle)
	if err != nil {
		return nil, err
	}
	var m shared.UserMapping
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode mapping: %w", err)
	}
	return &m, nil
}

// WriteSnapshot atomically replaces the local snapshot file.
func (a *Agent) WriteSnapshot(mr *shared.MappingsResponse) error {
	b, err := json.MarshalIndent(mr, "", "  ")
	if err != nil {
		return err
	}
	tmp := a.Cfg.OutputPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, a.Cfg.OutputPath)
}
