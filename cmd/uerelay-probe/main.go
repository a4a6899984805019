// uerelay-probe is a stand-in engine client for exercising a relay without a
// running editor. It registers a project, polls for commands, executes them
// against stub scene data, and posts the results back.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/forge3d/uerelay/internal/engine"
	"github.com/forge3d/uerelay/internal/protocol"
	"github.com/forge3d/uerelay/pkg/api"
)

type probe struct {
	serverURL string
	projectID string
	name      string
	token     string
	client    *http.Client
	exec      *engine.Executor
	log       zerolog.Logger
}

func main() {
	serverURL := flag.String("server", "http://127.0.0.1:8199", "relay server URL")
	projectID := flag.String("project", "probe-project", "project id to register as")
	name := flag.String("name", "Probe", "project display name")
	token := flag.String("token", "", "engine auth token")
	interval := flag.Duration("interval", 5*time.Second, "poll interval")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("project", *projectID).Logger()

	p := &probe{
		serverURL: *serverURL,
		projectID: *projectID,
		name:      *name,
		token:     *token,
		client:    &http.Client{Timeout: 10 * time.Second},
		exec:      engine.NewExecutor(engine.NewStubScene(), engine.NewStubAssets()),
		log:       log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.register(ctx); err != nil {
		log.Fatal().Err(err).Msg("initial registration failed")
	}
	log.Info().Str("server", *serverURL).Msg("probe registered, polling")

	p.run(ctx, *interval)
	log.Info().Msg("probe shutting down")
}

func (p *probe) run(ctx context.Context, interval time.Duration) {
	for {
		// Jitter spreads poll arrival when many probes share a relay.
		jitter := time.Duration(rand.Int63n(int64(interval / 4)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval + jitter):
		}

		resp, err := p.poll(ctx)
		if err != nil {
			p.log.Warn().Err(err).Msg("poll failed")
			continue
		}
		if !resp.Registered {
			p.log.Info().Msg("relay restarted, re-registering")
			if err := p.register(ctx); err != nil {
				p.log.Warn().Err(err).Msg("re-registration failed")
				continue
			}
		}
		for _, cmd := range resp.Commands {
			p.execute(ctx, cmd)
		}
	}
}

func (p *probe) register(ctx context.Context) error {
	return p.post(ctx, "/api/ue5/register_http", api.RegisterRequest{
		ProjectID:     p.projectID,
		ProjectName:   p.name,
		EngineVersion: "5.4",
		Capabilities:  []string{"scene", "assets"},
	}, nil)
}

func (p *probe) poll(ctx context.Context) (api.PollResponse, error) {
	var out api.PollResponse
	err := p.post(ctx, "/api/ue5/poll", api.PollRequest{ProjectID: p.projectID, ProjectName: p.name}, &out)
	return out, err
}

func (p *probe) execute(ctx context.Context, cmd api.Command) {
	p.log.Info().Str("request", cmd.RequestID).Str("action", cmd.Action).Msg("executing command")
	result := p.exec.Execute(ctx, protocol.Command{
		RequestID: cmd.RequestID,
		Action:    cmd.Action,
		Params:    cmd.Params,
	})
	err := p.post(ctx, "/api/ue5/response", api.EngineResponse{
		ProjectID: p.projectID,
		RequestID: result.RequestID,
		Success:   result.Success,
		Data:      result.Data,
		Error:     result.Error,
	}, nil)
	if err != nil {
		p.log.Warn().Err(err).Str("request", cmd.RequestID).Msg("response post failed")
	}
}

func (p *probe) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
