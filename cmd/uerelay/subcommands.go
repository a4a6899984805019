package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/forge3d/uerelay/internal/config"
	"github.com/forge3d/uerelay/internal/server"
	"github.com/forge3d/uerelay/internal/store"
	"github.com/forge3d/uerelay/pkg/api"
)

// Run the relay server
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.ListenAddr = addr
			}
			if storePath, _ := cmd.Flags().GetString("store"); storePath != "" {
				cfg.StorePath = storePath
			}

			var catalog *store.Store
			if cfg.StorePath != "" {
				catalog, err = store.Open(cfg.StorePath)
				if err != nil {
					return fmt.Errorf("open catalog store: %w", err)
				}
				defer catalog.Close()
				log.Info().Str("path", cfg.StorePath).Msg("project catalog enabled")
			}

			srv := server.New(cfg, catalog, nil, log.Logger)
			srv.Version = version

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := srv.Run(ctx); err != nil {
				return err
			}
			log.Info().Msg("relay shut down")
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides config)")
	cmd.Flags().String("store", "", "sqlite catalog path (overrides config)")
	return cmd
}

// Send a structured command to a project
func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a command to a project and wait for the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			serverURL, _ := cmd.Flags().GetString("server")
			project, _ := cmd.Flags().GetString("project")
			action, _ := cmd.Flags().GetString("action")
			rawParams, _ := cmd.Flags().GetStringArray("param")
			timeout, _ := cmd.Flags().GetInt("timeout")

			req := api.SendCommandRequest{ProjectID: project, TimeoutSeconds: timeout}
			req.Command.Action = action
			req.Command.Params = map[string]string{}
			for _, kv := range rawParams {
				key, value, found := strings.Cut(kv, "=")
				if !found {
					return fmt.Errorf("param %q must be key=value", kv)
				}
				req.Command.Params[key] = value
			}

			var resp api.SendCommandResponse
			if err := postJSON(serverURL+"/send_command_to_ue5", req, &resp); err != nil {
				return err
			}
			if !resp.Success {
				return fmt.Errorf("command failed: %s", resp.Error)
			}
			fmt.Printf("request %s ok\n", resp.RequestID)
			if len(resp.Data) > 0 {
				fmt.Println(string(resp.Data))
			}
			return nil
		},
	}
	cmd.Flags().String("server", "http://127.0.0.1:8199", "relay server URL")
	cmd.Flags().String("project", "", "target project id")
	cmd.Flags().String("action", "", "engine action to execute")
	cmd.Flags().StringArray("param", nil, "command parameter as key=value (repeatable)")
	cmd.Flags().Int("timeout", 0, "seconds to wait for the engine response")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

// Route free text through the command router
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Route a chat message to a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serverURL, _ := cmd.Flags().GetString("server")
			project, _ := cmd.Flags().GetString("project")

			var resp api.ChatResponse
			err := postJSON(serverURL+"/api/command", api.ChatRequest{ProjectID: project, Message: args[0]}, &resp)
			if err != nil {
				return err
			}
			if resp.Preamble != "" {
				fmt.Println(resp.Preamble)
			}
			if resp.Answer != "" {
				fmt.Println(resp.Answer)
			}
			if resp.Enqueued {
				if !resp.Success {
					return fmt.Errorf("command failed: %s", resp.Error)
				}
				if len(resp.Data) > 0 {
					fmt.Println(string(resp.Data))
				}
			}
			return nil
		},
	}
	cmd.Flags().String("server", "http://127.0.0.1:8199", "relay server URL")
	cmd.Flags().String("project", "", "target project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// List known projects
func newProjectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List known projects and their connection state",
		RunE: func(cmd *cobra.Command, args []string) error {
			serverURL, _ := cmd.Flags().GetString("server")

			resp, err := http.Get(serverURL + "/api/projects")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var list api.ProjectsResponse
			if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
				return err
			}
			for _, p := range list.Projects {
				fmt.Printf("%s\t%s\t%s\t%s\t%s\n",
					p.ProjectID, p.ProjectName, p.ConnectionHealth.Status, p.Transport,
					p.LastSeen.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().String("server", "http://127.0.0.1:8199", "relay server URL")
	return cmd
}

func postJSON(url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response (%s): %w", resp.Status, err)
	}
	return nil
}
