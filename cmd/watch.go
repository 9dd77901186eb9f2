package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"stresslab/internal/api"
	"stresslab/internal/cli"
	"stresslab/internal/runner"
)

var watchCmd = &cobra.Command{
	Use:   "watch <test-id>",
	Short: "Follow the live progress of a run on a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd, map[string]string{"api_key": "key"})
		if err != nil {
			return err
		}
		server, _ := cmd.Flags().GetString("server")
		id := args[0]

		duration := time.Duration(0)
		if sum, err := fetchStatus(server, cfg.APIKey, id); err == nil {
			duration = time.Duration(sum.DurationS) * time.Second
		} else {
			log.Debug().Err(err).Msg("fetch run status")
		}

		wsURL, err := streamURL(server, id, cfg.APIKey)
		if err != nil {
			return err
		}
		conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), wsURL, nil)
		if err != nil {
			return fmt.Errorf("connect %s: %w", server, err)
		}
		defer conn.Close()

		msgs := make(chan runner.Message)
		errCh := make(chan error, 1)
		go func() {
			defer close(msgs)
			for {
				var msg runner.Message
				if err := conn.ReadJSON(&msg); err != nil {
					errCh <- err
					return
				}
				msgs <- msg
			}
		}()

		out := cmd.OutOrStdout()
		if sum := cli.Follow(out, msgs, duration); sum != nil {
			cli.PrintSummary(out, *sum)
			return nil
		}

		err = <-errCh
		switch {
		case websocket.IsCloseError(err, api.CloseUnknownRun):
			return fmt.Errorf("run %s not found", id)
		case websocket.IsCloseError(err, api.CloseBadKey):
			return errors.New("invalid API key")
		default:
			return fmt.Errorf("stream ended: %w", err)
		}
	},
}

func init() {
	watchCmd.Flags().String("server", "http://localhost:8000", "API server base URL")
	watchCmd.Flags().String("key", "", "API key (default from config)")
}

func streamURL(server, id, key string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(server, "/"))
	if err != nil {
		return "", fmt.Errorf("server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws/tests/" + url.PathEscape(id)
	if key != "" {
		u.RawQuery = url.Values{"key": {key}}.Encode()
	}
	return u.String(), nil
}

func fetchStatus(server, key, id string) (runner.Summary, error) {
	req, err := http.NewRequest(http.MethodGet, strings.TrimSuffix(server, "/")+"/tests/"+url.PathEscape(id), nil)
	if err != nil {
		return runner.Summary{}, err
	}
	if key != "" {
		req.Header.Set("x-api-key", key)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return runner.Summary{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return runner.Summary{}, fmt.Errorf("status %s", resp.Status)
	}
	var sum runner.Summary
	err = json.NewDecoder(resp.Body).Decode(&sum)
	return sum, err
}
