package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/imsgd/internal/daemon"
	"github.com/kalambet/imsgd/internal/protocol"
)

var callCmd = &cobra.Command{
	Use:   "call <method> [key=value ...]",
	Short: "Send one request to the daemon and print the result",
	Long: `Send one request to the daemon and print the result.

Examples:
  imsgd call health
  imsgd call recent days=3 limit=10
  imsgd call analytics --params '{"contact":"Alice","days":30}'
  imsgd call bundle include=unread_count,recent,analytics`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rawParams, _ := cmd.Flags().GetString("params")
		envelope, _ := cmd.Flags().GetBool("envelope")

		params, err := parseCallParams(rawParams, args[1:])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		client := newDaemonClient(cfg.Daemon.SocketPath, cfg.Client.Timeout)
		resp, err := client.Call(ctx, args[0], params)
		if err != nil {
			return describeClientError(err)
		}

		out := cmd.OutOrStdout()
		if envelope {
			return writeJSON(out, resp)
		}
		if !resp.OK {
			return &daemon.RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return writeJSON(out, resp.Result)
	},
}

func init() {
	callCmd.Flags().String("params", "", "request params as a JSON object")
	callCmd.Flags().Bool("envelope", false, "print the full response envelope")
}

// newDaemonClient is a variable so tests can point commands at a fake daemon.
var newDaemonClient = daemon.NewClient

// parseCallParams merges a JSON object with key=value pairs; pairs win.
// Integer values become json.Number, true/false become booleans.
func parseCallParams(raw string, pairs []string) (protocol.Params, error) {
	params := protocol.Params{}
	if strings.TrimSpace(raw) != "" {
		dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			return nil, fmt.Errorf("--params must be a JSON object: %w", err)
		}
	}
	for _, pair := range pairs {
		key, val, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", pair)
		}
		switch {
		case isInteger(val):
			params[key] = json.Number(val)
		case val == "true", val == "false":
			params[key] = val == "true"
		default:
			params[key] = val
		}
	}
	return params, nil
}

func isInteger(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

func describeClientError(err error) error {
	switch {
	case errors.Is(err, daemon.ErrUnavailable):
		return fmt.Errorf("daemon not reachable, is imsgd running? (%w)", err)
	case errors.Is(err, daemon.ErrTimeout):
		return fmt.Errorf("daemon did not answer in time (%w)", err)
	}
	return err
}

// remoteDispatcher forwards calls to a running daemon. Results are returned
// as json.RawMessage.
type remoteDispatcher struct {
	client *daemon.Client
}

func (r remoteDispatcher) Dispatch(ctx context.Context, method string, params protocol.Params) (any, error) {
	resp, err := r.client.Call(ctx, method, params)
	if err != nil {
		return nil, describeClientError(err)
	}
	if !resp.OK {
		return nil, &daemon.RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp.Result, nil
}
