package cli

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rshade/esctl/internal/transport"
)

// ErrRequestFailed is returned when the cluster answers with a non-2xx status.
var ErrRequestFailed = errors.New("request failed")

// NewRequestCmd creates the request command for raw API calls.
func NewRequestCmd() *cobra.Command {
	var (
		data    string
		headers []string
	)

	cmd := &cobra.Command{
		Use:   "request METHOD TARGET",
		Short: "Send a raw request to the cluster",
		Long: `Sends METHOD TARGET to the current context and prints the response body.
GET and HEAD responses are served from the local cache when fresh.`,
		Example: `  esctl request GET /_cat/indices?format=json
  esctl request PUT /logs-2024/_settings --data '{"index":{"number_of_replicas":1}}'
  esctl request POST /logs/_search --data @query.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readData(cmd, data)
			if err != nil {
				return err
			}
			header := http.Header{}
			for _, h := range headers {
				name, value, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("invalid header %q, want 'Name: value'", h)
				}
				header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
			}

			return runRequest(cmd, &transport.Request{
				Method: strings.ToUpper(args[0]),
				Target: normalizeTarget(args[1]),
				Body:   body,
				Header: header,
			})
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "request body, @file to read a file, @- for stdin")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra request header 'Name: value' (repeatable)")
	return cmd
}

// runRequest opens a session, performs req and writes the body.
func runRequest(cmd *cobra.Command, req *transport.Request) error {
	ctx := cmd.Context()
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	resp, err := s.Perform(ctx, req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.Target, err)
	}

	logger.Debug().
		Ctx(ctx).
		Str("method", req.Method).
		Str("target", req.Target).
		Int("status", resp.StatusCode).
		Dur("duration", resp.Duration).
		Str("node", resp.Node).
		Msg("request complete")

	if err = writeBody(cmd, resp.Body); err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("%w: %s %s returned %d", ErrRequestFailed, req.Method, req.Target, resp.StatusCode)
	}
	return nil
}

// readData resolves the --data value.
func readData(cmd *cobra.Command, data string) ([]byte, error) {
	switch {
	case data == "":
		return nil, nil
	case data == "@-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return b, nil
	case strings.HasPrefix(data, "@"):
		b, err := os.ReadFile(data[1:])
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		return b, nil
	default:
		return []byte(data), nil
	}
}

// normalizeTarget makes sure the target starts with a slash.
func normalizeTarget(target string) string {
	if !strings.HasPrefix(target, "/") {
		return "/" + target
	}
	return target
}
