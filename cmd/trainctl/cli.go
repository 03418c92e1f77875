package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// TODO: Inject version at build time.
const version = "0.1.0"

type config struct {
	serverURL string
	apiKey    string
}

type cli struct {
	http *http.Client
	cfg  *config
}

func newCLI() *cli {
	return &cli{
		http: &http.Client{},
		cfg:  &config{},
	}
}

func (c *cli) rootCmd() *cobra.Command {
	command := &cobra.Command{
		Use:          "trainctl",
		Short:        "CLI for interacting with a training job server",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.apiKey == "" {
				c.cfg.apiKey = os.Getenv("TRAINER_API_KEY")
			}

			if c.cfg.apiKey == "" {
				return errors.New("no API key; pass --api-key or set TRAINER_API_KEY")
			}

			c.cfg.serverURL = strings.TrimRight(c.cfg.serverURL, "/")

			return nil
		},
	}

	command.AddCommand(
		c.startCmd(),
		c.stopCmd(),
		c.statusCmd(),
		c.streamCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(
		&c.cfg.serverURL,
		"server-url",
		"http://localhost:8080",
		"Server base URL",
	)

	command.PersistentFlags().StringVar(
		&c.cfg.apiKey,
		"api-key",
		"",
		"Trainer API key (defaults to TRAINER_API_KEY)",
	)

	return command
}

func (c *cli) startCmd() *cobra.Command {
	var configPath string

	command := &cobra.Command{
		Use:     "start [flags]",
		Short:   "Start a new training job",
		Example: "  trainctl start --config train.json",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			trainingConfig, err := os.ReadFile(configPath)
			if err != nil {
				return fmt.Errorf("read training config: %w", err)
			}

			var resp struct {
				JobID string `json:"jobId"`
			}

			if err := c.doJSON(
				cmd.Context(),
				http.MethodPost,
				"/api/v1/jobs",
				trainingConfig,
				&resp,
			); err != nil {
				return err
			}

			cmd.OutOrStdout().Write([]byte(resp.JobID + "\n"))

			return nil
		},
	}

	command.Flags().StringVar(
		&configPath,
		"config",
		"train.json",
		"Path to training config JSON",
	)

	return command
}

func (c *cli) statusCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "status [flags] JOB_ID",
		Short:   "Query status of a training job",
		Example: "  trainctl status 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				JobID       string    `json:"jobId"`
				Status      string    `json:"status"`
				StartedAt   time.Time `json:"startedAt"`
				CompletedAt time.Time `json:"completedAt"`
				LineCount   int       `json:"lineCount"`
			}

			if err := c.doJSON(
				cmd.Context(),
				http.MethodGet,
				"/api/v1/jobs/"+args[0],
				nil,
				&resp,
			); err != nil {
				return err
			}

			// TODO: Only output headers if TTY. Or could add a flag like --plain
			// or --skip-headers to hide headers.
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			completed := "-"
			if !resp.CompletedAt.IsZero() {
				completed = resp.CompletedAt.Format(time.RFC3339)
			}

			fmt.Fprintf(w, "STATUS\tSTARTED\tCOMPLETED\tLINES\t\n")
			fmt.Fprintf(
				w,
				"%s\t%s\t%s\t%d\t\n",
				resp.Status,
				resp.StartedAt.Format(time.RFC3339),
				completed,
				resp.LineCount,
			)

			w.Flush()

			return nil
		},
	}

	return command
}

func (c *cli) stopCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "stop [flags] JOB_ID",
		Short:   "Stop a running training job",
		Example: "  trainctl stop 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.doJSON(
				cmd.Context(),
				http.MethodPost,
				"/api/v1/jobs/"+args[0]+"/stop",
				nil,
				nil,
			)
		},
	}

	return command
}

func (c *cli) streamCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "stream [flags] JOB_ID",
		Short:   "Stream training job events",
		Example: "  trainctl stream 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := c.newRequest(
				cmd.Context(),
				http.MethodGet,
				"/api/v1/jobs/"+args[0]+"/stream",
				nil,
			)
			if err != nil {
				return err
			}

			resp, err := c.http.Do(req)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}

				return mapTransportError(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return decodeError(resp)
			}

			return printEvents(cmd.OutOrStdout(), resp.Body)
		},
	}

	return command
}

// printEvents reads server-sent events off the wire and prints one line per
// event until the stream ends.
func printEvents(out io.Writer, body io.Reader) error {
	scanner := bufio.NewScanner(body)

	event := ""

	for scanner.Scan() {
		line := scanner.Text()

		if name, ok := strings.CutPrefix(line, "event: "); ok {
			event = name
			continue
		}

		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		fmt.Fprintf(out, "%s\t%s\n", event, data)

		if event == "done" {
			return nil
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *cli) newRequest(
	ctx context.Context,
	method, path string,
	body []byte,
) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.serverURL+path, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.apiKey)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// doJSON performs a request and decodes the JSON response into out, which may
// be nil when the caller only cares about success.
func (c *cli) doJSON(
	ctx context.Context,
	method, path string,
	body []byte,
	out any,
) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return mapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError translates server error responses to human-readable messages.
func decodeError(resp *http.Response) error {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error.Code == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return errors.New("not found")
	case http.StatusForbidden:
		return errors.New("permission denied")
	case http.StatusUnauthorized:
		return errors.New("not authenticated")
	case http.StatusTooManyRequests:
		return errors.New("rate limited; try again shortly")
	default:
		return fmt.Errorf("%s", body.Error.Message)
	}
}

func mapTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return errors.New("server unavailable")
}
