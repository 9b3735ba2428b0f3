package commands

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// sessionView mirrors sessiond's introspection endpoint response shape.
type sessionView struct {
	ID    uint32 `json:"id"`
	Type  string `json:"type"`
	URI   string `json:"uri"`
	State string `json:"state"`
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect live sessions on a sessiond instance",
	}

	cmd.AddCommand(sessionListCmd())

	return cmd
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every acceptor session currently held by the daemon",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			sessions, err := fetchSessions(serverAddr)
			if err != nil {
				return fmt.Errorf("fetch sessions: %w", err)
			}

			out, err := formatSessions(sessions, outputFormat)
			if err != nil {
				return fmt.Errorf("format sessions: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// fetchSessions polls sessiond's /sessions introspection endpoint.
func fetchSessions(addr string) ([]sessionView, error) {
	resp, err := httpClient.Get("http://" + addr + "/sessions")
	if err != nil {
		return nil, fmt.Errorf("get /sessions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get /sessions: unexpected status %s", resp.Status)
	}

	var sessions []sessionView
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decode /sessions response: %w", err)
	}

	return sessions, nil
}
