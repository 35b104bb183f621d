package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type client struct {
	BaseURL   string
	APIKey    string
	OutFormat string // "json" | "text"
	HTTP      *http.Client
}

func (c *client) do(method, path string, body []byte, headers map[string]string) (int, []byte, error) {
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

func (c *client) print(status int, body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(p))
			return
		}
	}
	if len(body) > 0 {
		fmt.Println(string(body))
	} else {
		fmt.Printf("status=%d\n", status)
	}
}

func main() {
	var (
		baseURL = envOr("SYNCRELAY_URL", "http://localhost:8686")
		apiKey  = envOr("SYNCRELAY_API_KEY", "")
		out     = envOr("SYNCRELAY_OUT", "text")
		timeout = 30 * time.Second
	)

	root := &cobra.Command{
		Use:   "syncrelay",
		Short: "Admin CLI for the syncrelay API",
	}

	root.PersistentFlags().StringVar(&baseURL, "url", baseURL, "Base URL of the syncrelay API (env SYNCRELAY_URL)")
	root.PersistentFlags().StringVar(&apiKey, "api-key", apiKey, "API key (env SYNCRELAY_API_KEY)")
	root.PersistentFlags().StringVar(&out, "out", out, "Output format: json|text")

	httpClient := &http.Client{Timeout: timeout}
	cl := &client{BaseURL: baseURL, APIKey: apiKey, OutFormat: out, HTTP: httpClient}

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Check service health",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("GET", "/healthz", nil, nil)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("ping failed: status=%d body=%s", status, string(body))
			}
			if cl.OutFormat == "text" {
				fmt.Println("ok")
				return nil
			}
			cl.print(status, body)
			return nil
		},
	}

	var mutateFile string
	mutateCmd := &cobra.Command{
		Use:   "mutate",
		Short: "Run a push JSON file through the transactor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mutateFile == "" {
				return fmt.Errorf("--file is required")
			}
			b, err := os.ReadFile(mutateFile)
			if err != nil {
				return err
			}
			status, body, err := cl.do("POST", "/api/v1/mutate", b, nil)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("mutate failed: status=%d body=%s", status, string(body))
			}
			cl.print(status, body)
			return nil
		},
	}
	mutateCmd.Flags().StringVar(&mutateFile, "file", "", "Path to a push JSON file")

	var pushFile, pushGroup, pushClient string
	pushCmd := &cobra.Command{
		Use:   "push",
		Short: "Enqueue a push JSON file for forwarding",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pushFile == "" || pushGroup == "" || pushClient == "" {
				return fmt.Errorf("--file, --group and --client are required")
			}
			b, err := os.ReadFile(pushFile)
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/api/v1/push?clientGroupID=%s&clientID=%s", pushGroup, pushClient)
			status, body, err := cl.do("POST", path, b, nil)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("push failed: status=%d body=%s", status, string(body))
			}
			cl.print(status, body)
			return nil
		},
	}
	pushCmd.Flags().StringVar(&pushFile, "file", "", "Path to a push JSON file")
	pushCmd.Flags().StringVar(&pushGroup, "group", "", "Client group ID")
	pushCmd.Flags().StringVar(&pushClient, "client", "", "Client ID")

	var transformFile string
	transformCmd := &cobra.Command{
		Use:   "transform",
		Short: "Resolve custom queries through the transformer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if transformFile == "" {
				return fmt.Errorf("--file is required")
			}
			b, err := os.ReadFile(transformFile)
			if err != nil {
				return err
			}
			status, body, err := cl.do("POST", "/api/v1/transform", b, nil)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("transform failed: status=%d body=%s", status, string(body))
			}
			cl.print(status, body)
			return nil
		},
	}
	transformCmd.Flags().StringVar(&transformFile, "file", "", "Path to a transform request JSON file")

	root.AddCommand(pingCmd)
	root.AddCommand(mutateCmd)
	root.AddCommand(pushCmd)
	root.AddCommand(transformCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
