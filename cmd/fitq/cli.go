package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/corvohq/fitq/internal/store"
	"github.com/corvohq/fitq/pkg/workerclient"
)

var (
	serverURL  string
	apiToken   string
	outputJSON bool
)

func addClientFlags(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "fitq server URL")
		cmd.Flags().StringVar(&apiToken, "token", "", "API bearer token (or set FITQ_TOKEN)")
		cmd.Flags().BoolVar(&outputJSON, "output-json", false, "Output as JSON")
	}
}

var (
	method string
	basis  string
	cp     bool
	tags   []string
)

// addModelFlags registers the flags that select a model and tag set.
func addModelFlags(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		cmd.Flags().StringVar(&method, "method", "", "Calculation method (e.g. mp2)")
		cmd.Flags().StringVar(&basis, "basis", "", "Basis set (e.g. avtz)")
		cmd.Flags().BoolVar(&cp, "cp", false, "Counterpoise-corrected model")
		cmd.Flags().StringSliceVar(&tags, "tags", nil, "Comma-separated tags")
		_ = cmd.MarkFlagRequired("method")
		_ = cmd.MarkFlagRequired("basis")
	}
}

func selectedModel() store.Model {
	return store.Model{Method: method, Basis: basis, CP: cp}
}

func newClient() *workerclient.Client {
	token := strings.TrimSpace(apiToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("FITQ_TOKEN"))
	}
	return workerclient.New(serverURL, workerclient.WithToken(token))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readInput reads a file argument, or stdin when it is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
