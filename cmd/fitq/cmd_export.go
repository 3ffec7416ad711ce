package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvohq/fitq/internal/config"
	"github.com/corvohq/fitq/internal/server"
	"github.com/corvohq/fitq/internal/store"
	"github.com/corvohq/fitq/pkg/worker"
)

var (
	exportNames  []string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export <1b|2b|nb|calculations|failed>",
	Short: "Stream a training set or failure set as NDJSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := os.Stdout
		if exportOutput != "" && exportOutput != "-" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		bw := bufio.NewWriter(out)
		defer bw.Flush()

		req := store.TrainingSetRequest{Names: exportNames, Model: selectedModel(), Tags: tags}
		n := 0
		for line, err := range newClient().Export(cmd.Context(), args[0], req) {
			if err != nil {
				return fmt.Errorf("export stopped after %d items: %w", n, err)
			}
			if _, err := bw.Write(append(line, '\n')); err != nil {
				return err
			}
			n++
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%d items exported\n", n)
		return nil
	},
}

var (
	tokenSubject string
	tokenRole    string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token signed with the configured JWT secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("no jwt secret configured (auth.jwt_secret or FITQ_JWT_SECRET)")
		}
		token, err := server.IssueToken(cfg.Auth.JWTSecret, tokenSubject, tokenRole, tokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var (
	workClient      string
	workBatch       int
	workConcurrency int
	workPoll        time.Duration
)

var workCmd = &cobra.Command{
	Use:   "work -- <program> [args...]",
	Short: "Run a worker that computes claimed jobs with an external program",
	Long: "Claims jobs and runs the program once per job with the job JSON on stdin. " +
		"The last stdout line must be the energy; a non-zero exit marks the job failed.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		w, err := worker.New(newClient(), worker.ExecCalculator{Path: args[0], Args: args[1:]}, worker.Config{
			Client:       workClient,
			Tags:         tags,
			Batch:        workBatch,
			Concurrency:  workConcurrency,
			PollInterval: workPoll,
		})
		if err != nil {
			return err
		}
		stats, err := w.Run(ctx)
		if outputJSON {
			_ = printJSON(stats)
		} else {
			fmt.Fprintf(os.Stderr, "%s: %d claimed, %d succeeded, %d failed, %d applied\n",
				w.Client(), stats.Claimed, stats.Succeeded, stats.Failed, stats.Applied)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringSliceVar(&exportNames, "names", nil, "Fragment names in the order molecules and energies are returned")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write NDJSON to this file instead of stdout")
	_ = exportCmd.MarkFlagRequired("names")

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject (worker or producer name)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "worker", fmt.Sprintf("Token role %v", server.Roles))
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (0 never expires)")
	_ = tokenCmd.MarkFlagRequired("subject")

	workCmd.Flags().StringVar(&workClient, "client", "", "Client name recorded on claimed jobs (default random)")
	workCmd.Flags().StringSliceVar(&tags, "tags", nil, "Only claim jobs carrying one of these tags")
	workCmd.Flags().IntVar(&workBatch, "batch", store.DefaultBatchSize, "Jobs claimed per round trip")
	workCmd.Flags().IntVar(&workConcurrency, "concurrency", 1, "Parallel calculations")
	workCmd.Flags().DurationVar(&workPoll, "poll", 0, "Wait this long when no work is pending (0 exits when drained)")
	_ = workCmd.MarkFlagRequired("tags")

	addClientFlags(exportCmd, workCmd)
	addModelFlags(exportCmd)
	rootCmd.AddCommand(exportCmd, tokenCmd, workCmd)
}
