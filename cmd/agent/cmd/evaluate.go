package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/inference"
)

var requestFile string

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate one placement through the decision pipeline",
	Long: `Evaluate reads a request (YAML or JSON), runs it through the decision
pipeline with the logging actuator and prints the decision as JSON.
Nothing is launched or terminated.

Example request:
  resourceId: i-0abc
  current:
    pool: {instanceType: m5.large, zone: us-east-1a}
    vcpu: 2
    memoryMiB: 8192
    architecture: x86_64
  requirement: {minVcpu: 2, minMemoryMiB: 4096}
  signal: NONE`,
	RunE: runEvaluate,
}

func init() {
	evaluateCmd.Flags().StringVar(&requestFile, "request", "-",
		"Path to the request file, - for stdin")
	rootCmd.AddCommand(evaluateCmd)
}

func readRequest(path string, stdin io.Reader) (candidate.Request, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return candidate.Request{}, fmt.Errorf("read request: %w", err)
	}
	var req candidate.Request
	if err := yaml.Unmarshal(raw, &req); err != nil {
		return candidate.Request{}, fmt.Errorf("parse request: %w", err)
	}
	return req, nil
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := slog.Default()

	req, err := readRequest(requestFile, cmd.InOrStdin())
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Evaluation never acts, so scenario prices are always allowed here.
	stack, err := resolveCloud(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer stack.Close()

	classifier, closeClassifier, err := resolveClassifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeClassifier()

	promClient, err := newStressSource(cfg, logger)
	if err != nil {
		return err
	}
	var stress inference.StressSource
	if promClient != nil {
		stress = promClient
	}

	recorder, err := newRecorder(cfg, nil, logger)
	if err != nil {
		return err
	}

	evaluator, err := newEvaluator(cfg, evaluatorDeps{
		stack:      stack,
		classifier: classifier,
		stress:     stress,
		recorder:   recorder,
	}, logger, true)
	if err != nil {
		return err
	}

	res, err := evaluator.Evaluate(ctx, req)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), res)
}
