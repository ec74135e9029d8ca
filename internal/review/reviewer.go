// Package review asks a language model for a second opinion on static scan
// results. The model's verdict is reported next to the score and never
// changes it.
package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/openai"
	"go.uber.org/zap"

	"github.com/acheong08/npm-sentinel/internal/parser"
	"github.com/acheong08/npm-sentinel/pkg/models"
)

const systemPrompt = `You are a security analyst specializing in software supply chain security. Your task is to review the output of a static scanner that inspected an npm package's lifecycle scripts and root files, and determine if the package is malicious.

CONTEXT:
- The scanner matches fixed substrings and decodes base64 tokens found in scripts
- A finding marked "(decoded)" came from a base64 payload hidden in a script
- "malicious-file" findings name files dropped by known npm worms

WHAT TO LOOK FOR:
1. Scripts that download and execute remote content during install
2. Obfuscated or encoded payloads
3. Reverse shells and credential exfiltration
4. Marker files from known campaigns

JUDGMENT CRITERIA:
- Build tools legitimately use curl, base64 or Buffer; weigh the script's purpose
- Multiple independent indicators increase confidence
- An install-time script that fetches and pipes to a shell is rarely benign

Provide a thorough justification explaining your reasoning.`

// ErrDisabled is returned by New when no API key is configured
var ErrDisabled = errors.New("review disabled: API key is required")

type generateFunc func(ctx context.Context, prompt string) (Assessment, error)

// Reviewer runs model reviews with bounded concurrency
type Reviewer struct {
	generate  generateFunc
	semaphore chan struct{}
	logger    *zap.Logger
}

// New connects to an OpenAI-compatible endpoint
func New(cfg Config, logger *zap.Logger) (*Reviewer, error) {
	if cfg.APIKey == "" {
		return nil, ErrDisabled
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	provider, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithAPIKey(cfg.APIKey),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI provider: %w", err)
	}

	model, err := provider.LanguageModel(context.Background(), cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to create language model: %w", err)
	}

	r := newReviewer(agentGenerate(model), cfg.Concurrency, logger)
	r.logger.Info("Model review enabled", zap.String("model", cfg.Model), zap.Int("concurrency", cap(r.semaphore)))
	return r, nil
}

func newReviewer(gen generateFunc, concurrency int, logger *zap.Logger) *Reviewer {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reviewer{
		generate:  gen,
		semaphore: make(chan struct{}, concurrency),
		logger:    logger,
	}
}

// agentGenerate asks the model to call submit_assessment with its verdict
func agentGenerate(model fantasy.LanguageModel) generateFunc {
	return func(ctx context.Context, prompt string) (Assessment, error) {
		var report Assessment
		submitted := false

		submitTool := fantasy.NewAgentTool(
			"submit_assessment",
			"Submit your security assessment for this package", func(
				_ context.Context,
				input Assessment,
				_ fantasy.ToolCall,
			) (fantasy.ToolResponse, error) {
				report = input
				submitted = true
				return fantasy.ToolResponse{
					Content: "Assessment received",
				}, nil
			})

		agent := fantasy.NewAgent(model, fantasy.WithSystemPrompt(systemPrompt), fantasy.WithTools(submitTool))
		result, err := agent.Generate(ctx, fantasy.AgentCall{
			Prompt: prompt,
		})
		if err != nil {
			return Assessment{}, fmt.Errorf("agent generation failed: %w", err)
		}
		if !submitted {
			return Assessment{}, fmt.Errorf("model did not submit an assessment: %s", result.Response.Content.Text())
		}
		return report, nil
	}
}

// Review assesses one scan result. manifest may be nil; when present its
// scripts are included verbatim for context.
func (r *Reviewer) Review(ctx context.Context, result models.AnalysisResult, manifest *parser.Manifest) (Assessment, error) {
	id := models.NewPackage(result.PackageName, result.VersionString()).ID

	if len(result.Findings) == 0 {
		r.logger.Debug("No findings, skipping model review", zap.String("package", id))
		return Assessment{
			IsMalicious:   false,
			Confidence:    1.0,
			Justification: "No suspicious scripts or files were detected by the static scan.",
		}, nil
	}

	select {
	case r.semaphore <- struct{}{}:
	case <-ctx.Done():
		return Assessment{}, fmt.Errorf("review cancelled for %s: %w", id, ctx.Err())
	}
	defer func() { <-r.semaphore }()

	assessment, err := r.generate(ctx, formatPrompt(result, manifest))
	if err != nil {
		return Assessment{}, fmt.Errorf("review failed for %s: %w", id, err)
	}

	r.logger.Info("Completed model review",
		zap.String("package", id),
		zap.Bool("malicious", assessment.IsMalicious),
		zap.Float64("confidence", assessment.Confidence))
	return assessment, nil
}

// formatPrompt renders the findings and scripts for the model
func formatPrompt(result models.AnalysisResult, manifest *parser.Manifest) string {
	var sb strings.Builder

	version := result.VersionString()
	if version == "" {
		version = "unversioned"
	}
	fmt.Fprintf(&sb, "Review the static scan of npm package: %s@%s\n\n", result.PackageName, version)
	fmt.Fprintf(&sb, "Risk score: %d/100 (100 is clean)\n", result.Score)
	if result.Meta.RegistryAgeDays != nil {
		fmt.Fprintf(&sb, "Days since first publish: %d\n", *result.Meta.RegistryAgeDays)
	}

	sb.WriteString("\nFINDINGS:\n")
	for _, f := range result.Findings {
		fmt.Fprintf(&sb, "  - [%s] %s: %s (at %s)\n", f.Severity, f.Type, f.Description, f.Location)
	}

	if manifest != nil && manifest.Scripts.Len() > 0 {
		sb.WriteString("\nLIFECYCLE SCRIPTS:\n")
		manifest.Scripts.Each(func(name, command string) {
			fmt.Fprintf(&sb, "  %s: %s\n", name, command)
		})
	}

	if manifest != nil {
		if deps := manifest.GetAllDependencies(); len(deps) > 0 {
			names := make([]string, 0, len(deps))
			for name := range deps {
				names = append(names, name)
			}
			sort.Strings(names)

			sb.WriteString("\nDEPENDENCIES:\n")
			for _, name := range names {
				fmt.Fprintf(&sb, "  %s %s\n", name, deps[name])
			}
		}
	}

	sb.WriteString("\n\nUse the submit_assessment tool to provide your security assessment.")

	return sb.String()
}
