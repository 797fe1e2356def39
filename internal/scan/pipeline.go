package scan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"kiln/internal/domain"
	"kiln/internal/execx"
	"kiln/internal/infra"
)

// formatSpec maps a report format to the matcher's output flag and the
// report file extension.
type formatSpec struct {
	flag string
	ext  string
}

var formats = map[string]formatSpec{
	"table":     {flag: "table", ext: ".txt"},
	"json":      {flag: "json", ext: ".json"},
	"cyclonedx": {flag: "cyclonedx", ext: ".xml"},
	"markdown":  {flag: "template", ext: ".md"},
}

// Pipeline generates SBOMs with syft and vulnerability reports with grype.
type Pipeline struct {
	runner execx.Runner
	cfg    infra.ScanConfig
	logger *zap.Logger
}

// NewPipeline creates a scan pipeline.
func NewPipeline(runner execx.Runner, cfg infra.ScanConfig, logger *zap.Logger) *Pipeline {
	return &Pipeline{runner: runner, cfg: cfg, logger: logger}
}

func (p *Pipeline) env() []string {
	if p.cfg.DBCacheDir == "" {
		return nil
	}
	return []string{"GRYPE_DB_CACHE_DIR=" + p.cfg.DBCacheDir}
}

// EnsureDB refreshes the vulnerability database only when the cached copy
// is stale or absent. A valid database makes this a no-op.
func (p *Pipeline) EnsureDB(ctx context.Context) error {
	output, err := p.runner.Run(ctx, "", p.env(), "grype", "db", "status")
	if err == nil && strings.Contains(strings.ToLower(string(output)), "valid") {
		p.logger.Debug("Vulnerability database is current")
		return nil
	}

	p.logger.Info("Updating vulnerability database")
	if output, err := p.runner.Run(ctx, "", p.env(), "grype", "db", "update"); err != nil {
		return domain.NewErrorWithCause(domain.ErrCodeEnvironment,
			fmt.Sprintf("failed to update vulnerability database: %s", strings.TrimSpace(string(output))), err)
	}
	return nil
}

// GenerateSBOM writes a JSON software bill of materials for imageRef to
// outPath.
func (p *Pipeline) GenerateSBOM(ctx context.Context, imageRef, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return domain.NewErrorWithCause(domain.ErrCodeEnvironment,
			fmt.Sprintf("failed to create SBOM directory for %s", outPath), err)
	}
	if output, err := p.runner.Run(ctx, "", nil, "syft", imageRef, "-o", "json", "--file", outPath); err != nil {
		return domain.NewErrorWithCause(domain.ErrCodeEnvironment,
			fmt.Sprintf("failed to generate SBOM for %s: %s", imageRef, strings.TrimSpace(string(output))), err)
	}
	p.logger.Info("SBOM generated", zap.String("image", imageRef), zap.String("path", outPath))
	return nil
}

// ReportPath returns the report file path for a given SBOM path under the
// configured format.
func (p *Pipeline) ReportPath(sbomPath string) string {
	spec := formats[p.cfg.Format]
	base := strings.TrimSuffix(sbomPath, filepath.Ext(sbomPath))
	return base + ".report" + spec.ext
}

func stampPath(reportPath string) string {
	return reportPath + ".digest"
}

// ReportUpToDate reports whether a report for imageDigest already exists,
// so the matcher run can be skipped.
func (p *Pipeline) ReportUpToDate(reportPath, imageDigest string) bool {
	if imageDigest == "" {
		return false
	}
	if _, err := os.Stat(reportPath); err != nil {
		return false
	}
	stamp, err := os.ReadFile(stampPath(reportPath))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(stamp)) == imageDigest
}

// Report matches the SBOM against the vulnerability database and writes the
// report in the configured format. The fail-on severity threshold makes the
// matcher itself exit non-zero when crossed.
func (p *Pipeline) Report(ctx context.Context, sbomPath, imageDigest string) (string, error) {
	spec, ok := formats[p.cfg.Format]
	if !ok {
		return "", domain.NewError(domain.ErrCodeConfig,
			fmt.Sprintf("unknown report format %q", p.cfg.Format))
	}
	reportPath := p.ReportPath(sbomPath)

	if p.ReportUpToDate(reportPath, imageDigest) {
		p.logger.Info("Report is current, skipping scan", zap.String("path", reportPath))
		return reportPath, nil
	}

	args := []string{"sbom:" + sbomPath, "-o", spec.flag, "--file", reportPath}
	if p.cfg.Format == "markdown" {
		args = append(args, "-t", p.cfg.TemplatePath)
	}
	if p.cfg.ConfigPath != "" {
		args = append(args, "-c", p.cfg.ConfigPath)
	}
	if p.cfg.FailOn != "" {
		args = append(args, "--fail-on", p.cfg.FailOn)
	}
	if p.cfg.OnlyFixed {
		args = append(args, "--only-fixed")
	}

	if output, err := p.runner.Run(ctx, "", p.env(), "grype", args...); err != nil {
		return reportPath, domain.NewErrorWithCause(domain.ErrCodeVerification,
			fmt.Sprintf("vulnerability scan failed for %s: %s", sbomPath, strings.TrimSpace(string(output))), err)
	}

	if imageDigest != "" {
		if err := os.WriteFile(stampPath(reportPath), []byte(imageDigest+"\n"), 0o644); err != nil {
			p.logger.Warn("Failed to record report digest stamp", zap.Error(err))
		}
	}
	p.logger.Info("Vulnerability report written",
		zap.String("path", reportPath),
		zap.String("format", p.cfg.Format))
	return reportPath, nil
}
