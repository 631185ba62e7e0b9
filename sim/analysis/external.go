package analysis

import (
	"context"
	"fmt"
	"os"
)

// ExternalPipeline runs an analysis program as a subprocess. The program is
// expected to read the telemetry log and write its anomaly records (and
// optionally its own report and status) into the output directory.
type ExternalPipeline struct {
	Cmd Command
}

// NewExternalPipeline creates a pipeline running argv in dir.
func NewExternalPipeline(argv []string, dir, requires string) *ExternalPipeline {
	return &ExternalPipeline{Cmd: Command{Name: "external-analysis", Argv: argv, Dir: dir, Requires: requires}}
}

// Name implements Pipeline.
func (e *ExternalPipeline) Name() string { return e.Cmd.Name }

// Analyze implements Pipeline. The subprocess is bounded by ctx and must
// rewrite the anomaly records artifact, or the run counts as failed.
func (e *ExternalPipeline) Analyze(ctx context.Context, in Input) (*Result, error) {
	paths := PathsIn(in.OutputDir)
	recordsBefore := statOrNil(paths.Anomalies)
	reportBefore := statOrNil(paths.Report)

	if err := e.Cmd.Run(ctx); err != nil {
		return nil, err
	}

	recordsAfter, err := os.Stat(paths.Anomalies)
	if err != nil {
		return nil, fmt.Errorf("%s produced no anomaly records: %v: %w", e.Name(), err, ErrPipelineFailed)
	}
	if !changed(recordsBefore, recordsAfter) {
		return nil, fmt.Errorf("%s did not update %s: %w", e.Name(), AnomaliesFile, ErrPipelineFailed)
	}
	records, err := ReadAnomalies(paths.Anomalies)
	if err != nil {
		return nil, fmt.Errorf("%s output unparsable: %v: %w", e.Name(), err, ErrPipelineFailed)
	}

	s := Summarize(records, in.Rows)
	s.Algorithm = e.Name()
	if st, err := ReadStatus(paths.Status); err == nil && st.PassID == "" {
		// written by the pipeline itself rather than by a previous pass
		if st.Algorithm != "" {
			s.Algorithm = st.Algorithm
		}
		s.Confidence = st.Confidence
	}
	res := &Result{Anomalies: records, Summary: s}
	if info, err := os.Stat(paths.Report); err == nil && changed(reportBefore, info) {
		if report, err := ReadReport(paths.Report); err == nil {
			res.Report = report
		}
	}
	return res, nil
}

func statOrNil(path string) os.FileInfo {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	return info
}

func changed(before, after os.FileInfo) bool {
	return before == nil ||
		!os.SameFile(before, after) ||
		!before.ModTime().Equal(after.ModTime()) ||
		before.Size() != after.Size()
}
