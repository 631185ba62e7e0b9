package analysis

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Artifact file names inside the output directory.
const (
	AnomaliesFile = "anomalies.csv"
	ReportFile    = "anomaly_report.txt"
	StatusFile    = "anomaly.json"
)

// AnomaliesHeader is the column order of the anomaly records artifact.
var AnomaliesHeader = []string{"timestamp", "device", "is_anomaly", "anomaly_score", "anomaly_type"}

// ReportTitle is the first line of the human-readable report.
const ReportTitle = "=== FOG ANOMALY DETECTION REPORT ==="

// Paths locates the artifacts of one output directory.
type Paths struct {
	Dir       string
	Anomalies string
	Report    string
	Status    string
}

// PathsIn returns the artifact paths inside dir.
func PathsIn(dir string) Paths {
	return Paths{
		Dir:       dir,
		Anomalies: filepath.Join(dir, AnomaliesFile),
		Report:    filepath.Join(dir, ReportFile),
		Status:    filepath.Join(dir, StatusFile),
	}
}

// Status is the machine-readable artifact consumed by downstream automation.
// is_anomaly and anomaly_score summarize the pass for metric exporters.
type Status struct {
	Status            string   `json:"status"`
	Timestamp         int64    `json:"timestamp"` // wall-clock unix ms
	DataPoints        int      `json:"data_points"`
	DevicesCount      int      `json:"devices_count"`
	AnomaliesDetected bool     `json:"anomalies_detected"`
	Confidence        float64  `json:"confidence"`
	Algorithm         string   `json:"algorithm"`
	Source            Source   `json:"source"`
	PassID            string   `json:"pass_id"`
	Final             bool     `json:"final"`
	Flagged           int      `json:"flagged"`
	DominantCategory  string   `json:"dominant_category,omitempty"`
	Severity          Severity `json:"severity,omitempty"`
	IsAnomaly         bool     `json:"is_anomaly"`
	AnomalyScore      float64  `json:"anomaly_score"`
}

// StatusAnalyzed is the value of Status.Status for every written artifact.
const StatusAnalyzed = "analyzed"

// StatusOf builds the status artifact of a completed pass.
func StatusOf(p Pass, now time.Time) Status {
	s := p.Result.Summary
	return Status{
		Status:            StatusAnalyzed,
		Timestamp:         now.UnixMilli(),
		DataPoints:        s.DataPoints,
		DevicesCount:      s.Devices,
		AnomaliesDetected: s.Flagged > 0,
		Confidence:        s.Confidence,
		Algorithm:         s.Algorithm,
		Source:            p.Source,
		PassID:            p.ID,
		Final:             p.Final,
		Flagged:           s.Flagged,
		DominantCategory:  s.Dominant,
		Severity:          s.Severity(),
		IsAnomaly:         s.Flagged > 0,
		AnomalyScore:      s.MaxScore,
	}
}

// writeArtifacts replaces all three artifacts, each atomically.
func writeArtifacts(paths Paths, p Pass, now time.Time) error {
	if err := os.MkdirAll(paths.Dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := writeFileAtomic(paths.Anomalies, func(w io.Writer) error {
		return encodeAnomalies(w, p.Result.Anomalies)
	}); err != nil {
		return fmt.Errorf("writing %s: %w", AnomaliesFile, err)
	}
	if err := writeFileAtomic(paths.Report, func(w io.Writer) error {
		if p.Result.Report != "" {
			_, err := io.WriteString(w, p.Result.Report)
			return err
		}
		return encodeReport(w, p.Result.Summary, now)
	}); err != nil {
		return fmt.Errorf("writing %s: %w", ReportFile, err)
	}
	if err := writeFileAtomic(paths.Status, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(StatusOf(p, now))
	}); err != nil {
		return fmt.Errorf("writing %s: %w", StatusFile, err)
	}
	return nil
}

// writeFileAtomic writes through a temp file in the same directory and renames
// it over path, so readers see either the old or the new content.
func writeFileAtomic(path string, fill func(w io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	bw := bufio.NewWriter(tmp)
	if err = fill(bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func encodeAnomalies(w io.Writer, records []AnomalyRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(AnomaliesHeader); err != nil {
		return err
	}
	for _, r := range records {
		flag := "False"
		if r.Flag {
			flag = "True"
		}
		if err := cw.Write([]string{
			strconv.FormatInt(r.TimeMs, 10),
			r.Device,
			flag,
			strconv.FormatFloat(r.Score, 'f', 3, 64),
			r.Category,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func encodeReport(w io.Writer, s Summary, now time.Time) error {
	dominant := s.Dominant
	if dominant == "" {
		dominant = "none"
	}
	lines := []string{
		ReportTitle,
		"Generated at: " + now.Format(time.RFC1123),
		fmt.Sprintf("Data points analyzed: %d", s.DataPoints),
		fmt.Sprintf("Devices monitored: %d", s.Devices),
		"",
		"Summary:",
		fmt.Sprintf("- Total anomalies detected: %d", s.Flagged),
		"- Most common anomaly type: " + dominant,
		"- Anomaly detection algorithm: " + s.Algorithm,
	}
	if len(s.Recommendations) > 0 {
		lines = append(lines, "", "Recommendations:")
		for i, r := range s.Recommendations {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, r))
		}
	}
	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}

// ReadAnomalies parses an anomaly records artifact. Columns are located by
// header name so that pipelines may add their own; "time" is accepted for
// "timestamp" and a missing anomaly_type column yields UNKNOWN for flagged
// rows. Flags accept True/False, true/false, 1/0 and the isolation-forest
// convention -1 (anomalous). Scores are clamped to [0,1].
func ReadAnomalies(path string) ([]AnomalyRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening anomaly records: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading anomaly records header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	tsCol, ok := col["timestamp"]
	if !ok {
		tsCol, ok = col["time"]
	}
	devCol, okDev := col["device"]
	flagCol, okFlag := col["is_anomaly"]
	if !ok || !okDev || !okFlag {
		return nil, fmt.Errorf("anomaly records header %v lacks timestamp, device or is_anomaly", header)
	}
	scoreCol, hasScore := col["anomaly_score"]
	catCol, hasCat := col["anomaly_type"]

	var out []AnomalyRecord
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("anomaly records line %d: %w", line, err)
		}
		get := func(i int) string {
			if i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}
		ts, err := strconv.ParseFloat(get(tsCol), 64)
		if err != nil {
			return nil, fmt.Errorf("anomaly records line %d: timestamp: %w", line, err)
		}
		flag, err := parseFlag(get(flagCol))
		if err != nil {
			return nil, fmt.Errorf("anomaly records line %d: %w", line, err)
		}
		rec := AnomalyRecord{TimeMs: int64(ts), Device: get(devCol), Flag: flag}
		if hasScore {
			if v, err := strconv.ParseFloat(get(scoreCol), 64); err == nil {
				rec.Score = math.Max(0, math.Min(1, v))
			}
		}
		if hasCat {
			rec.Category = get(catCol)
		}
		if rec.Category == "" {
			rec.Category = CategoryNormal
			if flag {
				rec.Category = CategoryUnknown
			}
		}
		out = append(out, rec)
	}
}

func parseFlag(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "1", "-1", "yes":
		return true, nil
	case "false", "0", "no", "":
		return false, nil
	}
	return false, fmt.Errorf("is_anomaly: unrecognized value %q", s)
}

// ReadReport returns the human-readable report.
func ReadReport(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading anomaly report: %w", err)
	}
	return string(b), nil
}

// ReadStatus parses the machine-readable status artifact.
func ReadStatus(path string) (Status, error) {
	var s Status
	b, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("reading anomaly status: %w", err)
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("parsing anomaly status: %w", err)
	}
	return s, nil
}
