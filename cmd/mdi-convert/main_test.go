package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mdi/mdiconvert/internal/platform/fhir"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func logLines(t *testing.T, stderr string) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	sc := bufio.NewScanner(strings.NewReader(stderr))
	for sc.Scan() {
		var m map[string]interface{}
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("log line %q is not JSON: %v", sc.Text(), err)
		}
		lines = append(lines, m)
	}
	return lines
}

const recordsJSONL = `{"CaseIdentifier": 1, "CaseNum": "23-1", "DeathType": "Drug Related", "DeathDate": 1696000000000, "Gender": "m", "Age": "30 Years", "DeathZip": 53201.0, "Mode": "Accident"}
{"CaseIdentifier": 2, "CaseNum": "23-2", "DeathType": "Natural", "DeathDate": "2023-09-29 12:00:00"}
{"CaseIdentifier": 3, "CaseNum": "23-3", "DeathType": "Drug Related", "DeathDate": "not a date", "Sex": "f"}
`

func TestFHIRCommand_WritesFilteredBundle(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "records.jsonl")
	out := filepath.Join(dir, "out", "bundle-{date}.json")
	metrics := filepath.Join(dir, "metrics.prom")
	writeFile(t, src, recordsJSONL)

	_, stderr, err := execute(t, "fhir", "--source", src, "--output", out, "--metrics-path", metrics)
	if err != nil {
		t.Fatalf("fhir: %v\n%s", err, stderr)
	}

	written := strings.ReplaceAll(out, "{date}", time.Now().Format("2006-01-02"))
	data, err := os.ReadFile(written)
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}
	bundle, err := fhir.ParseBundle(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(bundle.Entry) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(bundle.Entry))
	}
	if bundle.Entry[2].Request.URL != "Patient/pat-3" {
		t.Errorf("entry[2] url = %s", bundle.Entry[2].Request.URL)
	}

	lines := logLines(t, stderr)
	if len(lines) == 0 {
		t.Fatal("expected log output")
	}
	runID, _ := lines[0]["run_id"].(string)
	if runID == "" {
		t.Error("expected run_id on log lines")
	}
	for _, l := range lines {
		if l["run_id"] != runID {
			t.Errorf("run_id changed within a run: %v", l["run_id"])
		}
	}

	prom, err := os.ReadFile(metrics)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	for _, want := range []string{
		`mdi_convert_records_read_total{job="fhir"} 3`,
		`mdi_convert_records_filtered_total{job="fhir"} 1`,
		`mdi_convert_run_success{job="fhir"} 1`,
	} {
		if !strings.Contains(string(prom), want) {
			t.Errorf("metrics missing %q:\n%s", want, prom)
		}
	}
}

func TestFHIRCommand_NoFilterCSV(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "records.csv")
	out := filepath.Join(dir, "bundle.ndjson")
	writeFile(t, src, "CaseIdentifier,CaseNum,DeathType\n1,23-1,Natural\n2,23-2,Drug Related\n")

	_, stderr, err := execute(t, "fhir", "--source", src, "--output", out,
		"--filter-drug-related=false", "--output-format", "ndjson")
	if err != nil {
		t.Fatalf("fhir: %v\n%s", err, stderr)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "\n"); n != 4 {
		t.Errorf("expected 4 NDJSON lines, got %d", n)
	}
}

func TestFHIRCommand_FailureLeavesNoOutput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "records.jsonl")
	out := filepath.Join(dir, "bundle.json")
	metrics := filepath.Join(dir, "metrics.prom")
	writeFile(t, src, `{"CaseIdentifier": 1, "CaseNum": "23-1", "DeathType": "Drug Related"}`+"\n{broken\n")

	_, stderr, err := execute(t, "fhir", "--source", src, "--output", out, "--metrics-path", metrics)
	if err == nil {
		t.Fatal("expected malformed line to fail the run")
	}
	if _, statErr := os.Stat(out); !errors.Is(statErr, os.ErrNotExist) {
		t.Errorf("expected no output file, stat = %v", statErr)
	}
	if !strings.Contains(stderr, `"level":"error"`) {
		t.Errorf("expected an error log line, got %s", stderr)
	}
	prom, _ := os.ReadFile(metrics)
	if !strings.Contains(string(prom), `mdi_convert_run_success{job="fhir"} 0`) {
		t.Errorf("expected failed run in metrics:\n%s", prom)
	}

	if _, _, err := execute(t, "fhir", "--source", src, "--output", out, "--skip-invalid"); err != nil {
		t.Fatalf("expected --skip-invalid to recover: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("expected output after skipping, got %v", err)
	}
}

func TestFHIRCommand_RequiresSource(t *testing.T) {
	if _, _, err := execute(t, "fhir"); err == nil || !strings.Contains(err.Error(), "source_path") {
		t.Fatalf("expected source_path error, got %v", err)
	}
}

func TestRemapCommand(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "export.csv")
	tpl := filepath.Join(dir, "template.csv")
	mapping := filepath.Join(dir, "mapping.yaml")
	out := filepath.Join(dir, "RavenMDI.csv")
	writeFile(t, src, "CaseNum,Age,Race\n23-1,45 Years,White\n23-2,,Black\n")
	writeFile(t, tpl, "MDICASEID,AGE,RACE,GENDER\n")
	writeFile(t, mapping, "MDICASEID: CaseNum\nAGE: Age\nRACE: null\nGENDER: Sex\n")

	_, stderr, err := execute(t, "remap", "--source", src, "--template", tpl, "--mapping", mapping, "--output", out)
	if err != nil {
		t.Fatalf("remap: %v\n%s", err, stderr)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	want := "MDICASEID,AGE,RACE,GENDER\n23-1,45 Years,,\n23-2,,,\n"
	if string(data) != want {
		t.Errorf("output = %q, want %q", data, want)
	}
}

func TestRemapCommand_RequiresTemplate(t *testing.T) {
	_, _, err := execute(t, "remap", "--source", "x.csv")
	if err == nil || !strings.Contains(err.Error(), "template_path") {
		t.Fatalf("expected template_path error, got %v", err)
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "records.jsonl")
	out := filepath.Join(dir, "bundle.json")
	writeFile(t, src, recordsJSONL)
	if _, stderr, err := execute(t, "fhir", "--source", src, "--output", out); err != nil {
		t.Fatalf("fhir: %v\n%s", err, stderr)
	}

	stdout, _, err := execute(t, "validate", out)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	var outcome fhir.OperationOutcome
	if err := json.Unmarshal([]byte(stdout), &outcome); err != nil {
		t.Fatalf("stdout is not an OperationOutcome: %v\n%s", err, stdout)
	}
	if outcome.ResourceType != "OperationOutcome" || outcome.HasErrors() {
		t.Errorf("unexpected outcome %+v", outcome)
	}
}

func TestValidateCommand_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	writeFile(t, path, `{"resourceType": "Bundle", "type": "transaction", "entry": [
		{"resource": {"resourceType": "Patient", "id": "pat-1", "gender": "F"}, "request": {"method": "PUT", "url": "Patient/pat-1"}}
	]}`)

	stdout, _, err := execute(t, "validate", "--source", path)
	if !errors.Is(err, errInvalidBundle) {
		t.Fatalf("expected errInvalidBundle, got %v", err)
	}
	if !strings.Contains(stdout, "invalid gender") {
		t.Errorf("expected gender issue in outcome:\n%s", stdout)
	}
}

func TestValidateCommand_NotABundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patient.json")
	writeFile(t, path, `{"resourceType": "Patient", "id": "pat-1"}`)

	stdout, _, err := execute(t, "validate", path)
	if err == nil {
		t.Fatal("expected an error for a non-Bundle document")
	}
	var outcome fhir.OperationOutcome
	if jerr := json.Unmarshal([]byte(stdout), &outcome); jerr != nil {
		t.Fatalf("stdout is not an OperationOutcome: %v\n%s", jerr, stdout)
	}
	if !outcome.HasErrors() || !strings.Contains(outcome.Issue[0].Diagnostics, "resourceType") {
		t.Errorf("unexpected outcome %+v", outcome)
	}
}

func TestNewLogger_Development(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, true, "info", "fhir")
	logger.Info().Msg("hello")
	if strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), "hello") {
		t.Errorf("expected console output, got %q", buf.String())
	}

	buf.Reset()
	logger = newLogger(&buf, false, "warn", "fhir")
	logger.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered at warn level, got %q", buf.String())
	}
}

func TestFHIRCommand_DevelopmentEnvLogsToConsole(t *testing.T) {
	_, stderr, err := execute(t, "fhir", "--env", "development")
	if err == nil {
		t.Fatal("expected missing source error")
	}
	if strings.HasPrefix(stderr, "{") || !strings.Contains(stderr, "invalid configuration") {
		t.Errorf("expected console log output, got %q", stderr)
	}
}
