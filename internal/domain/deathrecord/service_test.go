package deathrecord

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mdi/mdiconvert/internal/platform/blobstore"
	"github.com/mdi/mdiconvert/internal/platform/fhir"
	"github.com/mdi/mdiconvert/internal/platform/telemetry"
	"github.com/mdi/mdiconvert/internal/record"
	"github.com/rs/zerolog"
)

const serviceInput = `{"CaseIdentifier": 1, "CaseNum": "A1", "DeathType": "Drug Related", "DeathDate": "2023-09-29 12:00:00"}
{"CaseIdentifier": 2, "CaseNum": "A2", "DeathType": "Natural"}
`

func newTestService(t *testing.T) (*Service, *blobstore.InMemoryBlobStore, *telemetry.Recorder) {
	t.Helper()
	store := blobstore.NewInMemoryBlobStore()
	metrics := telemetry.NewRecorder("fhir")
	return NewService(store, zerolog.Nop(), metrics), store, metrics
}

func TestParseOutputFormat(t *testing.T) {
	for in, want := range map[string]string{"": "bundle", "Bundle": "bundle", "ndjson": "ndjson"} {
		got, err := ParseOutputFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseOutputFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseOutputFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestService_Run_Bundle(t *testing.T) {
	svc, store, metrics := newTestService(t)
	store.Put("in/records.jsonl", []byte(serviceInput))

	result, err := svc.Run(context.Background(), Job{
		SourcePath: "in/records.jsonl",
		OutputPath: "out/bundle.json",
		Options:    Options{FilterDrugRelated: true},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Bundle.Entry) != 2 {
		t.Errorf("expected 2 entries, got %d", len(result.Bundle.Entry))
	}
	if result.Validation == nil || !result.Validation.Valid {
		t.Errorf("expected a valid bundle, got %+v", result.Validation)
	}
	if result.Output.Hash == "" || result.Output.ContentType != "application/fhir+json" {
		t.Errorf("unexpected output metadata %+v", result.Output)
	}

	data, err := blobstore.ReadAll(context.Background(), store, "out/bundle.json")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("{\n    \"resourceType\": \"Bundle\"")) {
		t.Errorf("expected 4-space indented bundle, got %q", data[:40])
	}
	parsed, err := fhir.ParseBundle(data)
	if err != nil {
		t.Fatalf("ParseBundle: %v", err)
	}
	if parsed.Type != fhir.BundleTypeTransaction || len(parsed.Entry) != 2 {
		t.Errorf("unexpected parsed bundle %s with %d entries", parsed.Type, len(parsed.Entry))
	}
	if metrics.Get(telemetry.RecordsConverted) != 1 {
		t.Errorf("records_converted = %d", metrics.Get(telemetry.RecordsConverted))
	}
}

func TestService_Run_NDJSON(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.Put("in/records.jsonl", []byte(serviceInput))

	_, err := svc.Run(context.Background(), Job{
		SourcePath:   "in/records.jsonl",
		OutputPath:   "out/resources.ndjson",
		OutputFormat: OutputFormatNDJSON,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, _ := blobstore.ReadAll(context.Background(), store, "out/resources.ndjson")

	var types []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(sc.Bytes(), &head); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		types = append(types, head.ResourceType)
	}
	want := []string{"Patient", "Observation", "Patient", "Observation"}
	if len(types) != len(want) {
		t.Fatalf("expected %d lines, got %v", len(want), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("line %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestService_Run_EmptyBundleIsWritten(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.Put("in/records.jsonl", []byte(`{"CaseIdentifier": 2, "CaseNum": "A2", "DeathType": "Natural"}`))

	result, err := svc.Run(context.Background(), Job{
		SourcePath: "in/records.jsonl",
		OutputPath: "out/bundle.json",
		Options:    Options{FilterDrugRelated: true},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Validation != nil {
		t.Error("empty bundles are not validated")
	}
	data, _ := blobstore.ReadAll(context.Background(), store, "out/bundle.json")
	if !bytes.Contains(data, []byte(`"entry": []`)) {
		t.Errorf("expected an empty entry array, got %s", data)
	}
}

func TestService_Run_FormatOverride(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.Put("in/export.txt", []byte("CaseIdentifier,CaseNum\n5,B5\n"))

	result, err := svc.Run(context.Background(), Job{
		SourcePath:  "in/export.txt",
		OutputPath:  "out/bundle.json",
		InputFormat: record.FormatCSV,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Bundle.Entry) != 2 {
		t.Errorf("expected 2 entries, got %d", len(result.Bundle.Entry))
	}
}

func TestService_Run_Errors(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.Put("in/export.txt", []byte("x"))
	store.Put("in/bad.jsonl", []byte("{\"CaseIdentifier\": 1}\n"))

	cases := []struct {
		name string
		job  Job
		want error
	}{
		{"unknown extension", Job{SourcePath: "in/export.txt", OutputPath: "o.json"}, record.ErrUnsupportedFormat},
		{"missing source", Job{SourcePath: "in/none.jsonl", OutputPath: "o.json"}, blobstore.ErrBlobNotFound},
		{"missing field", Job{SourcePath: "in/bad.jsonl", OutputPath: "o.json"}, ErrMissingRequiredField},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Run(context.Background(), tc.job); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if _, err := svc.Run(context.Background(), Job{SourcePath: "in/bad.jsonl"}); err == nil {
		t.Error("expected error without output path")
	}
	if _, err := blobstore.ReadAll(context.Background(), store, "o.json"); !errors.Is(err, blobstore.ErrBlobNotFound) {
		t.Errorf("failed runs must not write output, got %v", err)
	}
}

func TestMissingColumns(t *testing.T) {
	header := []string{"CaseIdentifier", "Age"}
	got := MissingColumns(header, Options{FilterDrugRelated: true})
	if len(got) != 2 || got[0] != "CaseNum" || got[1] != "DeathType" {
		t.Errorf("MissingColumns = %v", got)
	}
	if got := MissingColumns(header, Options{}); len(got) != 1 || got[0] != "CaseNum" {
		t.Errorf("MissingColumns without filter = %v", got)
	}
	if got := MissingColumns([]string{"CaseIdentifier", "CaseNum"}, Options{}); len(got) != 0 {
		t.Errorf("expected no missing columns, got %v", got)
	}
}

func TestService_Run_WarnsOnMissingCSVColumns(t *testing.T) {
	var logs bytes.Buffer
	store := blobstore.NewInMemoryBlobStore()
	svc := NewService(store, zerolog.New(&logs), telemetry.NewRecorder("fhir"))
	store.Put("in/export.csv", []byte("CaseIdentifier,CaseNum\n5,B5\n"))

	if _, err := svc.Run(context.Background(), Job{
		SourcePath: "in/export.csv",
		OutputPath: "out/bundle.json",
		Options:    Options{FilterDrugRelated: true},
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var warned bool
	sc := bufio.NewScanner(&logs)
	for sc.Scan() {
		var line map[string]interface{}
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("bad log line %q: %v", sc.Text(), err)
		}
		if line["level"] == "warn" && line["column"] == "DeathType" {
			warned = true
		}
	}
	if !warned {
		t.Errorf("expected a DeathType column warning, got:\n%s", logs.String())
	}
}
