package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/cucumber/godog"
	"gopkg.in/yaml.v3"

	"github.com/dcmpipe/dcmpipe/internal/heuristic/declarative"
)

// binaryPath holds the compiled dcmpipe binary's path, set once in TestMain.
var binaryPath string

func buildBinary() (string, error) {
	tmpFile, err := os.CreateTemp("", "dcmpipe-e2e-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpFile.Close()

	_, thisFile, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(thisFile), "..", "..")

	cmd := exec.Command("go", "build", "-o", tmpFile.Name(), "./cmd/dcmpipe")
	cmd.Dir = projectRoot
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("build failed: %w\n%s", err, stderr.String())
	}
	return tmpFile.Name(), nil
}

func TestMain(m *testing.M) {
	var err error
	binaryPath, err = buildBinary()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build binary: %v\n", err)
		os.Exit(1)
	}
	defer os.Remove(binaryPath)

	os.Exit(m.Run())
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"../../features"},
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

// cmdResult is one dcmpipe invocation's outcome.
type cmdResult struct {
	output   string
	exitCode int
}

// testContext holds one scenario's accumulated fixtures, heuristic rules,
// and the most recent run's (or concurrent runs') results.
type testContext struct {
	tmpDir    string
	outputDir string

	rules     []declarative.Rule
	fallback  *declarative.Rule
	filters   []string
	ifMatch   string
	ifCrit    string

	seriesCount map[string]int

	last        cmdResult
	concurrent  []cmdResult
	concurrentMu sync.Mutex
}

func InitializeScenario(sc *godog.ScenarioContext) {
	tc := &testContext{seriesCount: map[string]int{}}

	sc.Before(func(ctx context.Context, s *godog.Scenario) (context.Context, error) {
		tmpDir, err := os.MkdirTemp("", "dcmpipe-e2e-*")
		if err != nil {
			return ctx, err
		}
		tc.tmpDir = tmpDir
		tc.outputDir = filepath.Join(tmpDir, "bids")
		tc.seriesCount = map[string]int{}
		return ctx, nil
	})
	sc.After(func(ctx context.Context, s *godog.Scenario, err error) (context.Context, error) {
		if tc.tmpDir != "" {
			os.RemoveAll(tc.tmpDir)
		}
		return ctx, nil
	})

	sc.Step(`^the following DICOM series are available for subject "([^"]*)":$`, tc.seriesAvailableForSubject)
	sc.Step(`^the heuristic has the rule:$`, tc.heuristicHasTheRule)
	sc.Step(`^the heuristic has the fallback rule:$`, tc.heuristicHasTheFallbackRule)
	sc.Step(`^the heuristic filters protocols containing "([^"]*)"$`, tc.heuristicFiltersProtocolsContaining)
	sc.Step(`^the heuristic sets intended_for_matching to "([^"]*)" and intended_for_criterion to "([^"]*)"$`, tc.heuristicSetsIntendedFor)
	sc.Step(`^the heuristic rules are reset$`, tc.heuristicRulesAreReset)
	sc.Step(`^I run dcmpipe for subject "([^"]*)" with grouping "([^"]*)" and converter "([^"]*)"$`, tc.iRunDcmpipeFor)
	sc.Step(`^I run dcmpipe for subject "([^"]*)" session "([^"]*)" with grouping "([^"]*)" and converter "([^"]*)"$`, tc.iRunDcmpipeForSession)
	sc.Step(`^I run dcmpipe concurrently for subjects "([^"]*)" and "([^"]*)" with grouping "([^"]*)" and converter "([^"]*)"$`, tc.iRunDcmpipeConcurrentlyForSubjects)
	sc.Step(`^the run should succeed$`, tc.theRunShouldSucceed)
	sc.Step(`^the run should fail$`, tc.theRunShouldFail)
	sc.Step(`^both runs should succeed$`, tc.bothRunsShouldSucceed)
	sc.Step(`^the output should report "([^"]*)" for subject "([^"]*)"$`, tc.theOutputShouldReportForSubject)
	sc.Step(`^the dataset should contain a file matching "([^"]*)"$`, tc.datasetShouldContainMatching)
	sc.Step(`^the dataset should not contain a file matching "([^"]*)"$`, tc.datasetShouldNotContainMatching)
	sc.Step(`^exactly (\d+) files? should match "([^"]*)"$`, tc.exactlyNFilesShouldMatch)
	sc.Step(`^participants\.tsv should list subjects "([^"]*)" and "([^"]*)"$`, tc.participantsFileShouldListSubjects)
	sc.Step(`^the fmap sidecar matching "([^"]*)" should have IntendedFor containing "([^"]*)"$`, tc.fmapSidecarShouldHaveIntendedForContaining)
}

func (tc *testContext) inputDir(subject string) string {
	return filepath.Join(tc.tmpDir, "input", "sub-"+subject)
}

func parseTable(t *godog.Table) (header []string, rows [][]string) {
	for _, c := range t.Rows[0].Cells {
		header = append(header, c.Value)
	}
	for _, r := range t.Rows[1:] {
		var row []string
		for _, c := range r.Cells {
			row = append(row, c.Value)
		}
		rows = append(rows, row)
	}
	return header, rows
}

func col(header, row []string, name string) string {
	for i, h := range header {
		if h == name && i < len(row) {
			return row[i]
		}
	}
	return ""
}

func (tc *testContext) seriesAvailableForSubject(subject string, table *godog.Table) error {
	header, rows := parseTable(table)
	for _, row := range rows {
		seriesNum := tc.seriesCount[subject] + 1
		tc.seriesCount[subject] = seriesNum
		if s := col(header, row, "series"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return fmt.Errorf("bad series number %q: %w", s, err)
			}
			seriesNum = n
		}

		rows_, cols_ := 8, 8
		if v := col(header, row, "rows"); v != "" {
			rows_, _ = strconv.Atoi(v)
		}
		if v := col(header, row, "cols"); v != "" {
			cols_, _ = strconv.Atoi(v)
		}

		var imageType []string
		if v := col(header, row, "imagetype"); v != "" {
			imageType = strings.Split(v, ",")
		}

		var echoTimes []float64
		if v := col(header, row, "echoes"); v != "" {
			for _, part := range strings.Split(v, ",") {
				f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
				if err != nil {
					return fmt.Errorf("bad echo time %q: %w", part, err)
				}
				echoTimes = append(echoTimes, f)
			}
		}

		fixture := seriesFixture{
			StudyUID:          "1.2.826.0.1." + col(header, row, "study"),
			SeriesUID:         fmt.Sprintf("1.2.826.0.1.%s.%d", col(header, row, "study"), seriesNum),
			AccessionNumber:   col(header, row, "accession"),
			PatientID:         subject,
			PatientAge:        "030Y",
			PatientSex:        "F",
			Modality:          col(header, row, "modality"),
			SeriesNumber:      seriesNum,
			SeriesDescription: col(header, row, "description"),
			ProtocolName:      col(header, row, "protocol"),
			ImageType:         imageType,
			AcquisitionDate:   col(header, row, "date"),
			AcquisitionTime:   col(header, row, "time"),
			Rows:              rows_,
			Columns:           cols_,
			EchoTimes:         echoTimes,
			Diffusion:         col(header, row, "diffusion") == "yes",
		}
		if err := writeSeries(tc.inputDir(subject), fixture); err != nil {
			return fmt.Errorf("writing series fixture: %w", err)
		}
	}
	return nil
}

func (tc *testContext) heuristicHasTheRule(table *godog.Table) error {
	header, rows := parseTable(table)
	for _, row := range rows {
		var outtypes []string
		if v := col(header, row, "outtypes"); v != "" {
			outtypes = strings.Split(v, ",")
		}
		tc.rules = append(tc.rules, declarative.Rule{
			Match: declarative.Match{
				ProtocolContains:          col(header, row, "protocol_contains"),
				SeriesDescriptionContains: col(header, row, "series_description_contains"),
				ImageTypeContains:         col(header, row, "image_type_contains"),
				Modality:                  col(header, row, "modality"),
			},
			Template: col(header, row, "template"),
			OutTypes: outtypes,
		})
	}
	return nil
}

func (tc *testContext) heuristicHasTheFallbackRule(table *godog.Table) error {
	header, rows := parseTable(table)
	if len(rows) != 1 {
		return fmt.Errorf("fallback rule table must have exactly one row, got %d", len(rows))
	}
	var outtypes []string
	if v := col(header, rows[0], "outtypes"); v != "" {
		outtypes = strings.Split(v, ",")
	}
	tc.fallback = &declarative.Rule{Template: col(header, rows[0], "template"), OutTypes: outtypes}
	return nil
}

func (tc *testContext) heuristicFiltersProtocolsContaining(substr string) error {
	tc.filters = append(tc.filters, substr)
	return nil
}

func (tc *testContext) heuristicSetsIntendedFor(matching, criterion string) error {
	tc.ifMatch = matching
	tc.ifCrit = criterion
	return nil
}

func (tc *testContext) heuristicRulesAreReset() error {
	tc.rules = nil
	tc.fallback = nil
	tc.filters = nil
	tc.ifMatch, tc.ifCrit = "", ""
	return nil
}

func (tc *testContext) writeHeuristicFile() (string, error) {
	doc := declarative.Doc{
		Rules:                tc.rules,
		Fallback:             tc.fallback,
		FilterProtocols:      tc.filters,
		IntendedForMatching:  tc.ifMatch,
		IntendedForCriterion: tc.ifCrit,
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshaling heuristic: %w", err)
	}
	path := filepath.Join(tc.tmpDir, "heuristic.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing heuristic: %w", err)
	}
	return path, nil
}

func (tc *testContext) runDcmpipe(extraArgs ...string) (cmdResult, error) {
	heuristicPath, err := tc.writeHeuristicFile()
	if err != nil {
		return cmdResult{}, err
	}
	args := append([]string{"run", "--heuristic", heuristicPath, "--outdir", tc.outputDir}, extraArgs...)

	cmd := exec.Command(binaryPath, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	err = cmd.Run()

	result := cmdResult{output: output.String()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.exitCode = exitErr.ExitCode()
	} else if err != nil {
		return result, fmt.Errorf("running dcmpipe: %w", err)
	}
	return result, nil
}

func (tc *testContext) iRunDcmpipeFor(subject, grouping, converter string) error {
	result, err := tc.runDcmpipe("--grouping", grouping, "--converter", converter, "--subjects", subject, tc.inputDir(subject))
	if err != nil {
		return err
	}
	tc.last = result
	return nil
}

func (tc *testContext) iRunDcmpipeForSession(subject, session, grouping, converter string) error {
	result, err := tc.runDcmpipe("--grouping", grouping, "--converter", converter, "--subjects", subject, "--ses", session, tc.inputDir(subject))
	if err != nil {
		return err
	}
	tc.last = result
	return nil
}

func (tc *testContext) iRunDcmpipeConcurrentlyForSubjects(subjA, subjB, grouping, converter string) error {
	tc.concurrent = nil
	var wg sync.WaitGroup
	errs := make([]error, 2)
	subjects := []string{subjA, subjB}
	for i, subj := range subjects {
		wg.Add(1)
		go func(i int, subj string) {
			defer wg.Done()
			result, err := tc.runDcmpipe("--grouping", grouping, "--converter", converter, "--subjects", subj, tc.inputDir(subj))
			errs[i] = err
			tc.concurrentMu.Lock()
			tc.concurrent = append(tc.concurrent, result)
			tc.concurrentMu.Unlock()
		}(i, subj)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (tc *testContext) theRunShouldSucceed() error {
	if tc.last.exitCode != 0 {
		return fmt.Errorf("expected exit code 0, got %d\noutput:\n%s", tc.last.exitCode, tc.last.output)
	}
	return nil
}

func (tc *testContext) theRunShouldFail() error {
	if tc.last.exitCode == 0 {
		return fmt.Errorf("expected a non-zero exit code\noutput:\n%s", tc.last.output)
	}
	return nil
}

func (tc *testContext) bothRunsShouldSucceed() error {
	if len(tc.concurrent) != 2 {
		return fmt.Errorf("expected 2 concurrent run results, got %d", len(tc.concurrent))
	}
	for _, r := range tc.concurrent {
		if r.exitCode != 0 {
			return fmt.Errorf("expected exit code 0, got %d\noutput:\n%s", r.exitCode, r.output)
		}
	}
	return nil
}

func (tc *testContext) theOutputShouldReportForSubject(expected, subject string) error {
	needle := fmt.Sprintf("subject %s: %s", subject, expected)
	if !strings.Contains(tc.last.output, needle) {
		return fmt.Errorf("output does not contain %q\noutput:\n%s", needle, tc.last.output)
	}
	return nil
}

func (tc *testContext) datasetShouldContainMatching(pattern string) error {
	matches, err := filepath.Glob(filepath.Join(tc.outputDir, pattern))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("no file matched %q under %s", pattern, tc.outputDir)
	}
	return nil
}

func (tc *testContext) datasetShouldNotContainMatching(pattern string) error {
	matches, err := filepath.Glob(filepath.Join(tc.outputDir, pattern))
	if err != nil {
		return err
	}
	if len(matches) != 0 {
		return fmt.Errorf("expected no file to match %q, found %v", pattern, matches)
	}
	return nil
}

func (tc *testContext) exactlyNFilesShouldMatch(n int, pattern string) error {
	matches, err := filepath.Glob(filepath.Join(tc.outputDir, pattern))
	if err != nil {
		return err
	}
	if len(matches) != n {
		return fmt.Errorf("expected %d matches for %q, got %d: %v", n, pattern, len(matches), matches)
	}
	return nil
}

func (tc *testContext) participantsFileShouldListSubjects(subjA, subjB string) error {
	data, err := os.ReadFile(filepath.Join(tc.outputDir, "participants.tsv"))
	if err != nil {
		return fmt.Errorf("reading participants.tsv: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	var ids []string
	for _, line := range lines[1:] {
		ids = append(ids, strings.SplitN(line, "\t", 2)[0])
	}
	sort.Strings(ids)
	for _, want := range []string{"sub-" + subjA, "sub-" + subjB} {
		found := false
		for _, id := range ids {
			if id == want {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("participants.tsv missing %s, has %v", want, ids)
		}
	}
	return nil
}

func (tc *testContext) fmapSidecarShouldHaveIntendedForContaining(pattern, wantSubstr string) error {
	matches, err := filepath.Glob(filepath.Join(tc.outputDir, pattern))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("no fmap sidecar matched %q under %s", pattern, tc.outputDir)
	}
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return fmt.Errorf("reading %s: %w", m, err)
		}
		var sidecar struct {
			IntendedFor []string `json:"IntendedFor"`
		}
		if err := json.Unmarshal(data, &sidecar); err != nil {
			return fmt.Errorf("parsing %s: %w", m, err)
		}
		for _, entry := range sidecar.IntendedFor {
			if strings.Contains(entry, wantSubstr) {
				return nil
			}
		}
	}
	return fmt.Errorf("no IntendedFor entry containing %q found in sidecars matching %q", wantSubstr, pattern)
}
