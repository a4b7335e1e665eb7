package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"scribe/internal/attribution"
	"scribe/internal/config"
	"scribe/internal/forensics"
	"scribe/internal/profile"
	"scribe/internal/store"
	"scribe/internal/testcorpus"
)

// =============================================================================
// Helpers
// =============================================================================

// writeTestConfig writes a config that keeps every file inside a temp dir
// and uses the pure Go SQLite driver.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.Driver = store.DriverPure
	cfg.Storage.Path = filepath.Join(dir, "scribe.db")
	cfg.Logging.Level = "error"
	cfg.Logging.FilePath = filepath.Join(dir, "scribe.log")
	cfg.Logging.AuditPath = filepath.Join(dir, "audit.jsonl")

	path := filepath.Join(dir, "config.toml")
	if err := config.SaveConfig(cfg, path); err != nil {
		t.Fatalf("save config: %v", err)
	}
	return path
}

// resetFlags restores every flag to its default so executions do not leak
// state into each other.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetIn(strings.NewReader(stdin))
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func writeSample(t *testing.T, dir, name, text string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// =============================================================================
// Command tree
// =============================================================================

func TestRootCommandHasSubcommands(t *testing.T) {
	found := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		found[c.Name()] = true
	}
	for _, name := range []string{
		"fingerprint", "ingest", "attribute", "anomaly", "network",
		"profiles", "history", "serve", "watch", "config", "version",
	} {
		if !found[name] {
			t.Errorf("expected command %q to be registered", name)
		}
	}
}

func TestRootCommandHasPersistentFlags(t *testing.T) {
	for _, name := range []string{"config", "format", "log-level", "db", "memory"} {
		f := rootCmd.PersistentFlags().Lookup(name)
		if f == nil {
			t.Errorf("expected --%s flag to be registered", name)
			continue
		}
		if f.Usage == "" {
			t.Errorf("expected --%s flag to have usage text", name)
		}
	}
}

// =============================================================================
// Analysis commands
// =============================================================================

func TestFingerprintCommand(t *testing.T) {
	cfg := writeTestConfig(t)
	sample := writeSample(t, t.TempDir(), "essay.txt", testcorpus.Essay(0))

	out, err := execute(t, "", "--config", cfg, "--format", "json", "fingerprint", sample)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	var fp forensics.Fingerprint
	if err := json.Unmarshal([]byte(out), &fp); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if !strings.HasPrefix(fp.Version, "sfp1-") {
		t.Errorf("version = %q, want sfp1- prefix", fp.Version)
	}
	if fp.Dimensions() != forensics.DefaultCalibration().Dimensions() {
		t.Errorf("dimensions = %d", fp.Dimensions())
	}
}

func TestFingerprintStdinMatchesFile(t *testing.T) {
	cfg := writeTestConfig(t)
	sample := writeSample(t, t.TempDir(), "essay.txt", testcorpus.Essay(1))

	fromFile, err := execute(t, "", "--config", cfg, "-f", "json", "fingerprint", sample)
	if err != nil {
		t.Fatal(err)
	}
	fromStdin, err := execute(t, testcorpus.Essay(1), "--config", cfg, "-f", "json", "fingerprint", "-")
	if err != nil {
		t.Fatal(err)
	}

	var a, b forensics.Fingerprint
	json.Unmarshal([]byte(fromFile), &a)
	json.Unmarshal([]byte(fromStdin), &b)
	if a.ID == "" || a.ID != b.ID {
		t.Errorf("file id %q, stdin id %q", a.ID, b.ID)
	}
}

func TestFingerprintShortSample(t *testing.T) {
	cfg := writeTestConfig(t)
	sample := writeSample(t, t.TempDir(), "short.txt", "Too short to say much.")

	_, err := execute(t, "", "--config", cfg, "fingerprint", sample)
	if !errors.Is(err, forensics.ErrInsufficientSample) {
		t.Fatalf("err = %v, want insufficient sample", err)
	}
	if exitCode(err) != 2 {
		t.Errorf("exit code = %d, want 2", exitCode(err))
	}

	if _, err := execute(t, "", "--config", cfg, "fingerprint", "--allow-short", sample); err != nil {
		t.Errorf("--allow-short: %v", err)
	}
}

func TestIngestProfilesAndAttribute(t *testing.T) {
	cfg := writeTestConfig(t)
	dir := t.TempDir()
	var essays []string
	for v := 0; v < 3; v++ {
		essays = append(essays, writeSample(t, dir, "alice"+string(rune('a'+v))+".txt", testcorpus.Essay(v)))
	}
	shouty := writeSample(t, dir, "bob.txt", testcorpus.Shouty())

	if _, err := execute(t, "", append([]string{"--config", cfg, "ingest", "alice"}, essays...)...); err != nil {
		t.Fatalf("ingest alice: %v", err)
	}
	if _, err := execute(t, "", "--config", cfg, "ingest", "bob", shouty); err != nil {
		t.Fatalf("ingest bob: %v", err)
	}

	out, err := execute(t, "", "--config", cfg, "-f", "json", "profiles")
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	var profiles []*profile.Profile
	if err := json.Unmarshal([]byte(out), &profiles); err != nil {
		t.Fatalf("decode profiles: %v\n%s", err, out)
	}
	counts := make(map[string]int)
	for _, p := range profiles {
		counts[p.AuthorID] = p.SampleCount
	}
	if counts["alice"] != 3 || counts["bob"] != 1 {
		t.Errorf("sample counts = %v", counts)
	}

	query := writeSample(t, dir, "query.txt", testcorpus.Essay(4))
	out, err = execute(t, "", "--config", cfg, "-f", "json", "attribute", query)
	if err != nil {
		t.Fatalf("attribute: %v", err)
	}
	var res attribution.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode attribution: %v\n%s", err, out)
	}
	top, ok := res.Top()
	if !ok || top.AuthorID != "alice" {
		t.Errorf("top match = %+v, want alice", top)
	}

	out, err = execute(t, "", "--config", cfg, "-f", "json", "attribute", "--candidate", "bob", query)
	if err != nil {
		t.Fatalf("attribute --candidate: %v", err)
	}
	res = attribution.Result{}
	json.Unmarshal([]byte(out), &res)
	if len(res.Matches) != 1 || res.Matches[0].AuthorID != "bob" {
		t.Errorf("matches = %+v, want only bob", res.Matches)
	}

	out, err = execute(t, "", "--config", cfg, "-f", "json", "history", "--kind", "attribution")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var events []store.EventSummary
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatalf("decode history: %v\n%s", err, out)
	}
	if len(events) != 2 {
		t.Errorf("got %d attribution events, want 2", len(events))
	}
}

func TestIngestRequiresSamples(t *testing.T) {
	cfg := writeTestConfig(t)
	if _, err := execute(t, "", "--config", cfg, "ingest", "alice"); err == nil {
		t.Error("expected an error without sample files")
	}
}

func TestProfileDelete(t *testing.T) {
	cfg := writeTestConfig(t)
	sample := writeSample(t, t.TempDir(), "a.txt", testcorpus.Essay(0))
	if _, err := execute(t, "", "--config", cfg, "ingest", "alice", sample); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "", "--config", cfg, "profiles", "delete", "alice")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !strings.Contains(out, "Deleted alice") {
		t.Errorf("output = %q", out)
	}

	_, err = execute(t, "", "--config", cfg, "profiles", "show", "alice")
	if !errors.Is(err, forensics.ErrNotFound) {
		t.Errorf("show after delete: err = %v, want not found", err)
	}
}

func TestAnomalyNeedsSample(t *testing.T) {
	cfg := writeTestConfig(t)
	if _, err := execute(t, "", "--config", cfg, "anomaly", "alice"); err == nil {
		t.Error("expected an error without a sample or --fingerprint")
	}
}

// =============================================================================
// Network input
// =============================================================================

func TestReadAccountDir(t *testing.T) {
	root := t.TempDir()
	writeSample(t, root, "acct1/b.txt", "second post")
	writeSample(t, root, "acct1/a.txt", "first post")
	writeSample(t, root, "acct1/.hidden", "skipped")
	writeSample(t, root, "acct2/only.txt", "hello")
	writeSample(t, root, "empty/.keep", "")
	writeSample(t, root, "stray.txt", "not an account")

	accounts, err := readAccountDir(root, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 2 {
		t.Fatalf("got %d accounts, want 2: %+v", len(accounts), accounts)
	}
	if accounts[0].ID != "acct1" || accounts[0].Text != "first post\n\nsecond post" {
		t.Errorf("acct1 = %+v", accounts[0])
	}
	if len(accounts[0].Timestamps) != 2 {
		t.Errorf("acct1 timestamps = %v", accounts[0].Timestamps)
	}
	if accounts[1].ID != "acct2" {
		t.Errorf("second account = %q", accounts[1].ID)
	}

	accounts, err = readAccountDir(root, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts[0].Timestamps) != 0 {
		t.Errorf("timestamps without --mtime: %v", accounts[0].Timestamps)
	}
}

// =============================================================================
// Helpers and config commands
// =============================================================================

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"2026-02-01T00:00:00Z", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), false},
		{"24h", now.Add(-24 * time.Hour), false},
		{"90m", now.Add(-90 * time.Minute), false},
		{"-1h", time.Time{}, true},
		{"yesterday", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSince(tt.in, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHistoryRejectsUnknownKind(t *testing.T) {
	cfg := writeTestConfig(t)
	if _, err := execute(t, "", "--config", cfg, "history", "--kind", "bogus"); err == nil {
		t.Error("expected an error for an unknown kind")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&forensics.InvalidInputError{Reason: "x"}, 2},
		{forensics.ErrInsufficientSample, 2},
		{forensics.ErrNotFound, 2},
		{errors.New("disk full"), 1},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")
	t.Setenv("SCRIBE_DATA_DIR", dataDir)
	path := filepath.Join(t.TempDir(), "scribe.yaml")

	out, err := execute(t, "", "config", "init", path)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, path) {
		t.Errorf("init output = %q", out)
	}
	if info, err := os.Stat(dataDir); err != nil || !info.IsDir() {
		t.Errorf("data directory not created: %v", err)
	}
	if _, err := execute(t, "", "config", "init", path); err == nil {
		t.Error("expected init to refuse overwriting")
	}
	if _, err := execute(t, "", "config", "init", "--force", path); err != nil {
		t.Errorf("init --force: %v", err)
	}

	out, err = execute(t, "", "config", "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "is valid") {
		t.Errorf("validate output = %q", out)
	}

	bad := writeSample(t, t.TempDir(), "bad.toml", "[network]\nsimilarity_threshold = 7\n")
	if _, err := execute(t, "", "config", "validate", bad); err == nil {
		t.Error("expected validation to fail")
	}
}

func TestConfigShowJSON(t *testing.T) {
	cfg := writeTestConfig(t)
	out, err := execute(t, "", "--config", cfg, "-f", "json", "--db", "/tmp/elsewhere.db", "config", "show")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	var got config.Config
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if got.Storage.Path != "/tmp/elsewhere.db" {
		t.Errorf("storage path = %q, want the --db override", got.Storage.Path)
	}
}
