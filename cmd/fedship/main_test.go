package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bft-labs/fedship/pkg/client"
	"github.com/bft-labs/fedship/pkg/fedship"
	"github.com/bft-labs/fedship/pkg/params"
)

func startServer(t *testing.T, token string) *fedship.Server {
	t.Helper()
	cfg := fedship.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.AdminToken = token

	srv, err := fedship.New(cfg, fedship.WithSeed(func(context.Context) (*params.State, error) {
		s := params.New()
		s.Set("w", params.Full([]int{2}, 0))
		return s, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// Keep the user's config file out of tests.
	t.Setenv("HOME", t.TempDir())

	root := newRootCmd(newCLI())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeModel(t *testing.T, dir, name string, v float64) string {
	t.Helper()
	s := params.New()
	s.Set("w", params.Full([]int{2}, v))
	b, err := params.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCLI_RoundTrip(t *testing.T) {
	srv := startServer(t, "tok")
	server := "http://" + srv.Addr()
	dir := t.TempDir()

	a := writeModel(t, dir, "a.bin", 4)
	b := writeModel(t, dir, "b.bin", 0)

	out, err := run(t, "upload", "--server", server, "--client-id", "a", "--round", "1", "--dataset-size", "1", a)
	if err != nil {
		t.Fatalf("upload a: %v (%s)", err, out)
	}
	var up client.UploadResult
	if err := json.Unmarshal([]byte(out), &up); err != nil {
		t.Fatalf("decode upload output: %v", err)
	}
	if !up.Success || up.Round != 1 || up.ClientID != "a" {
		t.Errorf("upload result = %+v", up)
	}
	if _, err := run(t, "upload", "--server", server, "--client-id", "b", "--round", "1", "--dataset-size", "3", b); err != nil {
		t.Fatalf("upload b: %v", err)
	}

	out, err = run(t, "contributions", "--server", server, "1")
	if err != nil {
		t.Fatalf("contributions: %v", err)
	}
	var contribs []client.ContributionEntry
	if err := json.Unmarshal([]byte(out), &contribs); err != nil {
		t.Fatalf("decode contributions: %v", err)
	}
	if len(contribs) != 2 {
		t.Errorf("contributions = %d, want 2", len(contribs))
	}

	if _, err := run(t, "aggregate", "--server", server); err == nil {
		t.Error("aggregate without token succeeded")
	}
	out, err = run(t, "aggregate", "--server", server, "--admin-token", "tok")
	if err != nil {
		t.Fatalf("aggregate: %v (%s)", err, out)
	}
	var agg client.AggregateResult
	if err := json.Unmarshal([]byte(out), &agg); err != nil {
		t.Fatalf("decode aggregate: %v", err)
	}
	if agg.Round != 1 || agg.NextRound != 2 || len(agg.Used) != 2 {
		t.Errorf("aggregate result = %+v", agg)
	}

	dest := filepath.Join(dir, "global.bin")
	if _, err := run(t, "download", "--server", server, "-o", dest); err != nil {
		t.Fatalf("download: %v", err)
	}
	raw, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	got, err := params.Unmarshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !params.Equal(got, func() *params.State {
		s := params.New()
		s.Set("w", params.Full([]int{2}, 1))
		return s
	}()) {
		t.Errorf("downloaded model = %+v, want all 1.0", got)
	}

	out, err = run(t, "status", "--server", server)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st client.ServerStatus
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.NextRound != 2 || st.LatestRound == nil || *st.LatestRound != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestCLI_ArgumentErrors(t *testing.T) {
	dir := t.TempDir()
	model := writeModel(t, dir, "m.bin", 1)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"upload without client id", []string{"upload", model}, "--client-id"},
		{"bad round", []string{"contributions", "abc"}, "non-negative"},
		{"reaggregate needs round", []string{"aggregate", "--reaggregate"}, "explicit round"},
		{"missing config file", []string{"status", "--config", filepath.Join(dir, "nope.toml")}, "not found"},
		{"bad log level", []string{"status", "--log-level", "loud"}, "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestCLI_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := "server_url = \"http://from-file:1\"\nlog_level = \"warn\"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FEDSHIP_LOG_LEVEL", "error")

	t.Setenv("HOME", t.TempDir())

	c := newCLI()
	root := newRootCmd(c)
	args := []string{"--config", path, "--server", "http://from-flag:2"}
	if err := root.ParseFlags(args); err != nil {
		t.Fatal(err)
	}
	if err := c.load(root); err != nil {
		t.Fatal(err)
	}

	if c.cfg.ServerURL != "http://from-flag:2" {
		t.Errorf("ServerURL = %v, flag should win", c.cfg.ServerURL)
	}
	if c.cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %v, env should beat file", c.cfg.LogLevel)
	}
	if c.loadedPath != path {
		t.Errorf("loadedPath = %v, want %v", c.loadedPath, path)
	}
}
