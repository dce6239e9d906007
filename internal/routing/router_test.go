package routing

import (
	"strings"
	"testing"

	"github.com/mapdev/ingestd/internal/config"
)

func defaultCfg() config.RoutingConfig {
	return config.RoutingConfig{
		Enabled:     true,
		Regex:       `^([A-Za-z]{2})(\d)(?:\d+)?$`,
		Template:    "${g1}${g2}",
		TablePrefix: "staging",
	}
}

func mustRouter(t *testing.T, cfg config.RoutingConfig) *Router {
	t.Helper()
	r, err := NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	return r
}

func TestNewRouter_BadPattern(t *testing.T) {
	cfg := defaultCfg()
	cfg.Regex = "([unclosed"
	if _, err := NewRouter(cfg); err == nil {
		t.Fatal("NewRouter() expected error for invalid regex")
	}
}

func TestStem(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"PM162.csv", "PM162"},
		{"PM162.csv.gz", "PM162"},
		{"im262.ZIP", "im262"},
		{"/incoming/upload/PM162.tsv", "PM162"},
		{"PM162_2026-08-30_14-05-22.csv", "PM162"},
		{"report_2026-08-30_14-05-22", "report"},
		{"noext", "noext"},
	}

	for _, tt := range tests {
		if got := Stem(tt.in); got != tt.want {
			t.Errorf("Stem(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveTable_PatternMatch(t *testing.T) {
	r := mustRouter(t, defaultCfg())

	tests := []struct {
		file string
		want string
	}{
		{"PM162.csv", "staging_pm1"},
		{"PM163.csv", "staging_pm1"},
		{"pm162.csv", "staging_pm1"},
		{"IM262.tsv", "staging_im2"},
		{"IM2.csv", "staging_im2"},
		{"PM162.csv.gz", "staging_pm1"},
		{"PM162_2026-08-30_14-05-22.csv", "staging_pm1"},
	}

	for _, tt := range tests {
		if got := r.ResolveTable(tt.file); got != tt.want {
			t.Errorf("ResolveTable(%q) = %q, want %q", tt.file, got, tt.want)
		}
	}
}

func TestResolveTable_Fallback(t *testing.T) {
	r := mustRouter(t, defaultCfg())

	tests := []struct {
		file string
		want string
	}{
		{"customer data (2024).csv", "customer_data_2024"},
		{"Sales-Report.csv", "sales_report"},
		{"PMX162.csv", "pmx162"}, // three letters, no pattern match
		{"___.csv", "csv_data"},
		{"-.csv", "csv_data"},
	}

	for _, tt := range tests {
		if got := r.ResolveTable(tt.file); got != tt.want {
			t.Errorf("ResolveTable(%q) = %q, want %q", tt.file, got, tt.want)
		}
	}
}

func TestResolveTable_TruncatesLongNames(t *testing.T) {
	r := mustRouter(t, defaultCfg())

	long := strings.Repeat("a", 100) + ".csv"
	got := r.ResolveTable(long)
	if len(got) != 63 {
		t.Errorf("ResolveTable(long) length = %d, want 63", len(got))
	}
	if got != strings.Repeat("a", 63) {
		t.Errorf("ResolveTable(long) = %q", got)
	}
}

func TestResolveTable_Disabled(t *testing.T) {
	cfg := defaultCfg()
	cfg.Enabled = false
	r := mustRouter(t, cfg)

	if got := r.ResolveTable("PM162.csv"); got != "pm162" {
		t.Errorf("ResolveTable with routing disabled = %q, want %q", got, "pm162")
	}
}

func TestPattern(t *testing.T) {
	r := mustRouter(t, defaultCfg())

	tests := []struct {
		file string
		want string
	}{
		{"PM162.csv", "PM1"},
		{"pm162.csv", "PM1"},
		{"IM262.csv", "IM2"},
		{"unmatched_name.csv", ""},
		{"PM162.zip", "PM1"},
	}

	for _, tt := range tests {
		if got := r.Pattern(tt.file); got != tt.want {
			t.Errorf("Pattern(%q) = %q, want %q", tt.file, got, tt.want)
		}
	}
}

func TestPattern_Disabled(t *testing.T) {
	cfg := defaultCfg()
	cfg.Enabled = false
	r := mustRouter(t, cfg)

	if got := r.Pattern("PM162.csv"); got != "" {
		t.Errorf("Pattern with routing disabled = %q, want empty", got)
	}
}
