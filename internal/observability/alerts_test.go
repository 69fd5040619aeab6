package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	jobmetrics "github.com/odyssey-erp/odyssey-pdv/internal/jobs"
)

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type alertFile struct {
	Groups []struct {
		Name  string      `yaml:"name"`
		Rules []alertRule `yaml:"rules"`
	} `yaml:"groups"`
}

var metricName = regexp.MustCompile(`pdv_[a-z0-9_]+`)

func loadStationRules(t *testing.T) []alertRule {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "..", "deploy", "prometheus", "alerts", "pdv.yml"))
	require.NoError(t, err)
	var file alertFile
	require.NoError(t, yaml.Unmarshal(data, &file))
	for _, g := range file.Groups {
		if g.Name == "pdv" {
			return g.Rules
		}
	}
	t.Fatal("pdv alert group missing")
	return nil
}

func TestStationAlertRules(t *testing.T) {
	severities := map[string]string{
		"PrinterFaults":    "critical",
		"CheckoutFailures": "warning",
		"JobFailures":      "warning",
	}
	rules := loadStationRules(t)
	require.Len(t, rules, len(severities))

	runbook, err := os.ReadFile(filepath.Join("..", "..", "docs", "runbook-pdv.md"))
	require.NoError(t, err)

	for _, rule := range rules {
		want, ok := severities[rule.Alert]
		require.Truef(t, ok, "unexpected rule %q", rule.Alert)
		require.Equal(t, want, rule.Labels["severity"], rule.Alert)
		require.NotEmpty(t, rule.Expr, rule.Alert)
		require.NotEmpty(t, rule.For, rule.Alert)
		require.NotEmpty(t, rule.Annotations["summary"], rule.Alert)
		require.NotEmpty(t, rule.Annotations["description"], rule.Alert)

		link := rule.Annotations["runbook"]
		require.Regexp(t, `^docs/runbook-pdv\.md#[a-z-]+$`, link, rule.Alert)
		anchor := link[len("docs/runbook-pdv.md#"):]
		require.Regexp(t, `(?mi)^#+ `+regexp.QuoteMeta(anchor)+`\s*$`, string(runbook), rule.Alert)
	}
}

// Every metric an alert reads must be exported by the station.
func TestAlertRulesReferenceExportedMetrics(t *testing.T) {
	m := NewMetrics()
	jm := jobmetrics.NewMetrics(m.Registerer())
	m.ObservePrinterCall("open_coupon", time.Millisecond, nil)
	m.ObserveCheckout("failed", time.Millisecond)
	_ = jm.Track("cat52_export").End(errors.New("boom"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)

	for _, rule := range loadStationRules(t) {
		names := metricName.FindAllString(rule.Expr, -1)
		require.NotEmpty(t, names, rule.Alert)
		for _, name := range names {
			require.Containsf(t, string(body), name, "%s reads %s", rule.Alert, name)
		}
	}
}
