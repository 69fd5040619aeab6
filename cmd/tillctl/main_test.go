package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pdv/internal/app"
	"github.com/odyssey-erp/odyssey-pdv/internal/prompt"
	_ "github.com/odyssey-erp/odyssey-pdv/internal/testing/guard"
)

func TestMainSkipsInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	main()
}

type harness struct {
	cfg *app.Config
	out *bytes.Buffer
	r   *runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &app.Config{
		Timezone:      "UTC",
		BranchName:    "matriz",
		StationName:   "caixa-05",
		PrinterBrand:  "Virtual",
		PrinterModel:  "Virtual Printer",
		PrinterSerial: "VIRTUAL0001",
		CAT52Dir:      t.TempDir(),
	}
	h := &harness{cfg: cfg, out: &bytes.Buffer{}}
	h.r = &runner{cfg: cfg, out: h.out, keep: true, open: func(ctx context.Context) (*app.Station, error) {
		return app.OpenStation(ctx, app.StationOptions{Config: cfg, Prompter: &prompt.Scripted{}})
	}}
	t.Cleanup(func() {
		if h.r.station != nil {
			h.r.station.Close()
		}
	})
	return h
}

func (h *harness) run(args ...string) (string, error) {
	h.out.Reset()
	err := newApp(h.r).Run(append([]string{"tillctl"}, args...))
	return h.out.String(), err
}

func TestTillctlSession(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("status")
	require.NoError(t, err)
	require.Contains(t, out, "no till")

	out, err = h.run("open", "--cash", "50.00")
	require.NoError(t, err)
	require.Contains(t, out, "till opened with 50.00")

	out, err = h.run("add-cash", "--value", "10", "--reason", "troco")
	require.NoError(t, err)
	require.Contains(t, out, "balance 60.00")

	_, err = h.run("remove-cash", "--value", "100")
	require.Error(t, err)

	out, err = h.run("param", "ENABLE_PAULISTA_INVOICE", "true")
	require.NoError(t, err)
	require.Contains(t, out, "ENABLE_PAULISTA_INVOICE = true")

	out, err = h.run("reconcile")
	require.NoError(t, err)
	require.Contains(t, out, "0 sale(s) without coupon")

	out, err = h.run("close")
	require.NoError(t, err)
	require.Contains(t, out, "till closed with 60.00")

	entries, err := os.ReadDir(h.cfg.CAT52Dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	day := time.Now().UTC().Format("2006-01-02")
	out, err = h.run("export-cat52", "--day", day)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(h.cfg.CAT52Dir, "VIRTUAL0001_"+time.Now().UTC().Format("20060102")+".txt")+"\n", out)

	_, err = h.run("export-cat52", "--day", day, "--enqueue")
	require.ErrorContains(t, err, "REDIS_ADDR")
}
