// Command tillctl operates the station till from a terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/odyssey-erp/odyssey-pdv/internal/app"
	"github.com/odyssey-erp/odyssey-pdv/internal/prompt"
	"github.com/odyssey-erp/odyssey-pdv/internal/store"
	"github.com/odyssey-erp/odyssey-pdv/internal/till"
	"github.com/odyssey-erp/odyssey-pdv/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping tillctl")
		return
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)
	opener := func(ctx context.Context) (*app.Station, error) {
		return app.OpenStation(ctx, app.StationOptions{
			Config:   cfg,
			Logger:   logger,
			Prompter: prompt.NewTerminal(os.Stdin, os.Stderr),
		})
	}
	if err := newApp(&runner{cfg: cfg, open: opener, out: os.Stdout}).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "tillctl:", err)
		os.Exit(1)
	}
}

type opener func(ctx context.Context) (*app.Station, error)

type runner struct {
	cfg     *app.Config
	open    opener
	out     io.Writer
	station *app.Station
	// keep holds the station open across runs.
	keep bool
}

func newApp(r *runner) *cli.App {
	valueFlags := []cli.Flag{
		&cli.StringFlag{Name: "value", Usage: "amount, e.g. 25.00", Required: true},
		&cli.StringFlag{Name: "reason", Usage: "printed on the fiscal document"},
	}
	return &cli.App{
		Name:      "tillctl",
		Usage:     "Operate the station till",
		Writer:    r.out,
		ErrWriter: r.out,
		Before:    r.before,
		After:     r.after,
		Commands: []*cli.Command{
			{Name: "status", Usage: "Show the till status", Action: r.status},
			{
				Name:  "open",
				Usage: "Open the till",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "cash", Usage: "initial cash amount", Value: "0"},
				},
				Action: r.openTill,
			},
			{
				Name:  "close",
				Usage: "Print the reduction Z and close the till",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "previous-day", Usage: "close a till left open on an earlier day"},
				},
				Action: r.closeTill,
			},
			{Name: "add-cash", Usage: "Supply cash to the till", Flags: valueFlags, Action: r.cash(true)},
			{Name: "remove-cash", Usage: "Withdraw cash from the till", Flags: valueFlags, Action: r.cash(false)},
			{
				Name:  "export-cat52",
				Usage: "Write the CAT52 file of a fiscal day",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "day", Usage: "fiscal day as YYYY-MM-DD", Required: true},
					&cli.BoolFlag{Name: "enqueue", Usage: "hand the export to the worker"},
				},
				Action: r.exportCAT52,
			},
			{Name: "reconcile", Usage: "List confirmed sales without a coupon", Action: r.reconcile},
			{
				Name:      "param",
				Usage:     "Set a business parameter",
				ArgsUsage: "KEY VALUE",
				Action:    r.setParam,
			},
		},
	}
}

func (r *runner) before(c *cli.Context) error {
	if r.station != nil {
		return nil
	}
	station, err := r.open(c.Context)
	if err != nil {
		return err
	}
	r.station = station
	return nil
}

func (r *runner) after(*cli.Context) error {
	if r.station != nil && !r.keep {
		r.station.Close()
		r.station = nil
	}
	return nil
}

// inStore runs fn and commits when it succeeds.
func (r *runner) inStore(ctx context.Context, fn func(*store.Store) error) error {
	st, err := r.station.Stores.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		_ = st.Rollback(ctx, true)
		return err
	}
	return st.Commit(ctx, true)
}

func (r *runner) status(c *cli.Context) error {
	ctx := c.Context
	return r.inStore(ctx, func(st *store.Store) error {
		needs, err := r.station.Tills.NeedsClosing(ctx, st, r.station.ID)
		if err != nil {
			return err
		}
		tl, err := r.station.Tills.LastOpened(ctx, st, r.station.ID)
		if errors.Is(err, till.ErrNoTill) {
			fmt.Fprintf(r.out, "station %s: no till\n", r.station.Name)
			return nil
		}
		if err != nil {
			return err
		}
		balance, err := r.station.Tills.Balance(ctx, st, tl)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "station %s: till %s opened %s balance %s\n",
			r.station.Name, tl.Status, tl.OpeningDate.In(r.station.Location).Format(time.DateTime), balance.StringFixed(2))
		if needs {
			fmt.Fprintln(r.out, "previous day till must be closed")
		}
		return nil
	})
}

func (r *runner) openTill(c *cli.Context) error {
	cash, err := decimal.NewFromString(c.String("cash"))
	if err != nil {
		return fmt.Errorf("invalid cash: %w", err)
	}
	ctx := c.Context
	return r.inStore(ctx, func(st *store.Store) error {
		tl, err := r.station.Tills.Open(ctx, st, till.OpenInput{StationID: r.station.ID, InitialCash: cash, Origin: till.OriginTill})
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "till opened with %s\n", tl.InitialCashAmount.StringFixed(2))
		return nil
	})
}

func (r *runner) closeTill(c *cli.Context) error {
	ctx := c.Context
	return r.inStore(ctx, func(st *store.Store) error {
		tl, err := r.station.Tills.LastOpened(ctx, st, r.station.ID)
		if err != nil {
			return err
		}
		res, err := r.station.Tills.Close(ctx, st, tl, c.Bool("previous-day"))
		if err != nil {
			return err
		}
		for _, w := range res.Warnings {
			fmt.Fprintln(r.out, "warning:", w)
		}
		if res.Closed {
			fmt.Fprintf(r.out, "till closed with %s\n", res.Balance.StringFixed(2))
		}
		return nil
	})
}

func (r *runner) cash(supply bool) cli.ActionFunc {
	return func(c *cli.Context) error {
		value, err := decimal.NewFromString(c.String("value"))
		if err != nil {
			return fmt.Errorf("invalid value: %w", err)
		}
		ctx := c.Context
		in := till.CashInput{Value: value, Reason: c.String("reason")}
		return r.inStore(ctx, func(st *store.Store) error {
			tl, err := r.station.Tills.Current(ctx, st, r.station.ID)
			if err != nil {
				return err
			}
			if supply {
				_, err = r.station.Tills.AddCash(ctx, st, tl, in)
			} else {
				_, err = r.station.Tills.RemoveCash(ctx, st, tl, in)
			}
			if err != nil {
				return err
			}
			balance, err := r.station.Tills.Balance(ctx, st, tl)
			if err != nil {
				return err
			}
			fmt.Fprintf(r.out, "balance %s\n", balance.StringFixed(2))
			return nil
		})
	}
}

func (r *runner) exportCAT52(c *cli.Context) error {
	payload := jobs.CAT52ExportPayload{StationID: r.station.ID, Day: c.String("day")}
	day, err := payload.ParsedDay(r.station.Location)
	if err != nil {
		return err
	}
	ctx := c.Context
	if c.Bool("enqueue") {
		if !r.cfg.UsesRedis() {
			return errors.New("enqueue requires REDIS_ADDR")
		}
		client := jobs.NewClient(asynq.RedisClientOpt{Addr: r.cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		info, err := client.EnqueueCAT52Export(ctx, payload)
		if errors.Is(err, jobs.ErrAlreadyQueued) {
			fmt.Fprintf(r.out, "export of %s already queued\n", payload.Day)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "export queued as %s\n", info.ID)
		return nil
	}
	st, err := r.station.Stores.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = st.Rollback(ctx, true) }()
	path, err := r.station.Exporter.Export(ctx, st, r.station.ID, day)
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, path)
	return nil
}

func (r *runner) reconcile(c *cli.Context) error {
	found, err := r.station.Checkout.Reconcile(c.Context, r.station.ID)
	if err != nil {
		return err
	}
	for _, sale := range found {
		fmt.Fprintf(r.out, "%s %s %s\n", sale.ID, sale.Status, sale.TotalAmount().StringFixed(2))
	}
	fmt.Fprintf(r.out, "%d sale(s) without coupon\n", len(found))
	return nil
}

func (r *runner) setParam(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("usage: tillctl param KEY VALUE")
	}
	if err := r.station.Params.Set(c.Context, c.Args().Get(0), c.Args().Get(1)); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s = %s\n", c.Args().Get(0), c.Args().Get(1))
	return nil
}
