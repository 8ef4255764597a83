package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/hhoffstaette/popfile/internal/config"
	"github.com/hhoffstaette/popfile/internal/logging"
	"github.com/hhoffstaette/popfile/internal/proxy"
)

// openStack builds a stack for the offline subcommands. It never listens.
func openStack(ctx context.Context, cfg config.Config) *proxy.Stack {
	stack, err := proxy.NewStack(ctx, proxy.StackConfig{
		Config: cfg,
		Logger: logging.NewLogger(cfg.LogLevel),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening history: %v\n", err)
		os.Exit(1)
	}
	return stack
}

// historyQuery selects one page of history.
type historyQuery struct {
	bucket, search, sort string
	page, size           int
}

func runHistory(args []string) {
	var hq historyQuery
	cfg := loadConfig("history", args, func(fs *flag.FlagSet) {
		fs.StringVar(&hq.bucket, "bucket", "", "Only show messages in this bucket (__magnet__ for magnet hits)")
		fs.StringVar(&hq.search, "search", "", "Only show messages whose From or To contains this text")
		fs.StringVar(&hq.sort, "sort", "", "Sort column, prefix with - for descending (default -inserted)")
		fs.IntVar(&hq.page, "page", 1, "Page to show, starting at 1")
		fs.IntVar(&hq.size, "size", 20, "Messages per page")
	})
	if hq.page < 1 || hq.size < 1 {
		fmt.Fprintln(os.Stderr, "page and size must be positive")
		os.Exit(2)
	}

	ctx := context.Background()
	stack := openStack(ctx, cfg)
	err := listHistory(ctx, stack, hq, os.Stdout)
	if cerr := stack.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error listing history: %v\n", err)
		os.Exit(1)
	}
}

// listHistory writes one page of committed history to out.
func listHistory(ctx context.Context, stack *proxy.Stack, hq historyQuery, out io.Writer) error {
	q := stack.Queries()
	id, err := q.OpenQuery()
	if err != nil {
		return fmt.Errorf("opening query: %w", err)
	}
	defer q.CloseQuery(id) //nolint:errcheck

	if err := q.SetQuery(ctx, id, hq.bucket, hq.search, hq.sort); err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	total, err := q.GetQuerySize(id)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	rows, err := q.GetQueryRows(ctx, id, (hq.page-1)*hq.size+1, hq.size)
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tINSERTED\tBUCKET\tFROM\tSUBJECT")
	for _, r := range rows {
		fmt.Fprintf(w, "%08x\t%s\t%s\t%s\t%s\n",
			r.ID, r.InsertedAt.Local().Format(time.DateTime), r.Bucket, r.From, r.Subject)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "\n%d of %d messages (page %d)\n", len(rows), total, hq.page)
	return err
}

func runExpire(args []string) {
	cfg := loadConfig("expire", args, nil)

	ctx := context.Background()
	stack := openStack(ctx, cfg)
	n, err := stack.Sweeper().Sweep(ctx, time.Now())
	if cerr := stack.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error expiring history: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("expired %d messages older than %d days\n", n, cfg.History.RetentionDays)
}
