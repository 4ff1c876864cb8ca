package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/correlation"
	"pkt.systems/editlock/internal/lockstore"
	"pkt.systems/editlock/internal/relay"
)

type lockRow struct {
	itemID   string
	holder   string
	windowID string
	lockedAt time.Time
}

func rowsFromItems(items []api.LockedItem) []lockRow {
	rows := make([]lockRow, 0, len(items))
	for _, item := range items {
		holder := item.User.Login
		if holder == "" {
			holder = item.User.ID
		}
		rows = append(rows, lockRow{
			itemID:   item.ItemID,
			holder:   holder,
			windowID: item.WindowID,
			lockedAt: time.Unix(item.LockedAtUnix, 0),
		})
	}
	return rows
}

func rowsFromStore(locks map[string]lockstore.ItemLock) []lockRow {
	rows := make([]lockRow, 0, len(locks))
	for _, lock := range locks {
		holder := lock.Owner.Login
		if holder == "" {
			holder = lock.Owner.ID
		}
		rows = append(rows, lockRow{itemID: lock.ItemID, holder: holder, windowID: lock.WindowID, lockedAt: lock.LockedAt})
	}
	return rows
}

func printLocks(w io.Writer, rows []lockRow, now time.Time) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "no items locked")
		return err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].itemID < rows[j].itemID })
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ITEM\tHOLDER\tWINDOW\tLOCKED")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.itemID, r.holder, r.windowID, humanize.RelTime(r.lockedAt, now, "ago", "from now"))
	}
	return tw.Flush()
}

func fetchLocks(ctx context.Context, baseURL, account string) ([]api.LockedItem, error) {
	endpoint := baseURL + strings.Replace(relay.PathAccountLocks, "{account}", url.PathEscape(account), 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(correlation.Header, correlation.Generate())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var frame api.ErrorFrame
		if err := json.NewDecoder(resp.Body).Decode(&frame); err == nil && frame.Code != "" {
			return nil, fmt.Errorf("get %s: %s: %s", endpoint, frame.Code, frame.Detail)
		}
		return nil, fmt.Errorf("get %s: %s", endpoint, resp.Status)
	}
	var body api.AllLockedItems
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode locks: %w", err)
	}
	return body.Edits, nil
}

func newLocksCommand(logger pslog.Logger) *cobra.Command {
	var (
		f     windowFlags
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "List the items locked in an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if !watch {
				_, baseURL, err := relayURLs(f.server)
				if err != nil {
					return err
				}
				items, err := fetchLocks(ctx, baseURL, f.account)
				if err != nil {
					return err
				}
				return printLocks(out, rowsFromItems(items), time.Now())
			}
			if strings.TrimSpace(f.user) == "" {
				f.user = "editlockd-watch"
			}
			coord, conn, err := dialWindow(ctx, &f, logger)
			if err != nil {
				return err
			}
			defer conn.Close()
			first := true
			coord.Store().WatchItemLocks(ctx, func(locks map[string]lockstore.ItemLock) {
				if !first {
					fmt.Fprintln(out)
				}
				first = false
				_ = printLocks(out, rowsFromStore(locks), time.Now())
			})
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep a websocket open and reprint on every change")
	return cmd
}
