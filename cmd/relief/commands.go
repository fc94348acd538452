package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/api"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/config"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/localstore"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/syncer"
)

// mutationDone reports the outcome of an engine mutation. A queued
// mutation is not a failure.
func mutationDone(kind string, rec storage.Record, err error) error {
	switch {
	case syncer.IsQueued(err):
		printWarning("%s %s saved locally; delivery queued (%v)", kind, rec.ID, err)
		return nil
	case err != nil:
		return err
	case rec.Meta.State == storage.StatePending:
		printWarning("%s %s saved offline; it will be sent once the server is reachable", kind, rec.ID)
	default:
		printSuccess("%s %s saved", kind, rec.ID)
	}
	return nil
}

// --- report ---

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Submit or delete incident reports",
}

var reportSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an incident report",
	Long: `Submit an incident report. Without a connection the report is kept
locally under a temporary id and sent on reconnect.

Examples:
  relief report submit --title "Bridge collapsed" --type damage \
    --description "The footbridge over the canal is down" --lat 20.29 --lng 85.82
  relief report submit --title "Road flooded" --type flooding --severity 4 \
    --description "Water over the road near the bus stand" --lat 20.27 --lng 85.84 --anonymous`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		description, _ := cmd.Flags().GetString("description")
		typ, _ := cmd.Flags().GetString("type")
		lat, _ := cmd.Flags().GetFloat64("lat")
		lng, _ := cmd.Flags().GetFloat64("lng")
		severity, _ := cmd.Flags().GetInt("severity")
		address, _ := cmd.Flags().GetString("address")
		anonymous, _ := cmd.Flags().GetBool("anonymous")

		fields := map[string]any{
			"title":       title,
			"description": description,
			"type":        typ,
			"location":    map[string]any{"lat": lat, "lng": lng},
		}
		if severity > 0 {
			fields["severity"] = severity
		}
		if address != "" {
			fields["address"] = address
		}
		if anonymous {
			fields["isAnonymous"] = true
		}

		return withClient(cmd.Context(), func(env *clientEnv) error {
			rec, err := env.engine.SubmitReport(cmd.Context(), fields)
			return mutationDone("Report", rec, err)
		})
	},
}

var reportDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(env *clientEnv) error {
			err := env.engine.DeleteReport(cmd.Context(), args[0])
			switch {
			case syncer.IsQueued(err):
				printWarning("Deletion of report %s queued (%v)", args[0], err)
			case err != nil:
				return err
			default:
				printSuccess("Report %s deleted", args[0])
			}
			return nil
		})
	},
}

func init() {
	f := reportSubmitCmd.Flags()
	f.String("title", "", "short headline")
	f.String("description", "", "what happened")
	f.String("type", "", "incident, damage, blocked-road, flooding, resource or other")
	f.Float64("lat", 0, "latitude")
	f.Float64("lng", 0, "longitude")
	f.Int("severity", 0, "1 (minor) to 5 (critical)")
	f.String("address", "", "street address or landmark")
	f.Bool("anonymous", false, "submit without contact details")
	for _, name := range []string{"title", "description", "type", "lat", "lng"} {
		reportSubmitCmd.MarkFlagRequired(name)
	}

	reportCmd.AddCommand(reportSubmitCmd)
	reportCmd.AddCommand(reportDeleteCmd)
}

// --- resource ---

var resourceCmd = &cobra.Command{
	Use:   "resource",
	Short: "Update relief resources",
}

var resourceUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update the status or capacity of a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		fields := make(map[string]any)
		if status, _ := cmd.Flags().GetString("status"); status != "" {
			fields["status"] = status
		}
		if cmd.Flags().Changed("quantity") {
			q, _ := cmd.Flags().GetFloat64("quantity")
			fields["quantity"] = q
		}
		total, _ := cmd.Flags().GetFloat64("total")
		available, _ := cmd.Flags().GetFloat64("available")
		hasTotal, hasAvail := cmd.Flags().Changed("total"), cmd.Flags().Changed("available")
		replace, _ := cmd.Flags().GetBool("replace")

		return withClient(cmd.Context(), func(env *clientEnv) error {
			if hasTotal || hasAvail {
				capacity := map[string]any{}
				if cur, ok := env.store.Get(storage.Resources, id); ok {
					if c, ok := cur.Fields["capacity"].(map[string]any); ok {
						capacity = c
					}
				}
				if hasTotal {
					capacity["total"] = total
				}
				if hasAvail {
					capacity["available"] = available
				}
				fields["capacity"] = capacity
			}
			if len(fields) == 0 {
				return errors.New("nothing to update: set --status, --quantity, --total or --available")
			}

			var (
				rec storage.Record
				err error
			)
			if replace {
				rec, err = env.engine.UpdateResource(cmd.Context(), id, fields)
			} else {
				rec, err = env.engine.PatchResource(cmd.Context(), id, fields)
			}
			return mutationDone("Resource", rec, err)
		})
	},
}

func init() {
	f := resourceUpdateCmd.Flags()
	f.String("status", "", "active, inactive or full")
	f.Float64("quantity", 0, "stock on hand")
	f.Float64("total", 0, "total capacity")
	f.Float64("available", 0, "remaining capacity")
	f.Bool("replace", false, "send the fields with PUT instead of PATCH")
	resourceCmd.AddCommand(resourceUpdateCmd)
}

// --- alert ---

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Update alerts",
}

var alertUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change the severity or description of an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields := make(map[string]any)
		for _, key := range []string{"severity", "description"} {
			if v, _ := cmd.Flags().GetString(key); v != "" {
				fields[key] = v
			}
		}
		if len(fields) == 0 {
			return errors.New("nothing to update: set --severity or --description")
		}
		return withClient(cmd.Context(), func(env *clientEnv) error {
			rec, err := env.engine.UpdateAlert(cmd.Context(), args[0], fields)
			return mutationDone("Alert", rec, err)
		})
	},
}

func init() {
	alertUpdateCmd.Flags().String("severity", "", "info, warning, critical or emergency")
	alertUpdateCmd.Flags().String("description", "", "new description")
	alertCmd.AddCommand(alertUpdateCmd)
}

// --- records ---

var recordsCmd = &cobra.Command{
	Use:   "records <alerts|reports|resources>",
	Short: "List cached records with their sync state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		col, err := storage.ParseCollection(args[0])
		if err != nil {
			return err
		}
		state, _ := cmd.Flags().GetString("state")
		switch storage.SyncState(state) {
		case "", storage.StateConfirmed, storage.StatePending, storage.StateFailed:
		default:
			return fmt.Errorf("unknown state %q", state)
		}
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		return withClient(cmd.Context(), func(env *clientEnv) error {
			recs := env.engine.Records(col, localstore.Query{
				Filter: func(r storage.Record) bool {
					return state == "" || r.Meta.State == storage.SyncState(state)
				},
				Less: func(a, b storage.Record) bool {
					return a.Meta.LastModified.After(b.Meta.LastModified)
				},
			})
			if limit > 0 && len(recs) > limit {
				recs = recs[:limit]
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), recs)
			}
			printRecords(cmd.OutOrStdout(), recs)
			return nil
		})
	},
}

func init() {
	recordsCmd.Flags().String("state", "", "only records in this state: confirmed, pending or failed")
	recordsCmd.Flags().Int("limit", 50, "maximum number of records (0 for all)")
	recordsCmd.Flags().Bool("json", false, "print records as JSON")
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline action queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List actions waiting for delivery, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(env *clientEnv) error {
			printActions(cmd.OutOrStdout(), env.engine.Pending(), false)
			return nil
		})
	},
}

var queueDroppedCmd = &cobra.Command{
	Use:   "dropped",
	Short: "List actions dropped after exhausting their retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withClient(cmd.Context(), func(env *clientEnv) error {
			dropped, err := env.engine.Dropped(limit)
			if err != nil {
				return err
			}
			printActions(cmd.OutOrStdout(), dropped, true)
			return nil
		})
	},
}

func init() {
	queueDroppedCmd.Flags().Int("limit", 20, "maximum number of entries")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDroppedCmd)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver queued actions and pull server changes now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(env *clientEnv) error {
			rep, err := env.engine.Sync(cmd.Context())
			if err != nil && rep.Pulled == nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			printStatus("Delivered", "%d", len(rep.Drain.Succeeded))
			if n := len(rep.Drain.Retried); n > 0 {
				printStatus("Retrying", "%d", n)
			}
			if n := len(rep.Drain.Dropped); n > 0 {
				printStatus("Dropped", "%s", colorize(colorRed, fmt.Sprint(n)))
			}
			for _, col := range storage.Collections {
				if n, ok := rep.Pulled[col]; ok {
					printStatus("Pulled "+string(col), "%d", n)
				}
			}
			if err != nil {
				printWarning("some collections failed to sync: %v", err)
				return nil
			}
			printSuccess("Sync complete")
			return nil
		})
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server reachability, queue and per-collection sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withClient(cmd.Context(), func(env *clientEnv) error {
			st := env.engine.Status()
			if asJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}

			if st.Online {
				printStatus("Server", "reachable at %s", env.cfg.Client.ServerURL)
			} else {
				printStatus("Server", "%s", colorize(colorYellow, "unreachable ("+env.cfg.Client.ServerURL+")"))
			}
			if pid, err := readPIDFile(pidFilePath(env.cfg.Storage.DataDir)); err == nil && processAlive(pid) {
				printStatus("Agent", "running (PID %d)", pid)
			} else {
				printStatus("Agent", "stopped")
			}
			printStatus("Queued actions", "%d", st.QueueLength)
			if st.Degraded {
				printStatus("Storage", "%s", colorize(colorRed, "degraded (in-memory only)"))
			}
			for _, c := range st.Collections {
				last := "never"
				if c.LastSync != nil {
					last = c.LastSync.Local().Format(time.DateTime)
				}
				printStatus(string(c.Collection), "%d records, strategy %s, last sync %s", c.Records, c.Strategy, last)
				if c.LastError != "" {
					printStatus("  last error", "%s", c.LastError)
				}
			}
			printStatus("Data dir", "%s", clientDataDir(env.cfg))
			return nil
		})
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "print status as JSON")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		sort.Slice(keys, func(i, j int) bool { return keys[i].Key < keys[j].Key })
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			if strings.HasPrefix(err.Error(), "unknown config key") {
				printError("valid keys: %s", strings.Join(config.ValidKeys(), ", "))
			}
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the local relief data to assistants over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := openClient(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()
		env.engine.Init(ctx)

		go func() {
			if err := ignoreCanceled(env.monitor.Run(ctx, env.prober())); err != nil {
				slog.Warn("connectivity probe stopped", "error", err)
			}
		}()
		go env.engine.Run(ctx)

		mcpSrv := api.NewMCPServer(api.MCPDeps{Sync: env.engine})
		slog.Info("MCP server started (stdio transport)")
		err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}
