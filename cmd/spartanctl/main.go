package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"spartan/internal/domain"
)

var baseURL string

func main() {
	root := &cobra.Command{
		Use:           "spartanctl",
		Short:         "Control and inspect a running spartand",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&baseURL, "addr", "http://localhost:8080", "spartand base URL")

	root.AddCommand(healthCmd(), ordersCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]string
			if err := getJSON("/health", &out); err != nil {
				return err
			}
			fmt.Println(out["status"])
			if e := out["error"]; e != "" {
				fmt.Println(e)
			}
			return nil
		},
	}
}

func ordersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "orders", Short: "Manage TWAP orders"}
	cmd.AddCommand(ordersListCmd(false), ordersListCmd(true), ordersCreateCmd(), ordersCancelCmd())
	return cmd
}

func ordersListCmd(history bool) *cobra.Command {
	use, short, path := "list", "List live orders", "/api/orders"
	if history {
		use, short, path = "history", "List completed and terminated orders", "/api/orders/history"
	}
	var owner string
	c := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := path
			if owner != "" {
				p += "?owner=" + owner
			}
			var summaries []domain.OrderSummary
			if err := getJSON(p, &summaries); err != nil {
				return err
			}
			printSummaries(summaries)
			return nil
		},
	}
	c.Flags().StringVar(&owner, "owner", "", "filter by owner scope")
	return c
}

func ordersCreateCmd() *cobra.Command {
	var (
		source, asset, assetRef string
		amount, interval        float64
		duration                float64
		endTime                 string
		stopLoss, takeProfit    float64
	)
	c := &cobra.Command{
		Use:   "create",
		Short: "Create a TWAP order",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{
				"source_address":   source,
				"asset_symbol":     asset,
				"asset_reference":  assetRef,
				"total_amount":     amount,
				"interval_minutes": interval,
			}
			if endTime != "" {
				req["end_time"] = endTime
			} else {
				req["duration_minutes"] = duration
			}
			if cmd.Flags().Changed("stop-loss") {
				req["stop_loss_price"] = stopLoss
			}
			if cmd.Flags().Changed("take-profit") {
				req["take_profit_price"] = takeProfit
			}
			var out struct {
				OrderID string `json:"order_id"`
				TaskID  string `json:"task_id"`
			}
			if err := postJSON("/api/orders", req, &out); err != nil {
				return err
			}
			fmt.Println("order created:", out.OrderID)
			return nil
		},
	}
	c.Flags().StringVar(&source, "source", "", "source address")
	c.Flags().StringVar(&asset, "asset", "", "asset symbol")
	c.Flags().StringVar(&assetRef, "asset-ref", "", "asset reference (defaults to symbol)")
	c.Flags().Float64Var(&amount, "amount", 0, "total amount to execute")
	c.Flags().Float64Var(&interval, "interval", 10, "slice interval in minutes")
	c.Flags().Float64Var(&duration, "duration", 60, "schedule length in minutes")
	c.Flags().StringVar(&endTime, "end", "", "absolute end time (RFC3339, overrides --duration)")
	c.Flags().Float64Var(&stopLoss, "stop-loss", 0, "stop-loss price")
	c.Flags().Float64Var(&takeProfit, "take-profit", 0, "take-profit price")
	return c
}

func ordersCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel an order (deletes its schedule)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodDelete, baseURL+"/api/orders/"+args[0], nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				raw, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
			}
			fmt.Println("canceled", args[0])
			return nil
		},
	}
}

func printSummaries(summaries []domain.OrderSummary) {
	if len(summaries) == 0 {
		fmt.Println("no orders")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ORDER\tASSET\tSTATUS\tPROGRESS\tREMAINING\tINTERVAL\tEND\tOK/FAIL\tLAST\tSL/TP")
	for _, s := range summaries {
		last := "-"
		if s.LastExecution != nil {
			last = s.LastExecution.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%.4f\t%.0fm\t%s\t%d/%d\t%s\t%s\n",
			s.OrderID, s.AssetSymbol, s.Status, s.ProgressPercent, s.RemainingAmount,
			s.IntervalMinutes, s.EndTime.Format(time.RFC3339), s.SuccessCount, s.FailCount,
			last, thresholds(s))
	}
	w.Flush()
}

func thresholds(s domain.OrderSummary) string {
	sl, tp := "-", "-"
	if s.StopLossPrice != nil {
		sl = fmt.Sprintf("%.4f", *s.StopLossPrice)
	}
	if s.TakeProfitPrice != nil {
		tp = fmt.Sprintf("%.4f", *s.TakeProfitPrice)
	}
	return sl + "/" + tp
}

func getJSON(path string, v any) error {
	resp, err := http.Get(baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, v)
}

func postJSON(path string, body, v any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(baseURL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(out)))
	}
	return json.Unmarshal(out, v)
}
