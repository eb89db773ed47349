package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printServerTable(w io.Writer, servers []serverResponse) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATUS\tIP\tPRICE\tEXPIRES")
	for _, s := range servers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Name, s.Type, s.Status, orDash(s.IPAddress), s.PriceMonthly, formatWhen(s.ExpiresAt))
	}
	return tw.Flush()
}

func printServerDetail(w io.Writer, s serverResponse) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", s.ID)
	fmt.Fprintf(tw, "Name:\t%s\n", s.Name)
	fmt.Fprintf(tw, "Owner:\t%s\n", s.OwnerID)
	fmt.Fprintf(tw, "Type:\t%s\n", s.Type)
	fmt.Fprintf(tw, "Status:\t%s\n", s.Status)
	if s.ExternalID != "" {
		fmt.Fprintf(tw, "Provider ID:\t%s\n", s.ExternalID)
	}
	if s.IPAddress != "" {
		fmt.Fprintf(tw, "IP:\t%s\n", s.IPAddress)
	}
	fmt.Fprintf(tw, "Spec:\t%d vCPU, %d MB RAM, %d GB disk\n", s.Spec.CPU, s.Spec.MemoryMB, s.Spec.StorageGB)
	fmt.Fprintf(tw, "Price:\t%s / month\n", s.PriceMonthly)
	fmt.Fprintf(tw, "Expires:\t%s\n", formatWhen(s.ExpiresAt))
	if s.ReconciledAt != "" {
		fmt.Fprintf(tw, "Reconciled:\t%s\n", formatWhen(s.ReconciledAt))
	}
	fmt.Fprintf(tw, "Created:\t%s\n", formatWhen(s.CreatedAt))
	return tw.Flush()
}

func printActivityTable(w io.Writer, entries []activityEntry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tACTOR\tACTION\tSOURCE\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, formatWhen(e.Timestamp), e.ActorID, e.Action, orDash(e.SourceAddress), e.Details)
	}
	return tw.Flush()
}

func printCredits(w io.Writer, c creditsResponse) error {
	fmt.Fprintf(w, "Balance for %s: %s\n", c.UserID, c.Balance)
	if len(c.Transactions) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tKIND\tAMOUNT\tBALANCE\tREFERENCE")
	for _, tx := range c.Transactions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", formatWhen(tx.CreatedAt), tx.Kind, tx.Amount, tx.BalanceAfter, tx.Reference)
	}
	return tw.Flush()
}

func printStatus(w io.Writer, s statusResponse) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Version:\t%s\n", s.Version)
	fmt.Fprintf(tw, "Metrics:\t%t\n", s.Metrics.Enabled)
	for _, typ := range sortedKeys(s.Gateways) {
		fmt.Fprintf(tw, "Gateway %s:\t%s\n", typ, s.Gateways[typ])
	}
	if s.Servers != nil {
		for _, status := range sortedKeys(s.Servers) {
			fmt.Fprintf(tw, "Servers %s:\t%d\n", status, s.Servers[status])
		}
	}
	return tw.Flush()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatWhen(value string) string {
	if value == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return value
	}
	return t.UTC().Format("2006-01-02 15:04 UTC")
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
