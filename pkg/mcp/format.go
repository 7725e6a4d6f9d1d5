package mcp

import (
	"fmt"
	"strings"

	"github.com/creovision/governor/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05"

func shortIdentity(id string) string {
	if len(id) > 20 {
		return id[:8] + "..." + id[len(id)-8:]
	}
	return id
}

func formatQuota(q models.QuotaSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Quota for %s (session %s)\n", q.Identity, q.SessionID)
	fmt.Fprintf(&b, "  Stage:            %s (%d messages)\n", q.Stage, q.MessageCount)
	fmt.Fprintf(&b, "  Free:             %d/%d used, %d left\n", q.FreeUsed, q.FreeLimit, q.FreeRemaining)
	fmt.Fprintf(&b, "  Paid:             %d/%d used, %d left\n", q.PaidUsed, q.PaidAvailable, q.PaidRemaining)
	fmt.Fprintf(&b, "  Next extension:   %d credits\n", q.NextExtensionCost)
	fmt.Fprintf(&b, "  Credits spent:    %d\n", q.CreditsSpent)
	fmt.Fprintf(&b, "  Credit balance:   %d\n", q.CreditBalance)
	fmt.Fprintf(&b, "  Promo analyses:   %d\n", q.PromoAnalysesRemaining)
	fmt.Fprintf(&b, "  Free trial:       %s\n", yesNo(q.FreeTrialAvailable))
	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "available"
	}
	return "none"
}

func formatSessions(sessions []models.Session) string {
	if len(sessions) == 0 {
		return "No sessions found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-26s %-10s %5s %5s %5s %8s %-19s\n",
		"Identity", "Session ID", "Stage", "Free", "Paid", "Avail", "Credits", "Updated")
	b.WriteString(strings.Repeat("-", 106) + "\n")
	for _, s := range sessions {
		fmt.Fprintf(&b, "%-20s %-26s %-10s %5d %5d %5d %8d %-19s\n",
			shortIdentity(s.Identity), s.ID, s.Stage,
			s.FreeUsed, s.PaidUsed, s.PaidAvailable, s.CreditsSpent,
			s.UpdatedAt.Format(timeLayout))
	}
	return b.String()
}

func formatCacheStats(stats models.CacheStats) string {
	return fmt.Sprintf("Cache Statistics\n"+
		"  Live entries: %d\n"+
		"  Hits:         %d\n"+
		"  Misses:       %d\n"+
		"  Joined:       %d\n"+
		"  Hit Rate:     %.1f%%\n",
		stats.LiveEntries, stats.Hits, stats.Misses, stats.Joined, stats.HitRate*100)
}

func formatBalance(identity string, balance int64) string {
	return fmt.Sprintf("Credit balance for %s: %d\n", identity, balance)
}

func formatTransactions(txs []models.Transaction) string {
	if len(txs) == 0 {
		return "No transactions found.\n"
	}
	var b strings.Builder
	b.WriteString("\n")
	fmt.Fprintf(&b, "%-19s %-8s %8s %8s  %s\n", "Time", "Kind", "Amount", "Balance", "Reason")
	b.WriteString(strings.Repeat("-", 70) + "\n")
	for _, tx := range txs {
		fmt.Fprintf(&b, "%-19s %-8s %+8d %8d  %s\n",
			tx.CreatedAt.Format(timeLayout), tx.Kind, tx.Amount, tx.BalanceAfter, tx.Reason)
	}
	return b.String()
}

func formatMessages(recs []models.MessageRecord) string {
	if len(recs) == 0 {
		return "No messages found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-19s %-20s %-26s %-9s %4s %-4s  %s\n",
		"Time", "Identity", "Session", "Role", "#", "Free", "Content")
	b.WriteString(strings.Repeat("-", 120) + "\n")
	for _, r := range recs {
		content := strings.ReplaceAll(r.Content, "\n", " ")
		if len(content) > 60 {
			content = content[:57] + "..."
		}
		free := "no"
		if r.IsFree {
			free = "yes"
		}
		fmt.Fprintf(&b, "%-19s %-20s %-26s %-9s %4d %-4s  %s\n",
			r.CreatedAt.Format(timeLayout), shortIdentity(r.Identity), r.SessionID,
			r.Role, r.MessageNumber, free, content)
	}
	return b.String()
}
