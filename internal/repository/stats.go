package repository

import (
	"context"
	"time"

	"gmail-webhook-relay/internal/model"
)

// DashboardStats is the overview shown on the dashboard.
type DashboardStats struct {
	ActiveWebhooks       int64                  `json:"active_webhooks"`
	ActiveEmailConfigs   int64                  `json:"active_email_configs"`
	TotalEmailsProcessed int64                  `json:"total_emails_processed"`
	EmailsProcessed24h   int64                  `json:"emails_processed_24h"`
	SuccessRate          float64                `json:"success_rate"`
	RecentEmails         []model.ProcessedEmail `json:"recent_emails"`
}

// DailyStat counts records processed on one UTC day.
type DailyStat struct {
	Date       string `json:"date"`
	Total      int64  `json:"total"`
	Successful int64  `json:"successful"`
}

// ProcessedSummary aggregates processed email outcomes.
type ProcessedSummary struct {
	Total       int64       `json:"total"`
	Successful  int64       `json:"successful"`
	Failed      int64       `json:"failed"`
	SuccessRate float64     `json:"success_rate"`
	DailyStats  []DailyStat `json:"daily_stats"`
}

type outcomeCounts struct {
	Total      int64 `db:"total"`
	Successful int64 `db:"successful"`
}

type processedRow struct {
	ProcessedAt time.Time `db:"processed_at"`
	Forwarded   bool      `db:"forwarded_successfully"`
}

func (r *Repository) countOutcomes(ctx context.Context) (outcomeCounts, error) {
	var c outcomeCounts
	q := r.stats.Rebind(`SELECT COUNT(*) AS total,
		COALESCE(SUM(CASE WHEN forwarded_successfully = ? THEN 1 ELSE 0 END), 0) AS successful
		FROM processed_emails`)
	if err := r.stats.GetContext(ctx, &c, q, true); err != nil {
		return c, storageErr("count processed outcomes", err)
	}
	return c, nil
}

func (r *Repository) countActive(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := r.stats.GetContext(ctx, &n, r.stats.Rebind("SELECT COUNT(*) FROM "+table+" WHERE active = ?"), true); err != nil {
		return 0, storageErr("count active "+table, err)
	}
	return n, nil
}

func successRate(c outcomeCounts) float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Successful) / float64(c.Total) * 100
}

// Dashboard collects the dashboard overview.
func (r *Repository) Dashboard(ctx context.Context, now time.Time) (*DashboardStats, error) {
	webhooks, err := r.countActive(ctx, "webhook_targets")
	if err != nil {
		return nil, err
	}
	configs, err := r.countActive(ctx, "watch_configs")
	if err != nil {
		return nil, err
	}
	counts, err := r.countOutcomes(ctx)
	if err != nil {
		return nil, err
	}

	var last24h int64
	q := r.stats.Rebind("SELECT COUNT(*) FROM processed_emails WHERE processed_at >= ?")
	if err := r.stats.GetContext(ctx, &last24h, q, now.UTC().Add(-24*time.Hour)); err != nil {
		return nil, storageErr("count recent processed emails", err)
	}

	recent, err := r.RecentProcessedEmails(ctx, 5)
	if err != nil {
		return nil, err
	}

	return &DashboardStats{
		ActiveWebhooks:       webhooks,
		ActiveEmailConfigs:   configs,
		TotalEmailsProcessed: counts.Total,
		EmailsProcessed24h:   last24h,
		SuccessRate:          successRate(counts),
		RecentEmails:         recent,
	}, nil
}

// Summary returns totals plus per-day counts for the last seven days, oldest first.
func (r *Repository) Summary(ctx context.Context, now time.Time) (*ProcessedSummary, error) {
	counts, err := r.countOutcomes(ctx)
	if err != nil {
		return nil, err
	}

	today := now.UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -6)

	var rows []processedRow
	q := r.stats.Rebind("SELECT processed_at, forwarded_successfully FROM processed_emails WHERE processed_at >= ?")
	if err := r.stats.SelectContext(ctx, &rows, q, since); err != nil {
		return nil, storageErr("load daily processed emails", err)
	}

	daily := make([]DailyStat, 7)
	for i := range daily {
		daily[i].Date = since.AddDate(0, 0, i).Format("2006-01-02")
	}
	for _, row := range rows {
		idx := int(row.ProcessedAt.UTC().Sub(since) / (24 * time.Hour))
		if idx < 0 || idx >= len(daily) {
			continue
		}
		daily[idx].Total++
		if row.Forwarded {
			daily[idx].Successful++
		}
	}

	return &ProcessedSummary{
		Total:       counts.Total,
		Successful:  counts.Successful,
		Failed:      counts.Total - counts.Successful,
		SuccessRate: successRate(counts),
		DailyStats:  daily,
	}, nil
}
