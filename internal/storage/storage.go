// Package storage holds the AWS-backed side stores of the newsletter queue:
// campaign attachments in S3 and an archive of campaign completion reports
// in DynamoDB.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/ignite/newsletter-queue/internal/pkg/logger"
	"github.com/ignite/newsletter-queue/internal/service/newsletter"
)

const (
	defaultReportTTL   = 90 * 24 * time.Hour
	reportWriteTimeout = 5 * time.Second
)

// CampaignReport is one archived reconciliation of a campaign.
type CampaignReport struct {
	newsletter.Transition
	ReconciledAt time.Time `json:"reconciled_at"`
}

// ReportArchive writes a report to DynamoDB every time a campaign leaves
// SENDING. Writes happen in the background so the processor never waits on
// AWS.
type ReportArchive struct {
	newsletter.NopObserver

	client dynamoAPI
	table  string
	ttl    time.Duration
	now    func() time.Time

	wg sync.WaitGroup
}

// NewReportArchive creates an archive writing to table.
func NewReportArchive(client *dynamodb.Client, table string) *ReportArchive {
	return newReportArchive(client, table)
}

func newReportArchive(client dynamoAPI, table string) *ReportArchive {
	return &ReportArchive{
		client: client,
		table:  table,
		ttl:    defaultReportTTL,
		now:    time.Now,
	}
}

// CampaignReconciled implements newsletter.Observer.
func (a *ReportArchive) CampaignReconciled(t newsletter.Transition) {
	report := CampaignReport{Transition: t, ReconciledAt: a.now().UTC()}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), reportWriteTimeout)
		defer cancel()

		if err := a.Save(ctx, report); err != nil {
			logger.Error("failed to archive campaign report",
				"campaign_id", t.CampaignID, "error", err)
		}
	}()
}

// Save writes one report synchronously.
func (a *ReportArchive) Save(ctx context.Context, r CampaignReport) error {
	return putJSON(ctx, a.client, a.table, campaignPK(r.CampaignID), r.ReconciledAt, a.ttl, r)
}

// Reports returns every archived report for a campaign, oldest first.
func (a *ReportArchive) Reports(ctx context.Context, campaignID string) ([]CampaignReport, error) {
	items, err := queryItems(ctx, a.client, a.table, campaignPK(campaignID))
	if err != nil {
		return nil, err
	}

	reports := make([]CampaignReport, 0, len(items))
	for _, it := range items {
		var r CampaignReport
		if err := json.Unmarshal([]byte(it.Data), &r); err != nil {
			return nil, fmt.Errorf("decoding report %s/%s: %w", it.PK, it.SK, err)
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Close waits for in-flight background writes.
func (a *ReportArchive) Close() {
	a.wg.Wait()
}
