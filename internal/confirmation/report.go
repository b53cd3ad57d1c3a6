package confirmation

import (
	"context"
	"sort"
	"time"

	"github.com/finp2p/finp2p-router/internal/core/amount"
	"github.com/finp2p/finp2p-router/internal/kv"
)

// UserActivity is a per-user aggregate in the regulatory report.
type UserActivity struct {
	Account   string `json:"account"`
	Total     int    `json:"total"`
	Confirmed int    `json:"confirmed"`
	Failed    int    `json:"failed"`
}

// AssetActivity is a per-asset aggregate in the regulatory report.
// SuccessfulVolume sums the amounts of confirmed records only.
type AssetActivity struct {
	Asset            string        `json:"asset"`
	Total            int           `json:"total"`
	Confirmed        int           `json:"confirmed"`
	SuccessfulVolume amount.Amount `json:"successfulVolume"`
}

// Report is the regulatory report over one router's confirmations in a
// time window. Given identical input records, the output is identical:
// aggregates are sorted by key.
type Report struct {
	RouterID     string          `json:"routerId"`
	From         time.Time       `json:"from"`
	To           time.Time       `json:"to"`
	TotalRecords int             `json:"totalRecords"`
	ByUser       []UserActivity  `json:"byUser"`
	ByAsset      []AssetActivity `json:"byAsset"`
}

// GenerateRegulatoryReport scans this router's confirmations with
// timestamps in [from, to] and aggregates them by user and asset.
func (s *Store) GenerateRegulatoryReport(ctx context.Context, from, to time.Time) (*Report, error) {
	all, err := s.kv.HGetAll(ctx, kv.ConfirmationsKey(s.routerID))
	if err != nil {
		return nil, err
	}

	users := make(map[string]*UserActivity)
	assets := make(map[string]*AssetActivity)
	total := 0

	for _, raw := range all {
		var rec Record
		if err := kv.DecodeRecord(raw, &rec); err != nil {
			return nil, err
		}
		if rec.Timestamp.Before(from) || rec.Timestamp.After(to) {
			continue
		}
		total++

		u, ok := users[rec.Metadata.FromAccount]
		if !ok {
			u = &UserActivity{Account: rec.Metadata.FromAccount}
			users[rec.Metadata.FromAccount] = u
		}
		a, ok := assets[rec.Metadata.Asset]
		if !ok {
			a = &AssetActivity{Asset: rec.Metadata.Asset}
			assets[rec.Metadata.Asset] = a
		}

		u.Total++
		a.Total++
		switch rec.Status {
		case StatusConfirmed:
			u.Confirmed++
			a.Confirmed++
			vol, err := a.SuccessfulVolume.Add(rec.Metadata.Amount)
			if err != nil {
				return nil, err
			}
			a.SuccessfulVolume = vol
		case StatusFailed, StatusRolledBack:
			u.Failed++
		}
	}

	report := &Report{
		RouterID:     s.routerID,
		From:         from,
		To:           to,
		TotalRecords: total,
	}
	for _, u := range users {
		report.ByUser = append(report.ByUser, *u)
	}
	for _, a := range assets {
		report.ByAsset = append(report.ByAsset, *a)
	}
	sort.Slice(report.ByUser, func(i, j int) bool { return report.ByUser[i].Account < report.ByUser[j].Account })
	sort.Slice(report.ByAsset, func(i, j int) bool { return report.ByAsset[i].Asset < report.ByAsset[j].Asset })
	return report, nil
}
