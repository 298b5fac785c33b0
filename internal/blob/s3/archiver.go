package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundengine/internal/domain"
	"github.com/alanyoungcy/roundengine/internal/settlement"
)

// roundArchive is the document stored for one settled round and scope.
type roundArchive struct {
	Scope       domain.Scope                 `json:"scope"`
	Round       archivedRound                `json:"round"`
	SettledAt   time.Time                    `json:"settledAt"`
	Results     []archivedResult             `json:"results"`
	Commissions []domain.CopyTradeCommission `json:"commissions,omitempty"`
	Remain      []domain.RemainDelta         `json:"remain,omitempty"`
}

type archivedRound struct {
	ID           string          `json:"id"`
	InstrumentID string          `json:"instrumentId"`
	TimeID       int64           `json:"timeId"`
	Open         decimal.Decimal `json:"open"`
	Close        decimal.Decimal `json:"close"`
	Outcome      domain.Outcome  `json:"outcome"`
}

type archivedResult struct {
	OrderID   string              `json:"orderId"`
	UserID    string              `json:"userId"`
	BetType   domain.BetType      `json:"betType"`
	BetAmount decimal.Decimal     `json:"betAmount"`
	Account   domain.AccountClass `json:"account"`
	Status    domain.ResultStatus `json:"status"`
	Amount    decimal.Decimal     `json:"amount"`
}

// ReportArchiver uploads each settled round as one JSON document at
// rounds/{scope}/{instrument}/{yyyy-mm-dd}/{timeId}.json. An object that
// already exists is never overwritten, so a retried settlement keeps the
// first archive.
type ReportArchiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
}

// NewReportArchiver creates a ReportArchiver.
func NewReportArchiver(writer domain.BlobWriter, reader domain.BlobReader) *ReportArchiver {
	return &ReportArchiver{writer: writer, reader: reader}
}

// ArchivePath returns the object key for a report.
func ArchivePath(rep settlement.Report) string {
	return fmt.Sprintf("rounds/%s/%s/%s/%s.json",
		rep.Scope,
		rep.Round.InstrumentID,
		rep.SettledAt.UTC().Format("2006-01-02"),
		strconv.FormatInt(rep.Round.TimeID, 10),
	)
}

// Archive uploads rep. Empty reports are skipped.
func (a *ReportArchiver) Archive(ctx context.Context, rep settlement.Report) error {
	if rep.Empty() {
		return nil
	}
	path := ArchivePath(rep)
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("s3blob: archive %s: %w", path, err)
	}
	if exists {
		return nil
	}

	doc := roundArchive{
		Scope: rep.Scope,
		Round: archivedRound{
			ID:           rep.Round.ID,
			InstrumentID: rep.Round.InstrumentID,
			TimeID:       rep.Round.TimeID,
			Open:         rep.Round.OpenPrice,
			Close:        rep.Round.ClosePrice,
			Outcome:      rep.Round.Outcome,
		},
		SettledAt:   rep.SettledAt.UTC(),
		Commissions: rep.Commissions,
		Remain:      rep.Remain,
	}
	amounts := make(map[string]domain.OrderResult, len(rep.Results))
	for _, r := range rep.Results {
		amounts[r.OrderID] = r
	}
	for _, oc := range rep.Outcomes {
		o := oc.Order()
		r := amounts[o.ID]
		doc.Results = append(doc.Results, archivedResult{
			OrderID:   o.ID,
			UserID:    o.UserID,
			BetType:   o.BetType,
			BetAmount: o.BetAmount,
			Account:   o.AccountClass,
			Status:    r.Status,
			Amount:    r.WinAmount,
		})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("s3blob: encode %s: %w", path, err)
	}
	if err := a.writer.Put(ctx, path, &buf, "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive %s: %w", path, err)
	}
	return nil
}
