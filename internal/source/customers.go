package source

import (
	"context"
	"errors"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cost-attribution/internal/model"
)

// CustomerColumns lists the columns every customer snapshot must carry.
var CustomerColumns = []string{"customer_id", "segment"}

// SkipInvalidCreatedAt marks a snapshot row whose created_at cannot be parsed.
const SkipInvalidCreatedAt = "invalid_created_at"

type customerRow struct {
	CustomerID string `csv:"customer_id"`
	Email      string `csv:"email"`
	Phone      string `csv:"phone"`
	FirstName  string `csv:"first_name"`
	LastName   string `csv:"last_name"`
	Segment    string `csv:"segment"`
	CreatedAt  string `csv:"created_at"`
}

// ReadCustomers decodes a customer snapshot. Rows without a customer id
// are returned as-is so the versioning engine can count them against the
// snapshot; rows with a malformed created_at are skipped here.
func (r *Reader) ReadCustomers(ctx context.Context, location string) ([]model.CustomerRecord, *Summary, error) {
	dec, format, cleanup, err := r.open(ctx, location)
	if err != nil {
		return nil, nil, err
	}
	defer cleanup()

	sum := newSummary(location, format)
	if err := requireColumns(location, dec.Header(), CustomerColumns); err != nil {
		return nil, sum, err
	}

	var out []model.CustomerRecord
	for {
		var row customerRow
		if err := dec.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, sum, eris.Wrapf(err, "source: decode %s row %d", location, sum.Rows+1)
		}
		sum.Rows++

		rec := model.CustomerRecord{
			CustomerID: row.CustomerID,
			Email:      row.Email,
			Phone:      row.Phone,
			FirstName:  row.FirstName,
			LastName:   row.LastName,
			Segment:    row.Segment,
		}
		if row.CreatedAt != "" {
			d, err := model.ParseDate(row.CreatedAt)
			if err != nil {
				sum.skip(SkipInvalidCreatedAt)
				continue
			}
			rec.CreatedAt = d
		}
		out = append(out, rec)
		sum.Accepted++
	}

	zap.L().Info("customer snapshot read",
		zap.String("component", "source.customers"),
		zap.String("location", location),
		zap.Int("rows", sum.Rows),
		zap.Int("skipped", sum.SkippedTotal()),
	)
	return out, sum, ctx.Err()
}
