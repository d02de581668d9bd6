package source

import (
	"context"
	"errors"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cost-attribution/internal/model"
	"github.com/sells-group/cost-attribution/internal/money"
)

// Cost and usage report column names.
const (
	ColLineItemID    = "identity_line_item_id"
	ColUsageStart    = "line_item_usage_start_date"
	ColProductCode   = "line_item_product_code"
	ColUsageType     = "line_item_usage_type"
	ColUnblendedCost = "line_item_unblended_cost"
	ColCustomerID    = "customer_id"
)

// CostColumns lists the columns every cost file must carry.
var CostColumns = []string{ColLineItemID, ColUsageStart, ColProductCode, ColUsageType, ColUnblendedCost}

// Cost row skip reasons.
const (
	SkipMissingLineItemID = "missing_line_item_id"
	SkipMissingUsageDate  = "missing_usage_date"
	SkipMissingProduct    = "missing_product_code"
	SkipInvalidUsageDate  = "invalid_usage_date"
	SkipInvalidCost       = "invalid_cost"
)

type curRow struct {
	LineItemID    string `csv:"identity_line_item_id"`
	UsageStart    string `csv:"line_item_usage_start_date"`
	ProductCode   string `csv:"line_item_product_code"`
	UsageType     string `csv:"line_item_usage_type"`
	UnblendedCost string `csv:"line_item_unblended_cost"`
	CustomerID    string `csv:"customer_id"`
}

// toCostLine validates a decoded row. It returns a skip reason when the
// row cannot be loaded.
func (r curRow) toCostLine() (model.CostLine, string) {
	switch {
	case r.LineItemID == "":
		return model.CostLine{}, SkipMissingLineItemID
	case r.UsageStart == "":
		return model.CostLine{}, SkipMissingUsageDate
	case r.ProductCode == "":
		return model.CostLine{}, SkipMissingProduct
	}

	date, err := model.ParseDate(r.UsageStart)
	if err != nil {
		return model.CostLine{}, SkipInvalidUsageDate
	}
	line := model.CostLine{
		LineItemID:  r.LineItemID,
		UsageDate:   date,
		ProductCode: r.ProductCode,
		UsageType:   r.UsageType,
		CustomerID:  r.CustomerID,
	}
	if r.UnblendedCost != "" {
		cost, err := money.Parse(r.UnblendedCost)
		if err != nil {
			return model.CostLine{}, SkipInvalidCost
		}
		line.UnblendedCost = &cost
	}
	return line, ""
}

// StreamCostLines decodes the cost file at location and calls fn for each
// valid line. Rows missing an id, usage date or product code, or carrying
// an unparseable date or cost, are skipped and counted. A file missing
// any required column fails before fn is called.
func (r *Reader) StreamCostLines(ctx context.Context, location string, fn func(model.CostLine) error) (*Summary, error) {
	log := zap.L().With(zap.String("component", "source.costs"), zap.String("location", location))

	dec, format, cleanup, err := r.open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	sum := newSummary(location, format)
	if err := requireColumns(location, dec.Header(), CostColumns); err != nil {
		return sum, err
	}

	for {
		if sum.Rows%1000 == 0 && ctx.Err() != nil {
			return sum, eris.Wrap(ctx.Err(), "source: read cost lines")
		}
		var row curRow
		if err := dec.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return sum, eris.Wrapf(err, "source: decode %s row %d", location, sum.Rows+1)
		}
		sum.Rows++

		line, reason := row.toCostLine()
		if reason != "" {
			sum.skip(reason)
			continue
		}
		if err := fn(line); err != nil {
			return sum, err
		}
		sum.Accepted++
	}

	if skipped := sum.SkippedTotal(); skipped > 0 {
		log.Warn("skipped invalid cost rows", zap.Int("skipped", skipped), zap.Any("reasons", sum.Skipped))
	}
	log.Info("cost file read", zap.Int("rows", sum.Rows), zap.Int("accepted", sum.Accepted))
	return sum, nil
}

// ReadCostLines is StreamCostLines collecting every valid line.
func (r *Reader) ReadCostLines(ctx context.Context, location string) ([]model.CostLine, *Summary, error) {
	var lines []model.CostLine
	sum, err := r.StreamCostLines(ctx, location, func(l model.CostLine) error {
		lines = append(lines, l)
		return nil
	})
	if err != nil {
		return nil, sum, err
	}
	return lines, sum, nil
}
