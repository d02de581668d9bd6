// Package servicedim maintains the service reference dimension. It is a
// Type-1 dimension: rows are overwritten in place and keep their surrogate
// key for life.
package servicedim

import (
	"sort"
	"strings"
	"time"

	"github.com/sells-group/cost-attribution/internal/model"
)

// Service categories.
const (
	CategoryCompute    = "Compute"
	CategoryStorage    = "Storage"
	CategoryDatabase   = "Database"
	CategoryServerless = "Serverless"
	CategoryMonitoring = "Monitoring"
	CategoryNetworking = "Networking"
	CategoryOther      = "Other"
)

var categories = map[string]string{
	"amazonec2":        CategoryCompute,
	"amazons3":         CategoryStorage,
	"amazonrds":        CategoryDatabase,
	"amazonredshift":   CategoryDatabase,
	"amazondynamodb":   CategoryDatabase,
	"awslambda":        CategoryServerless,
	"amazoncloudwatch": CategoryMonitoring,
	"amazonvpc":        CategoryNetworking,
	"amazoncloudfront": CategoryNetworking,
}

// Category maps a CUR product code to its service category.
func Category(productCode string) string {
	if c, ok := categories[strings.ToLower(strings.TrimSpace(productCode))]; ok {
		return c
	}
	return CategoryOther
}

// Change is the merge outcome for one service.
type Change string

const (
	ChangeInsert    Change = "insert"
	ChangeUpdate    Change = "update"
	ChangeUnchanged Change = "unchanged"
)

// Merged is one service after merging, with what happened to it.
type Merged struct {
	Service model.Service
	Change  Change
}

// Merge folds observed date spans into the existing dimension. Existing
// rows keep their service key, widen their first/last seen dates and get
// their category recomputed. Unobserved rows are left alone. The result
// is sorted by natural key.
func Merge(existing []model.Service, observed []model.ServiceObservation, now time.Time) []Merged {
	byKey := make(map[model.ServiceKey]model.Service, len(existing))
	for _, s := range existing {
		byKey[s.NaturalKey()] = s
	}

	out := make([]Merged, 0, len(observed))
	for _, o := range observed {
		key := o.NaturalKey()
		cur, ok := byKey[key]
		if !ok {
			out = append(out, Merged{Change: ChangeInsert, Service: model.Service{
				ProductCode:     o.ProductCode,
				UsageType:       o.UsageType,
				ServiceCategory: Category(o.ProductCode),
				FirstSeenDate:   o.FirstSeen,
				LastSeenDate:    o.LastSeen,
				UpdatedAt:       now,
			}})
			continue
		}

		next := cur
		next.ServiceCategory = Category(o.ProductCode)
		if cur.FirstSeenDate.IsZero() || o.FirstSeen.Before(cur.FirstSeenDate) {
			next.FirstSeenDate = o.FirstSeen
		}
		if o.LastSeen.After(cur.LastSeenDate) {
			next.LastSeenDate = o.LastSeen
		}
		if next.ServiceCategory == cur.ServiceCategory &&
			next.FirstSeenDate.Equal(cur.FirstSeenDate) &&
			next.LastSeenDate.Equal(cur.LastSeenDate) {
			out = append(out, Merged{Change: ChangeUnchanged, Service: cur})
			continue
		}
		next.UpdatedAt = now
		out = append(out, Merged{Change: ChangeUpdate, Service: next})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Service, out[j].Service
		if a.ProductCode != b.ProductCode {
			return a.ProductCode < b.ProductCode
		}
		return a.UsageType < b.UsageType
	})
	return out
}
