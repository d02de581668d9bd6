package warehouse

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/cost-attribution/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type rowScanner interface {
	Scan(dest ...any) error
}

func encodeMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: marshal run metadata")
	}
	return b, nil
}

// scanRun reads one load_run row in runCols order.
func scanRun(row rowScanner) (model.Run, error) {
	var (
		r           model.Run
		status      string
		completedAt *time.Time
		errMsg      *string
		metadata    []byte
	)
	if err := row.Scan(&r.ID, &r.Load, &status, &r.StartedAt, &completedAt, &r.RowsAffected, &errMsg, &metadata); err != nil {
		return model.Run{}, err
	}
	r.Status = model.RunStatus(status)
	r.CompletedAt = completedAt
	if errMsg != nil {
		r.Error = *errMsg
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return model.Run{}, eris.Wrapf(err, "warehouse: unmarshal metadata of run %s", r.ID)
		}
	}
	return r, nil
}
