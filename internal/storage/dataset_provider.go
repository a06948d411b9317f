package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/maliev/predictionservice/internal/model"
	"github.com/maliev/predictionservice/internal/training"
)

// targetColumnByType names the training target field each event transform
// populates (internal/events/transform.go), so DatasetBucketStore.Fetch can
// separate features from the label without a second schema registry.
var targetColumnByType = map[model.Type]string{
	model.PrintTime:           "minutes",
	model.MaterialDemand:      "quantity",
	model.ChurnPrediction:     "churned",
	model.BottleneckDetection: "waitMinutes",
	model.DemandForecast:      "demand",
	model.PriceOptimization:   "price",
}

// Fetch implements training.DatasetProvider by flattening every bucketed
// row recorded for t within window into the shape the training orchestrator
// expects. featureColumns is the union of keys seen across rows, excluding
// the type's target column.
func (s *DatasetBucketStore) Fetch(
	ctx context.Context, t model.Type, window training.TimeWindow,
) ([]training.Row, []string, string, error) {
	targetColumn, ok := targetColumnByType[t]
	if !ok {
		return nil, nil, "", fmt.Errorf("%w: no target column configured for type %s", ErrEventsStoreFailed, t)
	}

	dbRows, err := s.conn.QueryContext(ctx, `
		SELECT rows FROM training_dataset_buckets
		WHERE model_type = $1 AND partition_day >= $2::date AND partition_day <= $3::date
	`, string(t), window.Start, window.End)
	if err != nil {
		return nil, nil, "", fmt.Errorf("%w: fetch buckets: %w", ErrEventsStoreFailed, err)
	}

	defer func() { _ = dbRows.Close() }()

	columnSet := make(map[string]bool)

	var rows []training.Row

	for dbRows.Next() {
		var rawRows []byte
		if err := dbRows.Scan(&rawRows); err != nil {
			return nil, nil, "", fmt.Errorf("%w: scan bucket: %w", ErrEventsStoreFailed, err)
		}

		var bucketRows []map[string]float64
		if err := json.Unmarshal(rawRows, &bucketRows); err != nil {
			return nil, nil, "", fmt.Errorf("%w: unmarshal bucket rows: %w", ErrEventsStoreFailed, err)
		}

		for _, raw := range bucketRows {
			row := training.Row(raw)
			rows = append(rows, row)

			for col := range raw {
				if col != targetColumn {
					columnSet[col] = true
				}
			}
		}
	}

	if err := dbRows.Err(); err != nil {
		return nil, nil, "", fmt.Errorf("%w: iterate buckets: %w", ErrEventsStoreFailed, err)
	}

	featureColumns := make([]string, 0, len(columnSet))
	for col := range columnSet {
		featureColumns = append(featureColumns, col)
	}

	sort.Strings(featureColumns)

	return rows, featureColumns, targetColumn, nil
}
