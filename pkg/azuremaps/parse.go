package azuremaps

import (
	"bytes"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// batchItem is one entry of the batchItems collection in a ready response.
type batchItem struct {
	Response struct {
		Results []matchResult `json:"results"`
	} `json:"response"`
}

type matchResult struct {
	Type       string   `json:"type"`
	EntityType string   `json:"entityType"`
	Score      *float64 `json:"score"`
	Position   struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	} `json:"position"`
}

// parseResults extracts the best match per submitted request from a ready
// response. The results array is ranked, so the first entry wins. An empty
// candidate list yields a No Match record, keeping output aligned one-to-one
// with the batch's requests.
func parseResults(body *pollBody) ([]Result, error) {
	if body.BatchItems == nil || bytes.Equal(bytes.TrimSpace(body.BatchItems), []byte("null")) {
		return nil, nil
	}

	var items []batchItem
	if err := json.Unmarshal(body.BatchItems, &items); err != nil {
		return nil, eris.Wrap(err, "azuremaps: parse batch items")
	}

	results := make([]Result, 0, len(items))
	for _, item := range items {
		if len(item.Response.Results) == 0 {
			results = append(results, Result{Status: StatusNoMatch})
			continue
		}

		best := item.Response.Results[0]
		status := best.Type
		if status == "" {
			status = best.EntityType
		}
		if status == "" {
			status = "Matched"
		}
		results = append(results, Result{
			Lat:        best.Position.Lat,
			Lon:        best.Position.Lon,
			Status:     status,
			Confidence: best.Score,
		})
	}
	return results, nil
}
