// Package search keeps the audit trail in Elasticsearch.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"example.com/backstage/fulfillment/config"
	"example.com/backstage/fulfillment/internal/audit"
)

const defaultIndex = "audit"

// AuditIndex is an audit.Recorder backed by an Elasticsearch index
type AuditIndex struct {
	client *elasticsearch.Client
	index  string
	log    zerolog.Logger
}

// NewAuditIndex creates the client and checks the connection
func NewAuditIndex(cfg config.ElasticConfig, log zerolog.Logger) (*AuditIndex, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	res, err := client.Info()
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to Elasticsearch")
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, errors.Errorf("Elasticsearch returned error: %s", res.String())
	}

	index := cfg.Index
	if index == "" {
		index = defaultIndex
	}
	log.Info().Str("index", config.FormatIndex(cfg, index)).Msg("Connected to Elasticsearch")
	return &AuditIndex{client: client, index: config.FormatIndex(cfg, index), log: log}, nil
}

// Index returns the prefixed index name
func (a *AuditIndex) Index() string { return a.index }

// EnsureIndex creates the audit index when it does not exist
func (a *AuditIndex) EnsureIndex(ctx context.Context) error {
	res, err := esapi.IndicesExistsRequest{Index: []string{a.index}}.Do(ctx, a.client)
	if err != nil {
		return errors.Wrapf(err, "failed to check index %s", a.index)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	a.log.Info().Str("index", a.index).Msg("Creating index")
	res, err = esapi.IndicesCreateRequest{Index: a.index}.Do(ctx, a.client)
	if err != nil {
		return errors.Wrapf(err, "failed to create index %s", a.index)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusBadRequest {
		return errors.Errorf("failed to create index %s: %s", a.index, res.String())
	}
	return nil
}

// Record writes entries with a single bulk request
func (a *AuditIndex) Record(ctx context.Context, entries ...audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, e := range entries {
		if err := enc.Encode(map[string]interface{}{"index": map[string]interface{}{"_index": a.index}}); err != nil {
			return errors.Wrap(err, "failed to encode bulk action")
		}
		if err := enc.Encode(e); err != nil {
			return errors.Wrap(err, "failed to encode audit entry")
		}
	}

	res, err := esapi.BulkRequest{Index: a.index, Body: &body}.Do(ctx, a.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch bulk request")
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError(res, "bulk")
	}

	var result struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int             `json:"status"`
			Error  json.RawMessage `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return errors.Wrap(err, "failed to parse Elasticsearch bulk response")
	}
	if result.Errors {
		failed := 0
		var first json.RawMessage
		for _, item := range result.Items {
			for _, op := range item {
				if op.Status >= 300 {
					failed++
					if first == nil {
						first = op.Error
					}
				}
			}
		}
		return errors.Errorf("Elasticsearch bulk error: %d of %d entries failed: %s", failed, len(entries), first)
	}

	a.log.Debug().Int("entries", len(entries)).Msg("Audit entries indexed")
	return nil
}

// Search returns the newest audit entries for one aggregate
func (a *AuditIndex) Search(ctx context.Context, aggregate, aggregateID string, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := map[string]interface{}{
		"size": limit,
		"sort": []interface{}{map[string]interface{}{"time": map[string]interface{}{"order": "desc"}}},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"aggregate.keyword": aggregate}},
					map[string]interface{}{"term": map[string]interface{}{"aggregate_id.keyword": aggregateID}},
				},
			},
		},
	}
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	res, err := esapi.SearchRequest{Index: []string{a.index}, Body: bytes.NewReader(queryJSON)}.Do(ctx, a.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError(res, "search")
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Source audit.Entry `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	entries := make([]audit.Entry, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		entries = append(entries, hit.Source)
	}
	return entries, nil
}

func responseError(res *esapi.Response, op string) error {
	var e map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
		return errors.Errorf("Elasticsearch %s error: %s", op, res.Status())
	}
	return errors.Errorf("Elasticsearch %s error: %v", op, e)
}
