package feishu

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	searchPageSize = 100
	searchMaxPages = 50
)

// Record is one bitable row: its record id plus the raw field map. Field
// values keep whatever shape the API returned; use FieldString/FieldDate to
// flatten them.
type Record struct {
	RecordID string
	Fields   map[string]interface{}
}

// APIError carries a non-zero code returned by the Feishu open API.
type APIError struct {
	Code int
	Msg  string
	Op   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feishu: %s failed: code=%d msg=%s", e.Op, e.Code, e.Msg)
}

// ParseBitableURL extracts the app token and table id from a bitable share
// URL of the form https://xxx.feishu.cn/base/<appToken>?table=<tableID>.
func ParseBitableURL(raw string) (appToken, tableID string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", errors.Wrap(err, "feishu: parse bitable url")
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "base" && i+1 < len(parts) {
			appToken = parts[i+1]
			break
		}
	}
	tableID = u.Query().Get("table")
	if appToken == "" || tableID == "" {
		return "", "", errors.Errorf("feishu: bitable url missing app token or table id: %s", raw)
	}
	return appToken, tableID, nil
}

// SearchRecords pages through all records in the table matching the filter.
// A nil filter returns everything. The page loop is capped so a runaway
// cursor cannot spin forever.
func (c *Client) SearchRecords(ctx context.Context, appToken, tableID string, filter *FilterInfo) ([]Record, error) {
	api, opts, err := c.bitableSDK(ctx)
	if err != nil {
		return nil, err
	}

	var body *larkbitable.SearchAppTableRecordReqBody
	if filter != nil && len(filter.Conditions) > 0 {
		conditions := make([]*larkbitable.Condition, 0, len(filter.Conditions))
		for _, cond := range filter.Conditions {
			conditions = append(conditions, larkbitable.NewConditionBuilder().
				FieldName(cond.FieldName).
				Operator(cond.Operator).
				Value(cond.Value).
				Build())
		}
		body = larkbitable.NewSearchAppTableRecordReqBodyBuilder().
			Filter(larkbitable.NewFilterInfoBuilder().
				Conjunction(filter.Conjunction).
				Conditions(conditions).
				Build()).
			Build()
	}

	var (
		records   []Record
		pageToken string
	)
	for page := 0; page < searchMaxPages; page++ {
		resp, err := api.Search(ctx, appToken, tableID, searchPageSize, pageToken, body, opts...)
		if err != nil {
			return nil, errors.Wrap(err, "feishu: search bitable records")
		}
		if !resp.Success() {
			return nil, &APIError{Code: resp.Code, Msg: resp.Msg, Op: "search records"}
		}
		if resp.Data == nil {
			break
		}
		for _, item := range resp.Data.Items {
			if item == nil || item.RecordId == nil {
				continue
			}
			records = append(records, Record{
				RecordID: *item.RecordId,
				Fields:   item.Fields,
			})
		}
		if resp.Data.HasMore == nil || !*resp.Data.HasMore || resp.Data.PageToken == nil {
			break
		}
		pageToken = *resp.Data.PageToken
	}

	log.Debug().
		Str("table_id", tableID).
		Int("records", len(records)).
		Msg("bitable search finished")
	return records, nil
}

// UpdateRecord writes the given fields onto one record.
func (c *Client) UpdateRecord(ctx context.Context, appToken, tableID, recordID string, fields map[string]interface{}) error {
	api, opts, err := c.bitableSDK(ctx)
	if err != nil {
		return err
	}

	record := larkbitable.NewAppTableRecordBuilder().
		Fields(fields).
		Build()

	resp, err := api.Update(ctx, appToken, tableID, recordID, record, opts...)
	if err != nil {
		return errors.Wrap(err, "feishu: update bitable record")
	}
	if !resp.Success() {
		return &APIError{Code: resp.Code, Msg: resp.Msg, Op: "update record"}
	}
	return nil
}
