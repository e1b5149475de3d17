package feishu

import (
	"context"
	"testing"
	"time"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
)

type fakeRecordAPI struct {
	pages       []*larkbitable.SearchAppTableRecordResp
	searchCalls int
	pageTokens  []string
	updated     map[string]map[string]interface{}
	updateResp  *larkbitable.UpdateAppTableRecordResp
}

func (f *fakeRecordAPI) Search(ctx context.Context, appToken, tableID string, pageSize int, pageToken string, body *larkbitable.SearchAppTableRecordReqBody, options ...larkcore.RequestOptionFunc) (*larkbitable.SearchAppTableRecordResp, error) {
	f.pageTokens = append(f.pageTokens, pageToken)
	resp := f.pages[f.searchCalls%len(f.pages)]
	f.searchCalls++
	return resp, nil
}

func (f *fakeRecordAPI) Update(ctx context.Context, appToken, tableID, recordID string, record *larkbitable.AppTableRecord, options ...larkcore.RequestOptionFunc) (*larkbitable.UpdateAppTableRecordResp, error) {
	if f.updated == nil {
		f.updated = make(map[string]map[string]interface{})
	}
	f.updated[recordID] = record.Fields
	if f.updateResp != nil {
		return f.updateResp, nil
	}
	return &larkbitable.UpdateAppTableRecordResp{CodeError: larkcore.CodeError{Code: 0}}, nil
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func searchPage(ids []string, nextToken string) *larkbitable.SearchAppTableRecordResp {
	items := make([]*larkbitable.AppTableRecord, 0, len(ids))
	for _, id := range ids {
		items = append(items, &larkbitable.AppTableRecord{
			RecordId: strPtr(id),
			Fields:   map[string]interface{}{"状态": "待上传"},
		})
	}
	data := &larkbitable.SearchAppTableRecordRespData{
		Items:   items,
		HasMore: boolPtr(nextToken != ""),
	}
	if nextToken != "" {
		data.PageToken = strPtr(nextToken)
	}
	return &larkbitable.SearchAppTableRecordResp{
		CodeError: larkcore.CodeError{Code: 0},
		Data:      data,
	}
}

// newCachedTokenClient skips the auth round-trip by pre-seeding a token that
// stays inside the renewal margin.
func newCachedTokenClient(api bitableRecordAPI) *Client {
	c := &Client{bitableAPI: api}
	c.tenantToken = "cached-token"
	c.tokenExpireAt = time.Now().Add(time.Hour)
	return c
}

func TestSearchRecordsPaginates(t *testing.T) {
	api := &fakeRecordAPI{pages: []*larkbitable.SearchAppTableRecordResp{
		searchPage([]string{"r1", "r2"}, "tok-2"),
		searchPage([]string{"r3"}, ""),
	}}
	client := newCachedTokenClient(api)

	records, err := client.SearchRecords(context.Background(), "app", "tbl", nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records across pages, got %d", len(records))
	}
	if records[2].RecordID != "r3" {
		t.Fatalf("unexpected record order: %+v", records)
	}
	if api.searchCalls != 2 {
		t.Fatalf("expected 2 page fetches, got %d", api.searchCalls)
	}
	if api.pageTokens[1] != "tok-2" {
		t.Fatalf("second page must carry the cursor, got %q", api.pageTokens[1])
	}
}

func TestSearchRecordsAPIError(t *testing.T) {
	api := &fakeRecordAPI{pages: []*larkbitable.SearchAppTableRecordResp{
		{CodeError: larkcore.CodeError{Code: 91402, Msg: "NOTEXIST"}},
	}}
	client := newCachedTokenClient(api)

	_, err := client.SearchRecords(context.Background(), "app", "tbl", nil)
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Code != 91402 {
		t.Fatalf("unexpected code %d", apiErr.Code)
	}
}

func TestUpdateRecordFields(t *testing.T) {
	api := &fakeRecordAPI{}
	client := newCachedTokenClient(api)

	fields := map[string]interface{}{"状态": "待投放"}
	if err := client.UpdateRecord(context.Background(), "app", "tbl", "r1", fields); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := api.updated["r1"]["状态"]; got != "待投放" {
		t.Fatalf("unexpected fields written: %v", api.updated["r1"])
	}
}
