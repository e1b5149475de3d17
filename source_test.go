package material

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/wuchao05/changdu-material/internal/feishu"
)

type fakeBitable struct {
	records []feishu.Record
	err     error
	updates map[string]map[string]interface{}
	filter  *feishu.FilterInfo
}

func (f *fakeBitable) SearchRecords(ctx context.Context, appToken, tableID string, filter *feishu.FilterInfo) ([]feishu.Record, error) {
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func (f *fakeBitable) UpdateRecord(ctx context.Context, appToken, tableID, recordID string, fields map[string]interface{}) error {
	if f.err != nil {
		return f.err
	}
	if f.updates == nil {
		f.updates = make(map[string]map[string]interface{})
	}
	f.updates[recordID] = fields
	return nil
}

func newTestSource(backend *fakeBitable) *FeishuTaskSource {
	return &FeishuTaskSource{
		backend:       backend,
		appToken:      "app",
		tableID:       "tbl",
		pendingStatus: feishu.StatusAwaitingUpload,
	}
}

func TestFetchPendingTasksNormalizes(t *testing.T) {
	epochMS := int64(1700000000000)
	backend := &fakeBitable{records: []feishu.Record{
		{
			RecordID: "r1",
			Fields: map[string]interface{}{
				feishu.FieldDrama: []interface{}{
					map[string]interface{}{"text": "龙王归来"},
				},
				feishu.FieldDay:     float64(epochMS),
				feishu.FieldAccount: " acct-1 ",
			},
		},
		{
			RecordID: "r-no-drama",
			Fields: map[string]interface{}{
				feishu.FieldDay: float64(epochMS),
			},
		},
		{
			RecordID: "r-no-date",
			Fields: map[string]interface{}{
				feishu.FieldDrama: "战神",
			},
		},
	}}

	source := newTestSource(backend)
	tasks, err := source.FetchPendingTasks(context.Background(), TaskFilter{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected records missing drama/date to be dropped, got %d tasks", len(tasks))
	}
	task := tasks[0]
	if task.RecordID != "r1" || task.Drama != "龙王归来" || task.Account != "acct-1" {
		t.Fatalf("unexpected task: %+v", task)
	}
	wantDate := time.UnixMilli(epochMS).Format("2006-01-02")
	if task.Date != wantDate {
		t.Fatalf("expected canonical date %s, got %s", wantDate, task.Date)
	}

	// The status filter must target the pending sentinel.
	if backend.filter == nil || len(backend.filter.Conditions) == 0 {
		t.Fatal("expected a status filter")
	}
	cond := backend.filter.Conditions[0]
	if cond.FieldName != feishu.FieldStatus || cond.Value[0] != feishu.StatusAwaitingUpload {
		t.Fatalf("unexpected filter condition: %+v", cond)
	}
}

func TestFetchPendingTasksDateFilter(t *testing.T) {
	backend := &fakeBitable{}
	source := newTestSource(backend)

	if _, err := source.FetchPendingTasks(context.Background(), TaskFilter{Date: "2023-11-14"}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if backend.filter == nil || len(backend.filter.Conditions) != 3 {
		t.Fatalf("expected status+drama+date conditions, got %+v", backend.filter)
	}
	dateCond := backend.filter.Conditions[2]
	if dateCond.FieldName != feishu.FieldDay || dateCond.Operator != feishu.OperatorIs {
		t.Fatalf("unexpected date condition: %+v", dateCond)
	}
	day, _ := time.ParseInLocation("2006-01-02", "2023-11-14", time.Local)
	wantMS := strconv.FormatInt(day.UnixMilli(), 10)
	if len(dateCond.Value) != 2 || dateCond.Value[0] != "ExactDate" || dateCond.Value[1] != wantMS {
		t.Fatalf("expected [ExactDate %s], got %v", wantMS, dateCond.Value)
	}

	// A malformed date fails before hitting the backend.
	if _, err := source.FetchPendingTasks(context.Background(), TaskFilter{Date: "11/14"}); err == nil {
		t.Fatal("expected error for malformed filter date")
	}
}

func TestFetchPendingTasksRemoteQueryError(t *testing.T) {
	backend := &fakeBitable{err: &feishu.APIError{Code: 91402, Msg: "NOTEXIST", Op: "search records"}}
	source := newTestSource(backend)

	_, err := source.FetchPendingTasks(context.Background(), TaskFilter{})
	var queryErr *RemoteQueryError
	if !errors.As(err, &queryErr) {
		t.Fatalf("expected *RemoteQueryError, got %T: %v", err, err)
	}
	if queryErr.Code != 91402 || queryErr.Msg != "NOTEXIST" {
		t.Fatalf("unexpected error payload: %+v", queryErr)
	}
}

func TestUpdateStatusWritesSentinel(t *testing.T) {
	backend := &fakeBitable{}
	source := newTestSource(backend)

	if err := source.UpdateStatus(context.Background(), "r1", feishu.StatusReadyToLaunch); err != nil {
		t.Fatalf("update status: %v", err)
	}
	fields := backend.updates["r1"]
	if fields[feishu.FieldStatus] != feishu.StatusReadyToLaunch {
		t.Fatalf("unexpected fields: %v", fields)
	}
}

func TestUpdateStatusWrapsError(t *testing.T) {
	backend := &fakeBitable{err: errors.New("boom")}
	source := newTestSource(backend)

	err := source.UpdateStatus(context.Background(), "r1", feishu.StatusUploading)
	var updateErr *RemoteUpdateError
	if !errors.As(err, &updateErr) {
		t.Fatalf("expected *RemoteUpdateError, got %T", err)
	}
	if updateErr.RecordID != "r1" {
		t.Fatalf("unexpected record id %q", updateErr.RecordID)
	}
}

func TestWriteRemarkTruncates(t *testing.T) {
	backend := &fakeBitable{}
	source := newTestSource(backend)

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	if err := source.WriteRemark(context.Background(), "r1", string(long)); err != nil {
		t.Fatalf("write remark: %v", err)
	}
	remark, _ := backend.updates["r1"][feishu.FieldRemark].(string)
	if len(remark) != 200 {
		t.Fatalf("expected remark truncated to 200 bytes, got %d", len(remark))
	}

	// Empty remarks are a no-op.
	backend.updates = nil
	if err := source.WriteRemark(context.Background(), "r2", "   "); err != nil {
		t.Fatalf("empty remark: %v", err)
	}
	if backend.updates != nil {
		t.Fatal("empty remark must not hit the backend")
	}
}

func TestWriteRemarkTruncatesOnRuneBoundary(t *testing.T) {
	backend := &fakeBitable{}
	source := newTestSource(backend)

	// 100 three-byte CJK runes: 300 bytes, and byte 200 falls mid-rune.
	long := strings.Repeat("超", 100)
	if err := source.WriteRemark(context.Background(), "r1", long); err != nil {
		t.Fatalf("write remark: %v", err)
	}
	remark, _ := backend.updates["r1"][feishu.FieldRemark].(string)
	if len(remark) == 0 || len(remark) > 200 {
		t.Fatalf("expected truncation to at most 200 bytes, got %d", len(remark))
	}
	if !utf8.ValidString(remark) {
		t.Fatalf("truncated remark is invalid UTF-8: %q", remark)
	}
	if len(remark) != 198 {
		t.Fatalf("expected the cut to back up to the previous rune boundary (198 bytes), got %d", len(remark))
	}
}
