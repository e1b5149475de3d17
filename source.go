package material

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/wuchao05/changdu-material/internal/feishu"
)

// TaskFilter narrows a pending-task fetch. The zero value matches every
// pending record.
type TaskFilter struct {
	// Date restricts the fetch to records whose date column equals this
	// canonical "YYYY-MM-DD" day.
	Date string
}

// TaskSource supplies pending upload tasks from the tracking backend and
// writes status transitions back to it.
type TaskSource interface {
	FetchPendingTasks(ctx context.Context, filter TaskFilter) ([]*UploadTask, error)
	UpdateStatus(ctx context.Context, recordID, status string) error
	WriteRemark(ctx context.Context, recordID, remark string) error
}

// bitableBackend is the slice of the Feishu client the source needs.
// *feishu.Client satisfies it.
type bitableBackend interface {
	SearchRecords(ctx context.Context, appToken, tableID string, filter *feishu.FilterInfo) ([]feishu.Record, error)
	UpdateRecord(ctx context.Context, appToken, tableID, recordID string, fields map[string]interface{}) error
}

// FeishuTaskSource reads the drama material tracking bitable.
type FeishuTaskSource struct {
	backend  bitableBackend
	appToken string
	tableID  string

	// pendingStatus is the sentinel a record must carry to be fetched.
	pendingStatus string
}

// NewFeishuTaskSource builds a source over the bitable identified by the
// share URL, e.g. https://xxx.feishu.cn/base/<app>?table=<tbl>.
func NewFeishuTaskSource(client *feishu.Client, bitableURL string) (*FeishuTaskSource, error) {
	if client == nil {
		return nil, errors.New("feishu client cannot be nil")
	}
	appToken, tableID, err := feishu.ParseBitableURL(bitableURL)
	if err != nil {
		return nil, err
	}
	return &FeishuTaskSource{
		backend:       client,
		appToken:      appToken,
		tableID:       tableID,
		pendingStatus: feishu.StatusAwaitingUpload,
	}, nil
}

// FetchPendingTasks returns one UploadTask per well-formed record whose
// status equals the pending sentinel. Records missing a drama name or date
// are dropped with a logged reason. A backend-side failure comes back as a
// *RemoteQueryError; callers log it and treat the cycle as empty.
func (s *FeishuTaskSource) FetchPendingTasks(ctx context.Context, filter TaskFilter) ([]*UploadTask, error) {
	conditions := []feishu.FilterCondition{
		feishu.NewCondition(feishu.FieldStatus, feishu.OperatorIs, s.pendingStatus),
		feishu.NewCondition(feishu.FieldDrama, feishu.OperatorIsNotEmpty),
	}
	if filter.Date != "" {
		day, err := time.ParseInLocation("2006-01-02", filter.Date, time.Local)
		if err != nil {
			return nil, errors.Wrapf(err, "parse filter date %q", filter.Date)
		}
		// Date columns filter by exact day against an epoch-millisecond value.
		conditions = append(conditions, feishu.NewCondition(feishu.FieldDay, feishu.OperatorIs,
			"ExactDate", strconv.FormatInt(day.UnixMilli(), 10)))
	}
	records, err := s.backend.SearchRecords(ctx, s.appToken, s.tableID, feishu.NewFilterInfo("and", conditions...))
	if err != nil {
		var apiErr *feishu.APIError
		if errors.As(err, &apiErr) {
			return nil, &RemoteQueryError{Code: apiErr.Code, Msg: apiErr.Msg}
		}
		return nil, errors.Wrap(err, "fetch pending tasks")
	}

	tasks := make([]*UploadTask, 0, len(records))
	for _, record := range records {
		task, reason := buildTask(record)
		if task == nil {
			log.Warn().
				Str("record_id", record.RecordID).
				Str("reason", reason).
				Msg("drop malformed tracking record")
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func buildTask(record feishu.Record) (*UploadTask, string) {
	drama := feishu.FieldString(record.Fields[feishu.FieldDrama])
	if drama == "" {
		return nil, "missing drama name"
	}
	date := feishu.FieldDate(record.Fields[feishu.FieldDay])
	if date == "" {
		return nil, "missing date"
	}
	return &UploadTask{
		RecordID: record.RecordID,
		Drama:    drama,
		Date:     date,
		Account:  feishu.FieldString(record.Fields[feishu.FieldAccount]),
		Status:   TaskStatusPending,
	}, ""
}

// UpdateStatus writes the status sentinel back onto the record.
func (s *FeishuTaskSource) UpdateStatus(ctx context.Context, recordID, status string) error {
	fields := map[string]interface{}{feishu.FieldStatus: status}
	if err := s.backend.UpdateRecord(ctx, s.appToken, s.tableID, recordID, fields); err != nil {
		return &RemoteUpdateError{RecordID: recordID, Err: err}
	}
	return nil
}

// WriteRemark records a short human-readable note (typically the last upload
// error) on the 备注 column. Best-effort like UpdateStatus.
func (s *FeishuTaskSource) WriteRemark(ctx context.Context, recordID, remark string) error {
	remark = strings.TrimSpace(remark)
	if remark == "" {
		return nil
	}
	// Keep the cell readable; the full error is in the local log. Cut on a
	// rune boundary so Chinese error text never turns into invalid UTF-8.
	const maxRemarkLen = 200
	if len(remark) > maxRemarkLen {
		cut := maxRemarkLen
		for cut > 0 && !utf8.RuneStart(remark[cut]) {
			cut--
		}
		remark = remark[:cut]
	}
	fields := map[string]interface{}{feishu.FieldRemark: remark}
	if err := s.backend.UpdateRecord(ctx, s.appToken, s.tableID, recordID, fields); err != nil {
		return &RemoteUpdateError{RecordID: recordID, Err: err}
	}
	return nil
}
