package feishu

import "github.com/wuchao05/changdu-material/internal/config"

// 短剧素材表的列名。默认值对应现网表格,可通过环境变量覆盖。
var (
	FieldDrama   = config.String("MATERIAL_FIELD_DRAMA", "短剧名称")
	FieldDay     = config.String("MATERIAL_FIELD_DATE", "日期")
	FieldAccount = config.String("MATERIAL_FIELD_ACCOUNT", "投放账户")
	FieldStatus  = config.String("MATERIAL_FIELD_STATUS", "状态")
	FieldRemark  = config.String("MATERIAL_FIELD_REMARK", "备注")
)

// 状态列的取值。
const (
	StatusAwaitingUpload = "待上传"
	StatusUploading      = "上传中"
	StatusReadyToLaunch  = "待投放"
	StatusUploadFailed   = "上传失败"
	StatusSkipped        = "已跳过"
)

// Filter operators accepted by the bitable search API.
const (
	OperatorIs         = "is"
	OperatorIsNot      = "isNot"
	OperatorIsEmpty    = "isEmpty"
	OperatorIsNotEmpty = "isNotEmpty"
)
