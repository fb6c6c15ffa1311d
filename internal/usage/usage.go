package usage

import (
	"time"

	xerrors "CogniVerve/internal/errors"
)

// Resource 是被计量的资源类型。
type Resource string

const (
	ResourceAPICalls       Resource = "api_calls"
	ResourceComputeMinutes Resource = "compute_minutes"
	ResourceStorageUnits   Resource = "storage_units"
	ResourceBandwidthUnits Resource = "bandwidth_units"
)

// Unlimited 表示该资源不设上限。
const Unlimited int64 = -1

// Plan 是所有者所属的订阅档位。
type Plan string

const (
	PlanFree       Plan = "free"
	PlanBasic      Plan = "basic"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// CodeQuotaExceeded 表示资源预留超出当前档位的月度配额。
const CodeQuotaExceeded xerrors.Code = "QUOTA_EXCEEDED"

func init() {
	xerrors.Register(CodeQuotaExceeded, xerrors.Attributes{
		Message:   "usage quota exceeded for current plan",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

var planLimits = map[Plan]map[Resource]int64{
	PlanFree: {
		ResourceAPICalls:       100,
		ResourceComputeMinutes: 60,
		ResourceStorageUnits:   100,
		ResourceBandwidthUnits: 1000,
	},
	PlanBasic: {
		ResourceAPICalls:       10000,
		ResourceComputeMinutes: 600,
		ResourceStorageUnits:   10000,
		ResourceBandwidthUnits: 100000,
	},
	PlanPro: {
		ResourceAPICalls:       100000,
		ResourceComputeMinutes: 3600,
		ResourceStorageUnits:   100000,
		ResourceBandwidthUnits: 1000000,
	},
	PlanEnterprise: {
		ResourceAPICalls:       Unlimited,
		ResourceComputeMinutes: Unlimited,
		ResourceStorageUnits:   Unlimited,
		ResourceBandwidthUnits: Unlimited,
	},
}

// Limit 返回档位对某资源的月度上限；未知档位按 free 处理。
func (p Plan) Limit(resource Resource) int64 {
	limits, ok := planLimits[p]
	if !ok {
		limits = planLimits[PlanFree]
	}
	limit, ok := limits[resource]
	if !ok {
		return 0
	}
	return limit
}

// Valid 报告档位是否为已知值。
func (p Plan) Valid() bool {
	_, ok := planLimits[p]
	return ok
}

// PeriodKey 返回时间所属的计量周期，按 UTC 自然月滚动。
func PeriodKey(at time.Time) string {
	return at.UTC().Format("2006-01")
}

// Snapshot 是某所有者在一个计量周期内的用量汇总。
type Snapshot struct {
	OwnerID string             `json:"owner_id"`
	Period  string             `json:"period"`
	Plan    Plan               `json:"plan"`
	Used    map[Resource]int64 `json:"used"`
	Limits  map[Resource]int64 `json:"limits"`
}

// LimitsOf 返回档位的全部资源上限拷贝。
func LimitsOf(p Plan) map[Resource]int64 {
	limits, ok := planLimits[p]
	if !ok {
		limits = planLimits[PlanFree]
	}
	out := make(map[Resource]int64, len(limits))
	for r, v := range limits {
		out[r] = v
	}
	return out
}
