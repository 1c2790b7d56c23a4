package domain

// VolumeTier buckets a campaign's rolling-window send volume so anomaly
// thresholds can scale with statistical significance. Below the smallest
// tier's floor there is not enough data to detect anything.
type VolumeTier string

const (
	TierVeryLow   VolumeTier = "VERY_LOW"
	TierLowMedium VolumeTier = "LOW_MEDIUM"
	TierMedium    VolumeTier = "MEDIUM"
	TierHigh      VolumeTier = "HIGH"
)

// AnomalyReason identifies which signal tripped a threshold.
type AnomalyReason string

const (
	ReasonHighBounceRate      AnomalyReason = "HIGH_BOUNCE_RATE"
	ReasonHighUnsubscribeRate AnomalyReason = "HIGH_UNSUBSCRIBE_RATE"
)

// AnomalySeverity distinguishes a pause-worthy anomaly from a warning.
type AnomalySeverity string

const (
	SeverityCritical AnomalySeverity = "CRITICAL"
	SeverityWarning  AnomalySeverity = "WARNING"
)

// RateThreshold is a rate/count pair: both must be met to trigger, so a
// single bounce in a tiny sample never fires.
type RateThreshold struct {
	Rate     float64 `json:"rate"`
	MinCount int     `json:"min_count"`
}

// TierThresholds holds the warn and pause thresholds for one volume tier,
// for both bounce and unsubscribe signals.
type TierThresholds struct {
	BounceWarn  RateThreshold `json:"bounce_warn"`
	BouncePause RateThreshold `json:"bounce_pause"`
	UnsubWarn   RateThreshold `json:"unsub_warn"`
	UnsubPause  RateThreshold `json:"unsub_pause"`
}

// AnomalyMetrics captures the raw numbers behind a detection result.
type AnomalyMetrics struct {
	WindowHours      int     `json:"window_hours"`
	TotalSent        int     `json:"total_sent"`
	BounceCount      int     `json:"bounce_count"`
	BounceRate       float64 `json:"bounce_rate"`
	UnsubscribeCount int     `json:"unsubscribe_count"`
	UnsubscribeRate  float64 `json:"unsubscribe_rate"`
}

// AnomalyResult is the outcome of scanning one campaign. A neutral result
// has ShouldPause and ShouldWarn both false.
type AnomalyResult struct {
	CampaignID  string          `json:"campaign_id"`
	WorkspaceID string          `json:"workspace_id"`
	ShouldPause bool            `json:"should_pause"`
	ShouldWarn  bool            `json:"should_warn"`
	Reason      AnomalyReason   `json:"reason,omitempty"`
	Severity    AnomalySeverity `json:"severity,omitempty"`
	Tier        VolumeTier      `json:"tier,omitempty"`
	Message     string          `json:"message,omitempty"`
	Metrics     AnomalyMetrics  `json:"metrics"`
}
