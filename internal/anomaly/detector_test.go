package anomaly

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/outreach-engine/internal/domain"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func testDetector(db *sql.DB) *Detector {
	d := NewDetector(db, nil)
	d.now = func() time.Time { return time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC) }
	return d
}

func expectCampaignLookup(mock sqlmock.Sqlmock, status string) {
	mock.ExpectQuery(`SELECT workspace_id, status FROM campaigns`).
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id", "status"}).
			AddRow("ws-1", status))
}

// expectRates wires the bounce and unsubscribe window queries. failureErrors
// become PERMANENTLY_FAILED rows whose text is classified in Go.
func expectRates(mock sqlmock.Sqlmock, sent int, failureErrors []string, unsubs int) {
	mock.ExpectQuery(`status = 'SENT' AND sent_at`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(sent))
	failRows := sqlmock.NewRows([]string{"last_error"})
	for _, e := range failureErrors {
		failRows.AddRow(e)
	}
	mock.ExpectQuery(`status = 'PERMANENTLY_FAILED'`).
		WillReturnRows(failRows)
	mock.ExpectQuery(`unsubscribed_at`).
		WillReturnRows(sqlmock.NewRows([]string{"sent", "unsubs"}).AddRow(sent, unsubs))
}

func TestVolumeTierFor(t *testing.T) {
	tests := []struct {
		total    int
		wantTier domain.VolumeTier
		wantOK   bool
	}{
		{0, "", false},
		{24, "", false},
		{25, domain.TierVeryLow, true},
		{99, domain.TierVeryLow, true},
		{100, domain.TierLowMedium, true},
		{249, domain.TierLowMedium, true},
		{250, domain.TierMedium, true},
		{499, domain.TierMedium, true},
		{500, domain.TierHigh, true},
		{10000, domain.TierHigh, true},
	}
	for _, tt := range tests {
		tier, ok := VolumeTierFor(tt.total)
		if tier != tt.wantTier || ok != tt.wantOK {
			t.Errorf("VolumeTierFor(%d) = (%s, %v), want (%s, %v)",
				tt.total, tier, ok, tt.wantTier, tt.wantOK)
		}
	}
}

func TestIsBounceError(t *testing.T) {
	tests := []struct {
		errText string
		want    bool
	}{
		{"550 5.1.1 address not found", true},
		{"Delivery Status Notification (Failure)", true},
		{"user unknown in virtual mailbox table", true},
		{"message bounced by remote host", true},
		{"rate limit exceeded", false},
		{"invalid_grant", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsBounceError(tt.errText); got != tt.want {
			t.Errorf("IsBounceError(%q) = %v, want %v", tt.errText, got, tt.want)
		}
	}
}

func TestDetectAnomaliesNonRunningIsNeutral(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	expectCampaignLookup(mock, "PAUSED")

	d := testDetector(db)
	result, err := d.DetectAnomalies(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	if result.ShouldPause || result.ShouldWarn {
		t.Errorf("paused campaign should produce a neutral result, got %+v", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDetectAnomaliesBelowFloorIsNeutral(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	expectCampaignLookup(mock, "RUNNING")
	// 10 sends and a terrible rate, but too few to judge.
	expectRates(mock, 8, []string{"550 user unknown", "bounced"}, 0)

	d := testDetector(db)
	result, err := d.DetectAnomalies(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	if result.ShouldPause || result.ShouldWarn {
		t.Errorf("sample below the detection floor must stay neutral, got %+v", result)
	}
}

func TestDetectAnomaliesHighVolumeBounceSpikePauses(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	expectCampaignLookup(mock, "RUNNING")
	// 600 delivered plus 40 bounce-classified failures: 40/640 = 6.25%,
	// past the high-tier pause threshold of 5% with at least 25 bounces.
	failures := make([]string, 40)
	for i := range failures {
		failures[i] = "550 5.1.1 recipient address rejected"
	}
	expectRates(mock, 600, failures, 0)

	d := testDetector(db)
	result, err := d.DetectAnomalies(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	if !result.ShouldPause {
		t.Fatal("expected a pause-worthy result")
	}
	if result.Reason != domain.ReasonHighBounceRate {
		t.Errorf("reason = %s, want %s", result.Reason, domain.ReasonHighBounceRate)
	}
	if result.Severity != domain.SeverityCritical {
		t.Errorf("severity = %s, want %s", result.Severity, domain.SeverityCritical)
	}
	if result.Tier != domain.TierHigh {
		t.Errorf("tier = %s, want %s", result.Tier, domain.TierHigh)
	}
	if result.Metrics.BounceCount != 40 {
		t.Errorf("bounce count = %d, want 40", result.Metrics.BounceCount)
	}
}

func TestDetectAnomaliesBouncePauseBeatsUnsubPause(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	expectCampaignLookup(mock, "RUNNING")
	// Both signals are past their pause thresholds; the bounce one wins.
	failures := make([]string, 40)
	for i := range failures {
		failures[i] = "mailbox unavailable"
	}
	expectRates(mock, 600, failures, 30)

	d := testDetector(db)
	result, err := d.DetectAnomalies(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	if !result.ShouldPause || result.Reason != domain.ReasonHighBounceRate {
		t.Errorf("bounce pause should take priority, got reason %s", result.Reason)
	}
}

func TestDetectAnomaliesWarnOnly(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	expectCampaignLookup(mock, "RUNNING")
	// 600 sent, 20 bounces: 20/620 = 3.2%. Past the 3% warn threshold,
	// short of the 5% pause threshold.
	failures := make([]string, 20)
	for i := range failures {
		failures[i] = "550 user unknown"
	}
	expectRates(mock, 600, failures, 0)

	d := testDetector(db)
	result, err := d.DetectAnomalies(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	if result.ShouldPause {
		t.Error("warn-level rate must not pause")
	}
	if !result.ShouldWarn {
		t.Fatal("expected a warning")
	}
	if result.Severity != domain.SeverityWarning {
		t.Errorf("severity = %s, want %s", result.Severity, domain.SeverityWarning)
	}
}

func TestDetectAnomaliesUnsubscribePause(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	expectCampaignLookup(mock, "RUNNING")
	// 600 sent, no bounces, 25 unsubscribes: 4.2%, past the 2% high-tier
	// pause threshold with at least 20 unsubscribes.
	expectRates(mock, 600, nil, 25)

	d := testDetector(db)
	result, err := d.DetectAnomalies(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	if !result.ShouldPause {
		t.Fatal("expected a pause-worthy result")
	}
	if result.Reason != domain.ReasonHighUnsubscribeRate {
		t.Errorf("reason = %s, want %s", result.Reason, domain.ReasonHighUnsubscribeRate)
	}
}

func TestDetectAnomaliesIgnoresNonBounceFailures(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	expectCampaignLookup(mock, "RUNNING")
	// Plenty of failures, none of them bounces.
	failures := make([]string, 40)
	for i := range failures {
		failures[i] = "max retries exceeded (5 attempts): rate limit"
	}
	expectRates(mock, 600, failures, 0)

	d := testDetector(db)
	result, err := d.DetectAnomalies(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	if result.ShouldPause || result.ShouldWarn {
		t.Errorf("infrastructure failures are not bounces, got %+v", result)
	}
}

func TestAutoPauseCampaignSkipsNonRunning(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id", "status"}).
			AddRow("ws-1", "PAUSED"))
	mock.ExpectRollback()

	d := testDetector(db)
	err := d.AutoPauseCampaign(context.Background(), "c-1",
		domain.ReasonHighBounceRate, domain.AnomalyMetrics{})
	if err == nil {
		t.Fatal("expected an error when the campaign is no longer RUNNING")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAutoPauseCampaign(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id", "status"}).
			AddRow("ws-1", "RUNNING"))
	mock.ExpectExec(`UPDATE campaigns`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO campaign_audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d := testDetector(db)
	err := d.AutoPauseCampaign(context.Background(), "c-1",
		domain.ReasonHighBounceRate, domain.AnomalyMetrics{TotalSent: 640, BounceCount: 40})
	if err != nil {
		t.Fatalf("AutoPauseCampaign: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
