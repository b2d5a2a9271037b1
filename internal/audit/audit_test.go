package audit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeRiskScore_BaseAndModifiers(t *testing.T) {
	base := computeRiskScore(EventRAGQuery, nil, true, contentAnalysis{})
	require.Equal(t, 20, base)

	withSensitive := computeRiskScore(EventRAGQuery, nil, true, contentAnalysis{sensitiveDataDetected: true})
	require.Equal(t, 50, withSensitive)

	withFailure := computeRiskScore(EventRAGQuery, nil, false, contentAnalysis{})
	require.Equal(t, 45, withFailure)

	everything := computeRiskScore(EventFinancialDataAccess, map[string]any{"bulk_operation": true}, false, contentAnalysis{
		sensitiveDataDetected: true,
		riskLevel:             RiskHigh,
		complianceIssue:       true,
	})
	// 50 + 30 + 25 + 20 + 25 + 15 = 165, capped at 100
	require.Equal(t, 100, everything)

	unknownType := computeRiskScore(EventType("unregistered"), nil, true, contentAnalysis{})
	require.Equal(t, defaultBaseRiskScore, unknownType)
}

func TestRiskRuleSet_Analyze(t *testing.T) {
	rs := DefaultRiskRuleSet()

	clean := rs.analyze("what time is it")
	require.False(t, clean.sensitiveDataDetected)
	require.Equal(t, RiskNone, clean.riskLevel)

	sensitive := rs.analyze("please confirm your Social Security number")
	require.True(t, sensitive.sensitiveDataDetected)

	highRisk := rs.analyze("this investment carries risk and volatility, returns are uncertain")
	require.Equal(t, RiskHigh, highRisk.riskLevel)

	singleRiskTerm := rs.analyze("what is the risk here")
	require.Equal(t, RiskMedium, singleRiskTerm.riskLevel)

	complianceMiss := rs.analyze("please review the terms and conditions before proceeding")
	require.True(t, complianceMiss.complianceIssue)

	complianceOK := rs.analyze("terms and conditions: this investment risk disclosure covers...")
	require.False(t, complianceOK.complianceIssue)
}

func TestGenerateEventID_UniqueUnderConcurrency(t *testing.T) {
	const n = 500
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- generateEventID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, n)
	for id := range ids {
		require.False(t, seen[id], "duplicate id generated: %s", id)
		seen[id] = true
	}
	require.Len(t, seen, n)
}

func TestHashData(t *testing.T) {
	require.Empty(t, hashData(""))
	h1 := hashData("some content")
	h2 := hashData("some content")
	h3 := hashData("other content")
	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, h3)
	require.Len(t, h1, 16)
}

func TestSink_LogEventDualWriteAndStats(t *testing.T) {
	dir := t.TempDir()
	sink, err := New(Config{Dir: dir, Rules: DefaultRiskRuleSet()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	ev := sink.LogEvent(LogInput{
		EventType: EventAuthentication,
		Level:     LevelSecurity,
		UserID:    "user-1",
		Action:    "login",
		Success:   true,
	})
	require.NotEmpty(t, ev.ID)
	require.Equal(t, 25, ev.RiskScore)

	require.Eventually(t, func() bool {
		events, err := sink.ListEvents(ListFilter{UserID: "user-1"})
		return err == nil && len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	events, err := sink.ListEvents(ListFilter{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, ev.ID, events[0].ID)
	require.Equal(t, "login", events[0].Action)

	stats, err := sink.GetRealtimeStats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.EventsLastHour)
	require.Equal(t, int64(0), stats.Dropped)
}

func TestSink_QueueFullDropsOldestPending(t *testing.T) {
	// Build a sink with no drain worker running, so LogEvent's queue-full
	// path is exercised deterministically rather than racing a worker.
	sink := &Sink{ch: make(chan Event, 2), rules: DefaultRiskRuleSet()}

	first := sink.LogEvent(LogInput{EventType: EventAgentMessage, Action: "first", Success: true})
	second := sink.LogEvent(LogInput{EventType: EventAgentMessage, Action: "second", Success: true})
	require.Equal(t, int64(0), sink.Dropped())

	// Queue (capacity 2) is now full; a third event must evict the oldest
	// pending ("first") rather than being dropped itself.
	third := sink.LogEvent(LogInput{EventType: EventAgentMessage, Action: "third", Success: true})
	require.Equal(t, int64(1), sink.Dropped())

	var remaining []Event
	close(sink.ch)
	for ev := range sink.ch {
		remaining = append(remaining, ev)
	}
	require.Len(t, remaining, 2)
	require.Equal(t, second.ID, remaining[0].ID)
	require.Equal(t, third.ID, remaining[1].ID)
	require.NotEqual(t, first.ID, remaining[0].ID)
	require.NotEqual(t, first.ID, remaining[1].ID)
}

func TestGenerateReport_JSONAndCSV(t *testing.T) {
	dir := t.TempDir()
	sink, err := New(Config{Dir: dir, Rules: DefaultRiskRuleSet()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	sink.LogEvent(LogInput{EventType: EventRAGQuery, UserID: "user-1", Action: "query", Success: true})
	sink.LogEvent(LogInput{EventType: EventAuthentication, UserID: "user-2", Action: "login", Success: false})

	require.Eventually(t, func() bool {
		stats, err := sink.GetRealtimeStats()
		return err == nil && stats.EventsLastHour == 2
	}, 2*time.Second, 10*time.Millisecond)

	jsonReport, err := sink.GenerateReport(ReportRequest{WindowHours: 1, Format: ReportJSON, IncludeCategoryAnalysis: true})
	require.NoError(t, err)
	require.Contains(t, string(jsonReport), `"total_events": 2`)

	csvReport, err := sink.GenerateReport(ReportRequest{WindowHours: 1, Format: ReportCSV})
	require.NoError(t, err)
	require.Contains(t, string(csvReport), "event_type,count")

	htmlReport, err := sink.GenerateReport(ReportRequest{WindowHours: 1, Format: ReportHTML})
	require.NoError(t, err)
	require.Contains(t, string(htmlReport), "<h1>Audit Report</h1>")
}

func TestLoadRiskRuleSet_EmptyPathReturnsDefault(t *testing.T) {
	rs, err := LoadRiskRuleSet("")
	require.NoError(t, err)
	require.Equal(t, DefaultRiskRuleSet(), rs)
}
