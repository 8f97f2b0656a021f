package blockfile

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"skylift/internal/config"
	"skylift/internal/drive"
	"skylift/internal/logging"
	"skylift/internal/metrics"
)

// correlationWindow bounds how far a violation timestamp may drift from the
// logged share time before the match is rejected.
const correlationWindow = 5 * time.Minute

var (
	violationKeywords = []string{"违规", "分享的文件", "违反", "已被"}

	shareTimePattern = regexp.MustCompile(`(\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2})`)
	fileNamePattern  = regexp.MustCompile(`["“”]([^"“”\n]+?\.\w+)["“”]`)
)

// Monitor periodically scans system messages for violation notices.
type Monitor struct {
	client   drive.Client
	store    *Store
	cfg      config.Violations
	metrics  *metrics.Metrics
	logger   *slog.Logger
	location *time.Location
}

// NewMonitor constructs the violation monitor. m may be nil. Violation
// timestamps in messages carry no zone; loc says how to interpret them
// (nil means local time).
func NewMonitor(client drive.Client, store *Store, cfg config.Violations, m *metrics.Metrics, logger *slog.Logger, loc *time.Location) *Monitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Monitor{
		client:   client,
		store:    store,
		cfg:      cfg,
		metrics:  m,
		logger:   logging.NewComponentLogger(logger, "violations"),
		location: loc,
	}
}

// Run checks on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Check(ctx); err != nil {
				m.logger.Error("violation check failed", logging.Error(err))
			}
		}
	}
}

// Check fetches recent system messages and blacklists every release whose
// share a violation notice points at. It returns the number of new
// blacklist entries.
func (m *Monitor) Check(ctx context.Context) error {
	msgs, err := m.client.ListSystemMessages(ctx, m.cfg.MessageLimit)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		if !isViolation(msg.Content) {
			continue
		}
		fresh, err := m.store.MarkProcessed(ctx, msg.ID)
		if err != nil {
			return err
		}
		if !fresh {
			continue
		}
		m.handleViolation(ctx, msg)
	}
	return nil
}

func (m *Monitor) handleViolation(ctx context.Context, msg drive.SystemMessage) {
	sharedAt, fileName, ok := m.parseViolation(msg.Content)
	if !ok {
		m.logger.Warn("unparseable violation notice",
			logging.String("msg_id", msg.ID))
		return
	}

	entry, err := m.store.FindShareByTime(ctx, sharedAt, correlationWindow)
	if err != nil {
		m.logger.Error("share correlation failed", logging.Error(err))
		return
	}
	if entry == nil {
		m.logger.Warn("violation does not match any logged share",
			logging.String("msg_id", msg.ID),
			logging.String("file", fileName))
		return
	}

	blocked := Entry{
		ReleaseID: entry.ReleaseID,
		Title:     entry.Title,
		Reason:    "share violation: " + fileName,
		Strategy:  StrategySkipShare,
	}
	if m.cfg.RetryAfterDays > 0 {
		blocked.Strategy = StrategyDelayedShare
		blocked.RetryAfter = time.Now().UTC().Add(time.Duration(m.cfg.RetryAfterDays) * 24 * time.Hour)
	}
	if err := m.store.Block(ctx, blocked); err != nil {
		m.logger.Error("blacklist release", logging.Error(err))
		return
	}
	if m.metrics != nil {
		m.metrics.ViolationHits.Inc()
	}
	m.logger.Info("release blacklisted after violation",
		logging.String(logging.FieldReleaseID, entry.ReleaseID),
		logging.String("strategy", blocked.Strategy))
}

// parseViolation extracts the share timestamp and offending file name from a
// violation notice.
func (m *Monitor) parseViolation(content string) (time.Time, string, bool) {
	tm := shareTimePattern.FindStringSubmatch(content)
	if tm == nil {
		return time.Time{}, "", false
	}
	sharedAt, err := time.ParseInLocation("2006-01-02 15:04:05", normalizeSpaces(tm[1]), m.location)
	if err != nil {
		return time.Time{}, "", false
	}

	fm := fileNamePattern.FindStringSubmatch(content)
	if fm == nil {
		return time.Time{}, "", false
	}
	return sharedAt, fm[1], true
}

func isViolation(content string) bool {
	for _, kw := range violationKeywords {
		if strings.Contains(content, kw) {
			return true
		}
	}
	return false
}

func normalizeSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
