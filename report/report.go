// Package report is the capability interface through which long running
// operations surface progress and status to whoever drives them.
package report

import (
	log "github.com/sirupsen/logrus"
)

type Severity int

const (
	Info Severity = iota
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Reporter receives progress in permille (0..1000). Returning false from
// ReportProgress asks the operation to stop at its next safe point.
type Reporter interface {
	ReportProgress(permille int, text string) bool
	ReportStatus(text string, severity Severity)
}

// Nop ignores everything and never aborts.
type Nop struct{}

func (Nop) ReportProgress(int, string) bool { return true }
func (Nop) ReportStatus(string, Severity)   {}

// Logger forwards status lines to logrus and never aborts.
type Logger struct {
	Entry *log.Entry
}

func (l Logger) entry() *log.Entry {
	if l.Entry != nil {
		return l.Entry
	}
	return log.NewEntry(log.StandardLogger())
}

func (l Logger) ReportProgress(permille int, text string) bool {
	l.entry().Debugf("%3d.%d%% %s", permille/10, permille%10, text)
	return true
}

func (l Logger) ReportStatus(text string, severity Severity) {
	switch severity {
	case Error:
		l.entry().Error(text)
	case Warning:
		l.entry().Warn(text)
	default:
		l.entry().Info(text)
	}
}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Reporter) Reporter {
	if r == nil {
		return Nop{}
	}
	return r
}

// Permille scales done/total into 0..1000.
func Permille(done, total int) int {
	if total <= 0 {
		return 1000
	}
	if done >= total {
		return 1000
	}
	return int(int64(done) * 1000 / int64(total))
}
